package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/mbd888/outreach/internal/billing"
	"github.com/mbd888/outreach/internal/config"
	"github.com/mbd888/outreach/internal/health"
	"github.com/mbd888/outreach/internal/license"
	"github.com/mbd888/outreach/internal/sqlitedb"
	"github.com/mbd888/outreach/internal/usage"
	"github.com/redis/go-redis/v9"
)

// Backends is the storage selected from configuration: Postgres when
// DATABASE_URL is set, otherwise SQLite when SQLITE_PATH is set, otherwise
// process memory. The usage ledger moves to Redis when REDIS_URL is set.
type Backends struct {
	Kind    string
	Store   license.Store
	Ledger  usage.Ledger
	Events  billing.EventStore
	DB      *sql.DB       // nil for memory
	Redis   *redis.Client // nil unless REDIS_URL is set
	closers []func() error
}

type migrator interface {
	Migrate(ctx context.Context) error
}

// OpenBackends connects to the configured stores. SQL stores are migrated
// in place so a fresh SQLite file works without a separate step; Postgres
// deployments may also run cmd/migrate.
func OpenBackends(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Backends, error) {
	b := &Backends{Kind: cfg.Backend()}

	switch b.Kind {
	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		logger.Info("connected to PostgreSQL", "dsn", maskDSN(cfg.DatabaseURL))

		b.DB = db
		b.closers = append(b.closers, db.Close)
		b.Store = license.NewPostgresStore(db)
		b.Ledger = usage.NewPostgresLedger(db)
		b.Events = billing.NewPostgresEventStore(db)

	case "sqlite":
		db, err := sqlitedb.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info("using SQLite", "path", cfg.SQLitePath)

		b.DB = db
		b.closers = append(b.closers, db.Close)
		b.Store = license.NewSQLiteStore(db)
		b.Ledger = usage.NewSQLiteLedger(db)
		b.Events = billing.NewSQLiteEventStore(db)

	default:
		logger.Warn("no database configured, licenses and usage are kept in memory")
		b.Store = license.NewMemoryStore()
		b.Ledger = usage.NewMemoryLedger()
		b.Events = billing.NewMemoryEventStore()
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			_ = client.Close()
			_ = b.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		logger.Info("usage ledger on Redis", "addr", opts.Addr, "db", opts.DB)

		b.Redis = client
		b.closers = append(b.closers, client.Close)
		b.Ledger = usage.NewRedisLedger(client, "outreach:usage")
	}

	if err := b.Migrate(ctx); err != nil {
		_ = b.Close()
		return nil, err
	}
	return b, nil
}

// Migrate creates missing tables on every SQL-backed store.
func (b *Backends) Migrate(ctx context.Context) error {
	for _, s := range []any{b.Store, b.Ledger, b.Events} {
		if m, ok := s.(migrator); ok {
			if err := m.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate %T: %w", s, err)
			}
		}
	}
	return nil
}

// RegisterHealth adds a checker per backend.
func (b *Backends) RegisterHealth(r *health.Registry) {
	r.Register("licenses", health.PingChecker("licenses", func(ctx context.Context) error {
		// A probe for a key that cannot exist exercises the full read path.
		_, err := b.Store.Get(ctx, "health-probe")
		if errors.Is(err, license.ErrNotFound) {
			return nil
		}
		return err
	}))
	if b.DB != nil {
		r.Register("database", health.PingChecker("database", b.DB.PingContext))
	}
	if b.Redis != nil {
		r.Register("redis", health.PingChecker("redis", func(ctx context.Context) error {
			return b.Redis.Ping(ctx).Err()
		}))
	}
}

// Close releases every connection, newest first.
func (b *Backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
