package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresLedger stores events in PostgreSQL. The (license_key, feature, ts)
// index serves every windowed query.
type PostgresLedger struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresLedger creates a new PostgreSQL-backed ledger.
func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db, now: time.Now}
}

var (
	_ Ledger   = (*PostgresLedger)(nil)
	_ Reserver = (*PostgresLedger)(nil)
)

func (p *PostgresLedger) Record(ctx context.Context, ev Event) error {
	ev, err := Prepare(ev, p.now())
	if err != nil {
		return err
	}
	return p.insert(ctx, p.db, ev)
}

func (p *PostgresLedger) WindowedTotal(ctx context.Context, key, feature string, start, end time.Time) (int64, error) {
	return p.sum(ctx, p.db, key, feature, start, end)
}

func (p *PostgresLedger) Totals(ctx context.Context, key string, f Filter) (map[string]int64, error) {
	query := `SELECT feature, SUM(count) FROM usage_events WHERE license_key = $1`
	args := []interface{}{key}
	if f.Feature != "" {
		args = append(args, f.Feature)
		query += fmt.Sprintf(` AND feature = $%d`, len(args))
	}
	if !f.Start.IsZero() {
		args = append(args, f.Start)
		query += fmt.Sprintf(` AND ts >= $%d`, len(args))
	}
	if !f.End.IsZero() {
		args = append(args, f.End)
		query += fmt.Sprintf(` AND ts <= $%d`, len(args))
	}
	query += ` GROUP BY feature`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("usage: totals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]int64)
	for rows.Next() {
		var feature string
		var total int64
		if err := rows.Scan(&feature, &total); err != nil {
			return nil, fmt.Errorf("usage: scan totals: %w", err)
		}
		out[feature] = total
	}
	return out, rows.Err()
}

// RecordIfWithin serialises concurrent reservations for the same
// license/feature with a transaction-scoped advisory lock.
func (p *PostgresLedger) RecordIfWithin(ctx context.Context, ev Event, windows []Window) (*Window, error) {
	ev, err := Prepare(ev, p.now())
	if err != nil {
		return nil, err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("usage: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, ev.LicenseKey+"/"+ev.Feature); err != nil {
		return nil, fmt.Errorf("usage: advisory lock: %w", err)
	}
	for i := range windows {
		used, err := p.sum(ctx, tx, ev.LicenseKey, ev.Feature, windows[i].Start, ev.Timestamp)
		if err != nil {
			return nil, err
		}
		if !windows[i].Admits(used, ev.Count) {
			w := windows[i]
			return &w, nil
		}
	}
	if err := p.insert(ctx, tx, ev); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("usage: commit: %w", err)
	}
	return nil, nil
}

// Migrate creates the usage_events table (used in dev/test; prod uses migration files).
func (p *PostgresLedger) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS usage_events (
			id          TEXT PRIMARY KEY,
			license_key TEXT NOT NULL,
			feature     TEXT NOT NULL,
			ts          TIMESTAMPTZ NOT NULL,
			count       BIGINT NOT NULL CHECK (count >= 1),
			metadata    JSONB NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS idx_usage_events_window ON usage_events(license_key, feature, ts);
	`)
	return err
}

func (p *PostgresLedger) insert(ctx context.Context, db execer, ev Event) error {
	meta, err := encodeMetadata(ev.Metadata)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO usage_events (id, license_key, feature, ts, count, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ID, ev.LicenseKey, ev.Feature, ev.Timestamp, ev.Count, meta,
	)
	if err != nil {
		return fmt.Errorf("usage: insert: %w", err)
	}
	return nil
}

func (p *PostgresLedger) sum(ctx context.Context, db execer, key, feature string, start, end time.Time) (int64, error) {
	query := `SELECT COALESCE(SUM(count), 0) FROM usage_events WHERE license_key = $1 AND feature = $2`
	args := []interface{}{key, feature}
	if !start.IsZero() {
		args = append(args, start)
		query += fmt.Sprintf(` AND ts >= $%d`, len(args))
	}
	if !end.IsZero() {
		args = append(args, end)
		query += fmt.Sprintf(` AND ts <= $%d`, len(args))
	}
	var total int64
	if err := db.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("usage: windowed total: %w", err)
	}
	return total, nil
}
