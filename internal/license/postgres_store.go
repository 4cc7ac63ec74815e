package license

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/mbd888/outreach/internal/pagination"
	"github.com/mbd888/outreach/internal/tier"
)

// PostgresStore persists licenses in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed license store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const pgColumns = `license_key, owner, tier, customer_ref, billing_ref, created_at, expires_at, active, metadata`

func (p *PostgresStore) Create(ctx context.Context, l *License) error {
	if err := l.Check(); err != nil {
		return err
	}
	meta, err := json.Marshal(metadataOrEmpty(l.Metadata))
	if err != nil {
		return fmt.Errorf("license: encode metadata: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO licenses (`+pgColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		l.Key, l.Owner, string(l.Tier), nullString(l.CustomerRef), nullString(l.BillingRef),
		l.CreatedAt, l.ExpiresAt, l.Active, string(meta),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateKey
		}
		return fmt.Errorf("license: insert: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, key string) (*License, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+pgColumns+` FROM licenses WHERE license_key = $1`, key)
	l, err := scanPostgres(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("license: get: %w", err)
	}
	return l, nil
}

func (p *PostgresStore) SetActive(ctx context.Context, key string, active bool) error {
	result, err := p.db.ExecContext(ctx, `UPDATE licenses SET active = $1 WHERE license_key = $2`, active, key)
	if err != nil {
		return fmt.Errorf("license: set active: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("license: set active: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListByBillingRef(ctx context.Context, ref string) ([]*License, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+pgColumns+` FROM licenses
		WHERE billing_ref = $1
		ORDER BY created_at DESC, license_key DESC`, ref)
	if err != nil {
		return nil, fmt.Errorf("license: list by billing ref: %w", err)
	}
	return collectPostgres(rows)
}

func (p *PostgresStore) ListByOwner(ctx context.Context, owner string, limit int, after *pagination.Cursor) ([]*License, error) {
	if limit <= 0 {
		limit = pagination.DefaultLimit
	}
	query := `SELECT ` + pgColumns + ` FROM licenses WHERE lower(owner) = lower($1)`
	args := []interface{}{owner}
	if after != nil {
		query += ` AND (created_at, license_key) < ($2, $3)`
		args = append(args, after.CreatedAt, after.Key)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, license_key DESC LIMIT %d`, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("license: list by owner: %w", err)
	}
	return collectPostgres(rows)
}

// Migrate creates the licenses table (used in dev/test; prod uses migration files).
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS licenses (
			license_key  TEXT PRIMARY KEY,
			owner        TEXT NOT NULL,
			tier         TEXT NOT NULL,
			customer_ref TEXT,
			billing_ref  TEXT,
			created_at   TIMESTAMPTZ NOT NULL,
			expires_at   TIMESTAMPTZ,
			active       BOOLEAN NOT NULL DEFAULT TRUE,
			metadata     JSONB NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS idx_licenses_billing_ref ON licenses(billing_ref) WHERE billing_ref IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_licenses_owner ON licenses(lower(owner), created_at DESC, license_key DESC);
	`)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPostgres(row rowScanner) (*License, error) {
	var (
		l                       License
		tierName                string
		customerRef, billingRef sql.NullString
		expiresAt               sql.NullTime
		meta                    []byte
	)
	if err := row.Scan(&l.Key, &l.Owner, &tierName, &customerRef, &billingRef,
		&l.CreatedAt, &expiresAt, &l.Active, &meta); err != nil {
		return nil, err
	}
	l.Tier = tier.Tier(tierName)
	l.CustomerRef = customerRef.String
	l.BillingRef = billingRef.String
	if expiresAt.Valid {
		t := expiresAt.Time
		l.ExpiresAt = &t
	}
	if err := decodeMetadata(meta, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

func collectPostgres(rows *sql.Rows) ([]*License, error) {
	defer func() { _ = rows.Close() }()

	var out []*License
	for rows.Next() {
		l, err := scanPostgres(rows)
		if err != nil {
			return nil, fmt.Errorf("license: scan: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func decodeMetadata(raw []byte, l *License) error {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("license: decode metadata: %w", err)
	}
	if len(m) > 0 {
		l.Metadata = m
	}
	return nil
}

func metadataOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nullString(s string) sql.NullString {
	s = strings.TrimSpace(s)
	return sql.NullString{String: s, Valid: s != ""}
}
