package license

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/outreach/internal/pagination"
	"github.com/mbd888/outreach/internal/sqlitedb"
	"github.com/mbd888/outreach/internal/tier"
)

// SQLiteStore persists licenses in an embedded SQLite database. Timestamps
// are stored as unix nanoseconds.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps a handle from sqlitedb.Open.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

var _ Store = (*SQLiteStore)(nil)

const sqliteColumns = `license_key, owner, tier, customer_ref, billing_ref, created_at, expires_at, active, metadata`

func (s *SQLiteStore) Create(ctx context.Context, l *License) error {
	if err := l.Check(); err != nil {
		return err
	}
	meta, err := json.Marshal(metadataOrEmpty(l.Metadata))
	if err != nil {
		return fmt.Errorf("license: encode metadata: %w", err)
	}
	var expires sql.NullInt64
	if l.ExpiresAt != nil {
		expires = sql.NullInt64{Int64: l.ExpiresAt.UnixNano(), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO licenses (`+sqliteColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.Key, l.Owner, string(l.Tier), nullString(l.CustomerRef), nullString(l.BillingRef),
		l.CreatedAt.UnixNano(), expires, boolInt(l.Active), string(meta),
	)
	if err != nil {
		if sqlitedb.IsConstraint(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("license: insert: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (*License, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM licenses WHERE license_key = ?`, key)
	l, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("license: get: %w", err)
	}
	return l, nil
}

func (s *SQLiteStore) SetActive(ctx context.Context, key string, active bool) error {
	result, err := s.db.ExecContext(ctx, `UPDATE licenses SET active = ? WHERE license_key = ?`, boolInt(active), key)
	if err != nil {
		return fmt.Errorf("license: set active: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("license: set active: %w", err)
	}
	// SQLite counts matched rows even when the value is unchanged, so zero
	// only happens for a missing key.
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListByBillingRef(ctx context.Context, ref string) ([]*License, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteColumns+` FROM licenses
		WHERE billing_ref = ?
		ORDER BY created_at DESC, license_key DESC`, ref)
	if err != nil {
		return nil, fmt.Errorf("license: list by billing ref: %w", err)
	}
	return collectSQLite(rows)
}

func (s *SQLiteStore) ListByOwner(ctx context.Context, owner string, limit int, after *pagination.Cursor) ([]*License, error) {
	if limit <= 0 {
		limit = pagination.DefaultLimit
	}
	query := `SELECT ` + sqliteColumns + ` FROM licenses WHERE owner = ? COLLATE NOCASE`
	args := []interface{}{owner}
	if after != nil {
		n := after.CreatedAt.UnixNano()
		query += ` AND (created_at < ? OR (created_at = ? AND license_key < ?))`
		args = append(args, n, n, after.Key)
	}
	query += ` ORDER BY created_at DESC, license_key DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("license: list by owner: %w", err)
	}
	return collectSQLite(rows)
}

// Migrate creates the licenses table.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS licenses (
			license_key  TEXT PRIMARY KEY,
			owner        TEXT NOT NULL,
			tier         TEXT NOT NULL,
			customer_ref TEXT,
			billing_ref  TEXT,
			created_at   INTEGER NOT NULL,
			expires_at   INTEGER,
			active       INTEGER NOT NULL DEFAULT 1,
			metadata     TEXT NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS idx_licenses_billing_ref ON licenses(billing_ref);
		CREATE INDEX IF NOT EXISTS idx_licenses_owner ON licenses(owner COLLATE NOCASE, created_at DESC);
	`)
	return err
}

func scanSQLite(row rowScanner) (*License, error) {
	var (
		l                       License
		tierName                string
		customerRef, billingRef sql.NullString
		createdAt               int64
		expiresAt               sql.NullInt64
		active                  int64
		meta                    string
	)
	if err := row.Scan(&l.Key, &l.Owner, &tierName, &customerRef, &billingRef,
		&createdAt, &expiresAt, &active, &meta); err != nil {
		return nil, err
	}
	l.Tier = tier.Tier(tierName)
	l.CustomerRef = customerRef.String
	l.BillingRef = billingRef.String
	l.CreatedAt = time.Unix(0, createdAt).UTC()
	if expiresAt.Valid {
		t := time.Unix(0, expiresAt.Int64).UTC()
		l.ExpiresAt = &t
	}
	l.Active = active != 0
	if err := decodeMetadata([]byte(meta), &l); err != nil {
		return nil, err
	}
	return &l, nil
}

func collectSQLite(rows *sql.Rows) ([]*License, error) {
	defer func() { _ = rows.Close() }()

	var out []*License
	for rows.Next() {
		l, err := scanSQLite(rows)
		if err != nil {
			return nil, fmt.Errorf("license: scan: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
