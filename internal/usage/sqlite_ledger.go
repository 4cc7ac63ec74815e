package usage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// SQLiteLedger stores events in the embedded SQLite database. Timestamps
// are unix nanoseconds so range filters stay on the index.
type SQLiteLedger struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteLedger wraps a handle from sqlitedb.Open.
func NewSQLiteLedger(db *sql.DB) *SQLiteLedger {
	return &SQLiteLedger{db: db, now: time.Now}
}

var (
	_ Ledger   = (*SQLiteLedger)(nil)
	_ Reserver = (*SQLiteLedger)(nil)
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *SQLiteLedger) Record(ctx context.Context, ev Event) error {
	ev, err := Prepare(ev, s.now())
	if err != nil {
		return err
	}
	return s.insert(ctx, s.db, ev)
}

func (s *SQLiteLedger) WindowedTotal(ctx context.Context, key, feature string, start, end time.Time) (int64, error) {
	return s.sum(ctx, s.db, key, feature, start, end)
}

func (s *SQLiteLedger) Totals(ctx context.Context, key string, f Filter) (map[string]int64, error) {
	query := `SELECT feature, SUM(count) FROM usage_events WHERE license_key = ?`
	args := []interface{}{key}
	if f.Feature != "" {
		query += ` AND feature = ?`
		args = append(args, f.Feature)
	}
	if !f.Start.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, f.Start.UnixNano())
	}
	if !f.End.IsZero() {
		query += ` AND ts <= ?`
		args = append(args, f.End.UnixNano())
	}
	query += ` GROUP BY feature`

	rows, err := s.db.QueryContext(ctx, query, args...)
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

func (s *SQLiteLedger) RecordIfWithin(ctx context.Context, ev Event, windows []Window) (*Window, error) {
	ev, err := Prepare(ev, s.now())
	if err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("usage: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i := range windows {
		used, err := s.sum(ctx, tx, ev.LicenseKey, ev.Feature, windows[i].Start, ev.Timestamp)
		if err != nil {
			return nil, err
		}
		if !windows[i].Admits(used, ev.Count) {
			w := windows[i]
			return &w, nil
		}
	}
	if err := s.insert(ctx, tx, ev); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("usage: commit: %w", err)
	}
	return nil, nil
}

// Migrate creates the usage_events table.
func (s *SQLiteLedger) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS usage_events (
			id          TEXT PRIMARY KEY,
			license_key TEXT NOT NULL,
			feature     TEXT NOT NULL,
			ts          INTEGER NOT NULL,
			count       INTEGER NOT NULL CHECK (count >= 1),
			metadata    TEXT NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS idx_usage_events_window ON usage_events(license_key, feature, ts);
	`)
	return err
}

func (s *SQLiteLedger) insert(ctx context.Context, db execer, ev Event) error {
	meta, err := encodeMetadata(ev.Metadata)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO usage_events (id, license_key, feature, ts, count, metadata)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.LicenseKey, ev.Feature, ev.Timestamp.UnixNano(), ev.Count, meta,
	)
	if err != nil {
		return fmt.Errorf("usage: insert: %w", err)
	}
	return nil
}

func (s *SQLiteLedger) sum(ctx context.Context, db execer, key, feature string, start, end time.Time) (int64, error) {
	lo, hi := int64(math.MinInt64), int64(math.MaxInt64)
	if !start.IsZero() {
		lo = start.UnixNano()
	}
	if !end.IsZero() {
		hi = end.UnixNano()
	}
	var total int64
	err := db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(count), 0) FROM usage_events
		WHERE license_key = ? AND feature = ? AND ts >= ? AND ts <= ?`,
		key, feature, lo, hi,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("usage: windowed total: %w", err)
	}
	return total, nil
}

func encodeMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("usage: encode metadata: %w", err)
	}
	return string(b), nil
}
