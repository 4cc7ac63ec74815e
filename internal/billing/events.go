package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/mbd888/outreach/internal/sqlitedb"
)

// Errors
var (
	ErrDuplicateEvent = errors.New("billing: event already recorded")
	ErrEventNotFound  = errors.New("billing: event not found")
)

// Status is the outcome recorded for a webhook event.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
	StatusIgnored   Status = "ignored"
	StatusDuplicate Status = "duplicate"
)

// PaymentEvent is one processed Stripe event. The Stripe event id is the
// primary key, so a redelivery cannot be processed twice.
type PaymentEvent struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	CustomerID     string    `json:"customerId,omitempty"`
	SubscriptionID string    `json:"subscriptionId,omitempty"`
	Amount         int64     `json:"amount"`
	Currency       string    `json:"currency,omitempty"`
	Status         Status    `json:"status"`
	Message        string    `json:"message,omitempty"`
	LicenseKey     string    `json:"licenseKey,omitempty"`
	ReceivedAt     time.Time `json:"receivedAt"`
}

// EventStore persists processed webhook events.
type EventStore interface {
	// Record returns ErrDuplicateEvent if ev.ID was recorded before.
	Record(ctx context.Context, ev *PaymentEvent) error
	// Get returns ErrEventNotFound for an unknown id.
	Get(ctx context.Context, id string) (*PaymentEvent, error)
}

// MemoryEventStore keeps events in process memory for demo/development.
type MemoryEventStore struct {
	mu     sync.RWMutex
	events map[string]PaymentEvent
}

// NewMemoryEventStore creates an empty in-memory event store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{events: make(map[string]PaymentEvent)}
}

var _ EventStore = (*MemoryEventStore)(nil)

func (m *MemoryEventStore) Record(_ context.Context, ev *PaymentEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[ev.ID]; ok {
		return ErrDuplicateEvent
	}
	m.events[ev.ID] = *ev
	return nil
}

func (m *MemoryEventStore) Get(_ context.Context, id string) (*PaymentEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	return &ev, nil
}

const eventColumns = `stripe_event_id, event_type, customer_id, subscription_id, amount, currency, status, message, license_key, received_at`

// SQLiteEventStore persists events next to the SQLite license store.
// received_at is unix nanoseconds.
type SQLiteEventStore struct {
	db *sql.DB
}

// NewSQLiteEventStore wraps a handle from sqlitedb.Open.
func NewSQLiteEventStore(db *sql.DB) *SQLiteEventStore {
	return &SQLiteEventStore{db: db}
}

var _ EventStore = (*SQLiteEventStore)(nil)

func (s *SQLiteEventStore) Record(ctx context.Context, ev *PaymentEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Type, nullString(ev.CustomerID), nullString(ev.SubscriptionID), ev.Amount,
		nullString(ev.Currency), string(ev.Status), nullString(ev.Message), nullString(ev.LicenseKey),
		ev.ReceivedAt.UnixNano(),
	)
	if err != nil {
		if sqlitedb.IsConstraint(err) {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("billing: record event: %w", err)
	}
	return nil
}

func (s *SQLiteEventStore) Get(ctx context.Context, id string) (*PaymentEvent, error) {
	var (
		ev                                PaymentEvent
		status                            string
		received                          int64
		customer, sub, currency, msg, key sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM payment_events WHERE stripe_event_id = ?`, id).
		Scan(&ev.ID, &ev.Type, &customer, &sub, &ev.Amount, &currency, &status, &msg, &key, &received)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("billing: get event: %w", err)
	}
	ev.CustomerID, ev.SubscriptionID, ev.Currency = customer.String, sub.String, currency.String
	ev.Message, ev.LicenseKey = msg.String, key.String
	ev.Status = Status(status)
	ev.ReceivedAt = time.Unix(0, received).UTC()
	return &ev, nil
}

// Migrate creates the payment_events table.
func (s *SQLiteEventStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS payment_events (
			stripe_event_id TEXT PRIMARY KEY,
			event_type      TEXT NOT NULL,
			customer_id     TEXT,
			subscription_id TEXT,
			amount          INTEGER NOT NULL DEFAULT 0,
			currency        TEXT,
			status          TEXT NOT NULL,
			message         TEXT,
			license_key     TEXT,
			received_at     INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_payment_events_subscription ON payment_events(subscription_id);
	`)
	return err
}

// PostgresEventStore persists events in PostgreSQL.
type PostgresEventStore struct {
	db *sql.DB
}

// NewPostgresEventStore creates a new PostgreSQL-backed event store.
func NewPostgresEventStore(db *sql.DB) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

var _ EventStore = (*PostgresEventStore)(nil)

func (p *PostgresEventStore) Record(ctx context.Context, ev *PaymentEvent) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ev.ID, ev.Type, nullString(ev.CustomerID), nullString(ev.SubscriptionID), ev.Amount,
		nullString(ev.Currency), string(ev.Status), nullString(ev.Message), nullString(ev.LicenseKey),
		ev.ReceivedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("billing: record event: %w", err)
	}
	return nil
}

func (p *PostgresEventStore) Get(ctx context.Context, id string) (*PaymentEvent, error) {
	var (
		ev                                PaymentEvent
		status                            string
		customer, sub, currency, msg, key sql.NullString
	)
	err := p.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM payment_events WHERE stripe_event_id = $1`, id).
		Scan(&ev.ID, &ev.Type, &customer, &sub, &ev.Amount, &currency, &status, &msg, &key, &ev.ReceivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("billing: get event: %w", err)
	}
	ev.CustomerID, ev.SubscriptionID, ev.Currency = customer.String, sub.String, currency.String
	ev.Message, ev.LicenseKey = msg.String, key.String
	ev.Status = Status(status)
	return &ev, nil
}

// Migrate creates the payment_events table (used in dev/test; prod uses migration files).
func (p *PostgresEventStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS payment_events (
			stripe_event_id TEXT PRIMARY KEY,
			event_type      TEXT NOT NULL,
			customer_id     TEXT,
			subscription_id TEXT,
			amount          BIGINT NOT NULL DEFAULT 0,
			currency        TEXT,
			status          TEXT NOT NULL,
			message         TEXT,
			license_key     TEXT,
			received_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_payment_events_subscription ON payment_events(subscription_id) WHERE subscription_id IS NOT NULL;
	`)
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
