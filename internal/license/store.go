package license

import (
	"context"

	"github.com/mbd888/outreach/internal/pagination"
)

// Store persists licenses. Lookups are by primary key except for the two
// secondary listings used by billing and the admin API.
type Store interface {
	// Create inserts l. Returns ErrDuplicateKey if l.Key is already taken.
	Create(ctx context.Context, l *License) error
	// Get returns ErrNotFound for an unknown key.
	Get(ctx context.Context, key string) (*License, error)
	// SetActive is idempotent. Returns ErrNotFound for an unknown key.
	SetActive(ctx context.Context, key string, active bool) error
	ListByBillingRef(ctx context.Context, ref string) ([]*License, error)
	// ListByOwner returns up to limit licenses newest first, starting after the cursor.
	ListByOwner(ctx context.Context, owner string, limit int, after *pagination.Cursor) ([]*License, error)
}
