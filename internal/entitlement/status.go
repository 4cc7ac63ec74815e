package entitlement

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/outreach/internal/license"
	"github.com/mbd888/outreach/internal/pagination"
	"github.com/mbd888/outreach/internal/tier"
	"github.com/mbd888/outreach/internal/usage"
)

// Status is a license's full entitlement picture: tier limits, feature
// flags, and usage over the monthly window.
type Status struct {
	Validation
	Limits     *tier.Limits     `json:"limits,omitempty"`
	Usage      map[string]int64 `json:"usage,omitempty"`
	UsageSince time.Time        `json:"usageSince"`
}

// Status validates key and, when valid, attaches limits and usage totals
// for the last 30 days. An invalid key yields a Status with OK false.
func (e *Engine) Status(ctx context.Context, key string) (*Status, error) {
	v, err := e.validate(ctx, key)
	if err != nil {
		return nil, err
	}
	now := e.now()
	st := &Status{Validation: v, UsageSince: now.Add(-monthlyWindow)}
	if !v.OK {
		return st, nil
	}

	limits := tier.LimitsFor(v.License.Tier)
	st.Limits = &limits
	st.Usage, err = e.ledger.Totals(ctx, key, usage.Filter{Start: st.UsageSince, End: now})
	if err != nil {
		return nil, fmt.Errorf("entitlement: usage totals: %w", err)
	}
	return st, nil
}

// Usage returns per-feature totals for key. It does not validate the key,
// so deactivated licenses can still be audited.
func (e *Engine) Usage(ctx context.Context, key string, f usage.Filter) (map[string]int64, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: empty license key", usage.ErrInvalidEvent)
	}
	totals, err := e.ledger.Totals(ctx, key, f)
	if err != nil {
		return nil, fmt.Errorf("entitlement: usage totals: %w", err)
	}
	return totals, nil
}

// License returns the stored record without validating it.
func (e *Engine) License(ctx context.Context, key string) (*license.License, error) {
	return e.store.Get(ctx, key)
}

// LicensesByBillingRef returns the licenses bound to a billing
// subscription, newest first.
func (e *Engine) LicensesByBillingRef(ctx context.Context, ref string) ([]*license.License, error) {
	if ref == "" {
		return nil, nil
	}
	lics, err := e.store.ListByBillingRef(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("entitlement: list by billing ref: %w", err)
	}
	return lics, nil
}

// ListByOwner pages through an owner's licenses, newest first.
func (e *Engine) ListByOwner(ctx context.Context, owner string, limit int, cursor string) ([]*license.License, string, error) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", err
	}
	if limit <= 0 || limit > pagination.MaxLimit {
		limit = pagination.DefaultLimit
	}
	lics, err := e.store.ListByOwner(ctx, strings.ToLower(strings.TrimSpace(owner)), limit+1, after)
	if err != nil {
		return nil, "", fmt.Errorf("entitlement: list licenses: %w", err)
	}
	page, next := pagination.Page(lics, limit, func(l *license.License) (time.Time, string) {
		return l.CreatedAt, l.Key
	})
	return page, next, nil
}
