package entitlement

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mbd888/outreach/internal/license"
	"github.com/mbd888/outreach/internal/metrics"
	"github.com/mbd888/outreach/internal/retry"
	"github.com/mbd888/outreach/internal/tier"
	"github.com/mbd888/outreach/internal/traces"
)

// Errors
var (
	// ErrKeyExhausted means every generated key collided. It is a fault,
	// not a denial.
	ErrKeyExhausted = errors.New("entitlement: could not generate a unique license key")
	ErrMissingOwner = errors.New("entitlement: owner identity is required")
)

// MintRequest describes a license to issue.
type MintRequest struct {
	Owner       string
	Tier        tier.Tier
	CustomerRef string
	BillingRef  string
	// Via is recorded as metadata created_via; defaults to license.ViaAdmin.
	Via      string
	Metadata map[string]string
}

// Mint issues a new active license. A tier change always goes through Mint;
// existing licenses are never edited in place. FREE and PRO licenses expire
// after PaidTermDays, ENTERPRISE licenses never expire.
func (e *Engine) Mint(ctx context.Context, req MintRequest) (lic *license.License, err error) {
	ctx, span := traces.StartSpan(ctx, "entitlement.mint", traces.Tier(string(req.Tier)))
	defer func() { traces.End(span, err) }()

	owner := strings.ToLower(strings.TrimSpace(req.Owner))
	if owner == "" {
		return nil, ErrMissingOwner
	}
	if !tier.Valid(req.Tier) {
		return nil, fmt.Errorf("%w: %q", tier.ErrUnknownTier, req.Tier)
	}

	via := req.Via
	if via == "" {
		via = license.ViaAdmin
	}
	meta := make(map[string]string, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		meta[k] = v
	}
	meta[license.MetaCreatedVia] = via

	now := e.now().UTC()
	lic = &license.License{
		Owner:       owner,
		Tier:        req.Tier,
		CustomerRef: req.CustomerRef,
		BillingRef:  req.BillingRef,
		CreatedAt:   now,
		Active:      true,
		Metadata:    meta,
	}
	if req.Tier != tier.Enterprise {
		exp := now.AddDate(0, 0, PaidTermDays)
		lic.ExpiresAt = &exp
	}

	policy := retry.Policy{
		Attempts:  e.maxKeyAttempts,
		Retryable: func(err error) bool { return errors.Is(err, license.ErrDuplicateKey) },
	}
	err = policy.Do(ctx, func(attempt int) error {
		key, err := e.generateKey()
		if err != nil {
			return retry.Permanent(err)
		}
		lic.Key = key
		if err := e.store.Create(ctx, lic); err != nil {
			if errors.Is(err, license.ErrDuplicateKey) {
				e.log(ctx).Warn("license key collision, regenerating", "attempt", attempt)
			}
			return err
		}
		return nil
	})
	if errors.Is(err, retry.ErrExhausted) {
		e.log(ctx).Error("license key generation exhausted", "attempts", e.maxKeyAttempts)
		return nil, ErrKeyExhausted
	}
	if err != nil {
		e.log(ctx).Error("license mint failed", "owner", owner, "tier", req.Tier, "error", err)
		return nil, fmt.Errorf("entitlement: mint: %w", err)
	}

	metrics.LicensesMintedTotal.WithLabelValues(string(req.Tier)).Inc()
	e.log(ctx).Info("license minted",
		"key", license.Mask(lic.Key), "owner", owner, "tier", req.Tier, "via", via)
	return lic, nil
}

// Deactivate marks a license inactive. It is idempotent.
func (e *Engine) Deactivate(ctx context.Context, key string) error {
	return e.setActive(ctx, key, false)
}

// Reactivate marks a license active again. An expired license stays
// expired; reactivation does not extend it.
func (e *Engine) Reactivate(ctx context.Context, key string) error {
	return e.setActive(ctx, key, true)
}

func (e *Engine) setActive(ctx context.Context, key string, active bool) error {
	if err := e.store.SetActive(ctx, key, active); err != nil {
		if errors.Is(err, license.ErrNotFound) {
			return err
		}
		e.log(ctx).Error("license update failed", "key", license.Mask(key), "active", active, "error", err)
		return fmt.Errorf("entitlement: set active: %w", err)
	}
	e.log(ctx).Info("license updated", "key", license.Mask(key), "active", active)
	return nil
}

// DeactivateByBillingRef deactivates every active license bound to a
// billing subscription and returns how many changed.
func (e *Engine) DeactivateByBillingRef(ctx context.Context, ref string) (int, error) {
	return e.setActiveByBillingRef(ctx, ref, false)
}

// ReactivateByBillingRef reactivates every inactive license bound to a
// billing subscription and returns how many changed.
func (e *Engine) ReactivateByBillingRef(ctx context.Context, ref string) (int, error) {
	return e.setActiveByBillingRef(ctx, ref, true)
}

func (e *Engine) setActiveByBillingRef(ctx context.Context, ref string, active bool) (int, error) {
	if ref == "" {
		return 0, nil
	}
	lics, err := e.store.ListByBillingRef(ctx, ref)
	if err != nil {
		return 0, fmt.Errorf("entitlement: list by billing ref: %w", err)
	}
	changed := 0
	for _, l := range lics {
		if l.Active == active {
			continue
		}
		if err := e.setActive(ctx, l.Key, active); err != nil {
			return changed, err
		}
		changed++
	}
	return changed, nil
}
