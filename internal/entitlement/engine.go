// Package entitlement decides whether a license key may use a feature.
//
// Every caller that both checks and consumes follows the same order:
// Validate, CheckFeatureAccess and/or CheckRateLimits, perform the action,
// then RecordFeatureUsage. Business denials come back as values with a nil
// error; only storage faults are returned as errors.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/outreach/internal/license"
	"github.com/mbd888/outreach/internal/logging"
	"github.com/mbd888/outreach/internal/metrics"
	"github.com/mbd888/outreach/internal/syncutil"
	"github.com/mbd888/outreach/internal/tier"
	"github.com/mbd888/outreach/internal/traces"
	"github.com/mbd888/outreach/internal/usage"
)

// Reasons returned in Validation and Decision. Feature and quota reasons
// carry arguments and are built with fmt.
const (
	ReasonNoKey      = "No license key provided"
	ReasonInvalidKey = "Invalid license key"
	ReasonInactive   = "License is inactive"
	ReasonExpired    = "License has expired"
	ReasonValid      = "Valid license"
	ReasonGranted    = "Access granted"
	ReasonWithin     = "Within limits"
	ReasonTierOK     = "Tier requirement met"
)

// Stage names the check that produced a denial.
type Stage string

const (
	StageValidate Stage = "validate"
	StageFeature  Stage = "feature"
	StageRate     Stage = "rate_limit"
	StageTier     Stage = "tier"
)

const (
	hourlyWindow  = time.Hour
	monthlyWindow = 30 * 24 * time.Hour

	// DefaultMaxKeyAttempts bounds key regeneration on collision.
	DefaultMaxKeyAttempts = 5
	// PaidTermDays is how long a FREE or PRO license runs before expiring.
	PaidTermDays = 30
)

// Validation is the outcome of Validate. License is set whenever the key
// exists, including when OK is false because it is inactive or expired.
type Validation struct {
	OK      bool             `json:"ok"`
	License *license.License `json:"license,omitempty"`
	Reason  string           `json:"reason"`
}

// Decision is the outcome of a feature, rate, or tier check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
	// Stage is the check that denied; empty when Allowed.
	Stage Stage `json:"stage,omitempty"`
}

func deny(stage Stage, reason string) Decision {
	return Decision{Stage: stage, Reason: reason}
}

func allow(reason string) Decision {
	return Decision{Allowed: true, Reason: reason}
}

// Engine is the entitlement decision service. It holds no per-request
// state; construct one per process and share it.
type Engine struct {
	store          license.Store
	ledger         usage.Ledger
	now            func() time.Time
	logger         *slog.Logger
	maxKeyAttempts int
	generateKey    func() (string, error)
	locks          *syncutil.KeyedMutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the fallback logger used when the context carries none.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMaxKeyAttempts bounds how many keys Mint generates before giving up.
func WithMaxKeyAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxKeyAttempts = n
		}
	}
}

// WithKeyGenerator replaces license.GenerateKey, for collision tests.
func WithKeyGenerator(gen func() (string, error)) Option {
	return func(e *Engine) { e.generateKey = gen }
}

// New creates an Engine over a license store and usage ledger.
func New(store license.Store, ledger usage.Ledger, opts ...Option) *Engine {
	e := &Engine{
		store:          store,
		ledger:         ledger,
		now:            time.Now,
		maxKeyAttempts: DefaultMaxKeyAttempts,
		generateKey:    license.GenerateKey,
		locks:          syncutil.NewKeyedMutex(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) log(ctx context.Context) *slog.Logger {
	if e.logger != nil && logging.FromContext(ctx) == slog.Default() {
		return e.logger
	}
	return logging.L(ctx)
}

// Validate checks a key in strict order: empty, unknown, inactive, expired.
// An inactive license reports inactive even when it has also expired.
func (e *Engine) Validate(ctx context.Context, key string) (v Validation, err error) {
	ctx, span := traces.StartSpan(ctx, "entitlement.validate", traces.LicenseKey(license.Mask(key)))
	defer func() {
		span.SetAttributes(traces.Allowed(v.OK))
		traces.End(span, err)
		metrics.ObserveDecision("validate", v.OK, err)
	}()
	return e.validate(ctx, key)
}

func (e *Engine) validate(ctx context.Context, key string) (Validation, error) {
	if key == "" {
		return Validation{Reason: ReasonNoKey}, nil
	}

	lic, err := e.store.Get(ctx, key)
	if errors.Is(err, license.ErrNotFound) {
		return Validation{Reason: ReasonInvalidKey}, nil
	}
	if err != nil {
		e.log(ctx).Error("license lookup failed", "key", license.Mask(key), "error", err)
		return Validation{}, fmt.Errorf("entitlement: load license: %w", err)
	}
	if !tier.Valid(lic.Tier) {
		// The stores reject unknown tiers on insert, so this is corruption.
		return Validation{}, fmt.Errorf("entitlement: license %s has unknown tier %q", license.Mask(key), lic.Tier)
	}

	if !lic.Active {
		return Validation{License: lic, Reason: ReasonInactive}, nil
	}
	if lic.Expired(e.now()) {
		return Validation{License: lic, Reason: ReasonExpired}, nil
	}
	return Validation{OK: true, License: lic, Reason: ReasonValid}, nil
}

// CheckFeatureAccess validates key and then looks feature up in the tier's
// flags. Unknown feature names are denied. It has no side effects.
func (e *Engine) CheckFeatureAccess(ctx context.Context, key, feature string) (d Decision, err error) {
	ctx, span := traces.StartSpan(ctx, "entitlement.check_feature_access",
		traces.LicenseKey(license.Mask(key)), traces.Feature(feature))
	defer func() {
		span.SetAttributes(traces.Allowed(d.Allowed))
		traces.End(span, err)
		metrics.ObserveDecision("check_feature_access", d.Allowed, err)
	}()

	v, err := e.validate(ctx, key)
	if err != nil {
		return Decision{}, err
	}
	if !v.OK {
		return deny(StageValidate, v.Reason), nil
	}
	span.SetAttributes(traces.Tier(string(v.License.Tier)))
	return featureDecision(v.License.Tier, feature), nil
}

func featureDecision(t tier.Tier, feature string) Decision {
	enabled, known := tier.LimitsFor(t).Flag(feature)
	if !known {
		return deny(StageFeature, fmt.Sprintf("Unknown feature: %s", feature))
	}
	if !enabled {
		return deny(StageFeature, fmt.Sprintf("Feature '%s' not available in %s tier", feature, t))
	}
	return allow(ReasonGranted)
}

// CheckRateLimits validates key and compares the feature's usage over the
// last hour and the last 30 days with the tier's caps for the feature's rate
// class. Reaching a cap exactly counts as exceeded.
func (e *Engine) CheckRateLimits(ctx context.Context, key, feature string) (d Decision, err error) {
	ctx, span := traces.StartSpan(ctx, "entitlement.check_rate_limits",
		traces.LicenseKey(license.Mask(key)), traces.Feature(feature))
	defer func() {
		span.SetAttributes(traces.Allowed(d.Allowed))
		traces.End(span, err)
		metrics.ObserveDecision("check_rate_limits", d.Allowed, err)
	}()

	v, err := e.validate(ctx, key)
	if err != nil {
		return Decision{}, err
	}
	if !v.OK {
		return deny(StageValidate, v.Reason), nil
	}

	now := e.now()
	for _, w := range quotaWindows(v.License.Tier, feature, now) {
		used, err := e.ledger.WindowedTotal(ctx, key, feature, w.Start, now)
		if err != nil {
			e.log(ctx).Error("usage lookup failed", "key", license.Mask(key), "feature", feature, "error", err)
			return Decision{}, fmt.Errorf("entitlement: %s usage: %w", w.Name, err)
		}
		if used >= w.Cap {
			return deny(StageRate, limitReason(w, feature)), nil
		}
	}
	return allow(ReasonWithin), nil
}

// quotaWindows returns the hourly then monthly window for feature, in the
// order they are checked.
func quotaWindows(t tier.Tier, feature string, now time.Time) []usage.Window {
	limits := tier.LimitsFor(t)
	class := tier.ClassFromFeature(feature)
	return []usage.Window{
		{Name: "hourly", Start: now.Add(-hourlyWindow), Cap: limits.HourlyCap(class)},
		{Name: "monthly", Start: now.Add(-monthlyWindow), Cap: limits.MonthlyCap(class)},
	}
}

func limitReason(w usage.Window, feature string) string {
	period := "Hourly"
	if w.Name == "monthly" {
		period = "Monthly"
	}
	kind := "API"
	if tier.ClassFromFeature(feature) == tier.ClassEmails {
		kind = "email"
	}
	return fmt.Sprintf("%s %s limit reached (%d)", period, kind, w.Cap)
}

// RecordFeatureUsage appends a usage event unconditionally. It does not
// check limits first; callers sequence the check themselves or use Consume.
// A zero count records one unit.
func (e *Engine) RecordFeatureUsage(ctx context.Context, key, feature string, count int64, metadata map[string]string) (err error) {
	ctx, span := traces.StartSpan(ctx, "entitlement.record_feature_usage",
		traces.LicenseKey(license.Mask(key)), traces.Feature(feature))
	defer func() { traces.End(span, err) }()

	if count == 0 {
		count = 1
	}
	ev := usage.Event{
		LicenseKey: key,
		Feature:    feature,
		Timestamp:  e.now(),
		Count:      count,
		Metadata:   metadata,
	}
	if err := e.ledger.Record(ctx, ev); err != nil {
		e.log(ctx).Error("usage record failed", "key", license.Mask(key), "feature", feature, "error", err)
		return fmt.Errorf("entitlement: record usage: %w", err)
	}
	metrics.UsageUnitsTotal.WithLabelValues(feature).Add(float64(count))
	return nil
}

// Consume validates key, checks feature access when the feature is a
// flagged one, and records count units only if both quota windows can take
// all of them without passing their caps. Unlike CheckRateLimits followed
// by RecordFeatureUsage, concurrent Consume calls cannot overshoot a cap:
// ledgers implementing usage.Reserver check and record in one step, and
// other ledgers are serialised per license and feature inside this process.
func (e *Engine) Consume(ctx context.Context, key, feature string, count int64, metadata map[string]string) (d Decision, err error) {
	ctx, span := traces.StartSpan(ctx, "entitlement.consume",
		traces.LicenseKey(license.Mask(key)), traces.Feature(feature))
	defer func() {
		span.SetAttributes(traces.Allowed(d.Allowed))
		traces.End(span, err)
		metrics.ObserveDecision("consume", d.Allowed, err)
	}()

	if count == 0 {
		count = 1
	}
	v, err := e.validate(ctx, key)
	if err != nil {
		return Decision{}, err
	}
	if !v.OK {
		return deny(StageValidate, v.Reason), nil
	}
	if _, flagged := tier.LimitsFor(v.License.Tier).Flag(feature); flagged {
		if fd := featureDecision(v.License.Tier, feature); !fd.Allowed {
			return fd, nil
		}
	}

	now := e.now()
	windows := quotaWindows(v.License.Tier, feature, now)
	ev := usage.Event{LicenseKey: key, Feature: feature, Timestamp: now, Count: count, Metadata: metadata}

	var blocked *usage.Window
	if r, ok := e.ledger.(usage.Reserver); ok {
		blocked, err = r.RecordIfWithin(ctx, ev, windows)
	} else {
		blocked, err = e.reserveLocked(ctx, ev, windows)
	}
	if err != nil {
		e.log(ctx).Error("usage reservation failed", "key", license.Mask(key), "feature", feature, "error", err)
		return Decision{}, fmt.Errorf("entitlement: consume: %w", err)
	}
	if blocked != nil {
		return deny(StageRate, limitReason(*blocked, feature)), nil
	}
	metrics.UsageUnitsTotal.WithLabelValues(feature).Add(float64(count))
	return allow(ReasonWithin), nil
}

func (e *Engine) reserveLocked(ctx context.Context, ev usage.Event, windows []usage.Window) (*usage.Window, error) {
	unlock, err := e.locks.Lock(ctx, ev.LicenseKey+"/"+ev.Feature)
	if err != nil {
		return nil, err
	}
	defer unlock()

	for i := range windows {
		used, err := e.ledger.WindowedTotal(ctx, ev.LicenseKey, ev.Feature, windows[i].Start, ev.Timestamp)
		if err != nil {
			return nil, err
		}
		if !windows[i].Admits(used, ev.Count) {
			w := windows[i]
			return &w, nil
		}
	}
	return nil, e.ledger.Record(ctx, ev)
}

// RequireTier validates key and checks the license tier ranks at least minTier.
func (e *Engine) RequireTier(ctx context.Context, key string, minTier tier.Tier) (d Decision, err error) {
	defer func() { metrics.ObserveDecision("require_tier", d.Allowed, err) }()

	v, err := e.validate(ctx, key)
	if err != nil {
		return Decision{}, err
	}
	if !v.OK {
		return deny(StageValidate, v.Reason), nil
	}
	if !tier.AtLeast(v.License.Tier, minTier) {
		return deny(StageTier, fmt.Sprintf("Requires %s tier or higher (current: %s)", minTier, v.License.Tier)), nil
	}
	return allow(ReasonTierOK), nil
}
