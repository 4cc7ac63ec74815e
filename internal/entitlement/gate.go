package entitlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/outreach/internal/license"
	"github.com/mbd888/outreach/internal/tier"
)

// Action is the work a gate protects.
type Action func(ctx context.Context) error

// Interceptor wraps an Action with one entitlement step. Interceptors
// compose with Chain; the first one runs outermost.
type Interceptor func(next Action) Action

// DenialError reports a business denial from a pipeline step. Storage
// faults pass through the pipeline unwrapped and are never DenialErrors.
type DenialError struct {
	Stage  Stage
	Reason string
}

func (e *DenialError) Error() string {
	return fmt.Sprintf("entitlement: %s denied: %s", e.Stage, e.Reason)
}

// AsDenial returns the DenialError in err's chain, if any.
func AsDenial(err error) (*DenialError, bool) {
	var d *DenialError
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}

func denialOf(d Decision) error {
	if d.Allowed {
		return nil
	}
	return &DenialError{Stage: d.Stage, Reason: d.Reason}
}

// Chain composes interceptors so that Chain(a, b)(h) runs a, then b, then h.
func Chain(interceptors ...Interceptor) Interceptor {
	return func(next Action) Action {
		for i := len(interceptors) - 1; i >= 0; i-- {
			next = interceptors[i](next)
		}
		return next
	}
}

type licenseCtxKey struct{}

// WithLicense stores the validated license in ctx for the gated action.
func WithLicense(ctx context.Context, l *license.License) context.Context {
	return context.WithValue(ctx, licenseCtxKey{}, l)
}

// LicenseFrom returns the license stored by ValidateStep, or nil when the
// action runs anonymously.
func LicenseFrom(ctx context.Context) *license.License {
	l, _ := ctx.Value(licenseCtxKey{}).(*license.License)
	return l
}

// ValidateStep denies unless key is valid, and passes the license on in ctx.
func ValidateStep(e *Engine, key string) Interceptor {
	return func(next Action) Action {
		return func(ctx context.Context) error {
			v, err := e.Validate(ctx, key)
			if err != nil {
				return err
			}
			if !v.OK {
				return &DenialError{Stage: StageValidate, Reason: v.Reason}
			}
			return next(WithLicense(ctx, v.License))
		}
	}
}

// FeatureStep denies unless the key's tier enables feature.
func FeatureStep(e *Engine, key, feature string) Interceptor {
	return func(next Action) Action {
		return func(ctx context.Context) error {
			d, err := e.CheckFeatureAccess(ctx, key, feature)
			if err != nil {
				return err
			}
			if err := denialOf(d); err != nil {
				return err
			}
			return next(ctx)
		}
	}
}

// RateStep denies when either quota window for feature is full. It is a
// dry run and records nothing.
func RateStep(e *Engine, key, feature string) Interceptor {
	return func(next Action) Action {
		return func(ctx context.Context) error {
			d, err := e.CheckRateLimits(ctx, key, feature)
			if err != nil {
				return err
			}
			if err := denialOf(d); err != nil {
				return err
			}
			return next(ctx)
		}
	}
}

// RecordStep records count units after next succeeds. A failed action
// consumes nothing.
func RecordStep(e *Engine, key, feature string, count int64, metadata map[string]string) Interceptor {
	return func(next Action) Action {
		return func(ctx context.Context) error {
			if err := next(ctx); err != nil {
				return err
			}
			return e.RecordFeatureUsage(ctx, key, feature, count, metadata)
		}
	}
}

// ConsumeStep reserves count units before next runs, using Engine.Consume.
// The units stay consumed even if the action then fails.
func ConsumeStep(e *Engine, key, feature string, count int64, metadata map[string]string) Interceptor {
	return func(next Action) Action {
		return func(ctx context.Context) error {
			d, err := e.Consume(ctx, key, feature, count, metadata)
			if err != nil {
				return err
			}
			if err := denialOf(d); err != nil {
				return err
			}
			return next(ctx)
		}
	}
}

type gateConfig struct {
	atomic    bool
	anonymous bool
	metered   bool
	count     int64
	metadata  map[string]string
}

// GateOption configures Gate.
type GateOption func(*gateConfig)

// WithAtomic reserves quota with ConsumeStep instead of checking before the
// action and recording after it.
func WithAtomic() GateOption {
	return func(c *gateConfig) { c.atomic = true }
}

// AllowAnonymous lets a caller without a key run the action when the FREE
// tier enables the feature. Anonymous runs record no usage.
func AllowAnonymous() GateOption {
	return func(c *gateConfig) { c.anonymous = true }
}

// Metered skips the feature-flag step, for quota-only features such as
// email_generation that are not in the flag catalogue.
func Metered() GateOption {
	return func(c *gateConfig) { c.metered = true }
}

// WithUnits sets how many units one run consumes (default 1).
func WithUnits(n int64) GateOption {
	return func(c *gateConfig) { c.count = n }
}

// WithUsageMetadata attaches metadata to the recorded usage event.
func WithUsageMetadata(m map[string]string) GateOption {
	return func(c *gateConfig) { c.metadata = m }
}

// Gate builds the full pipeline around an action:
// validate, feature flag, rate limits, run, record usage.
func Gate(e *Engine, key, feature string, opts ...GateOption) Interceptor {
	cfg := gateConfig{count: 1}
	for _, opt := range opts {
		opt(&cfg)
	}

	if key == "" && cfg.anonymous {
		return anonymousStep(feature)
	}

	steps := []Interceptor{ValidateStep(e, key)}
	if !cfg.metered {
		steps = append(steps, FeatureStep(e, key, feature))
	}
	if cfg.atomic {
		steps = append(steps, ConsumeStep(e, key, feature, cfg.count, cfg.metadata))
	} else {
		steps = append(steps,
			RateStep(e, key, feature),
			RecordStep(e, key, feature, cfg.count, cfg.metadata),
		)
	}
	return Chain(steps...)
}

func anonymousStep(feature string) Interceptor {
	return func(next Action) Action {
		return func(ctx context.Context) error {
			if enabled, _ := tier.LimitsFor(tier.Free).Flag(feature); !enabled {
				return &DenialError{
					Stage:  StageFeature,
					Reason: fmt.Sprintf("Feature '%s' not available in %s tier", feature, tier.Free),
				}
			}
			return next(ctx)
		}
	}
}
