package entitlement

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/outreach/internal/auth"
	"github.com/mbd888/outreach/internal/license"
	"github.com/mbd888/outreach/internal/logging"
	"github.com/mbd888/outreach/internal/tier"
)

const (
	// ContextKeyLicense holds the validated *license.License.
	ContextKeyLicense = "license"
	// ContextKeyUnits lets a handler report how many units it consumed
	// (for example one per generated email). RateLimit records 1 otherwise.
	ContextKeyUnits = "usageUnits"
)

// SetUnits records how many units the current request consumed.
func SetUnits(c *gin.Context, n int64) {
	c.Set(ContextKeyUnits, n)
}

// GinLicense returns the license stored by the entitlement middleware.
func GinLicense(c *gin.Context) *license.License {
	if v, ok := c.Get(ContextKeyLicense); ok {
		if l, ok := v.(*license.License); ok {
			return l
		}
	}
	return nil
}

// statusFor maps a denial stage to its HTTP status.
func statusFor(stage Stage) int {
	switch stage {
	case StageValidate:
		return http.StatusUnauthorized
	case StageRate:
		return http.StatusTooManyRequests
	default:
		return http.StatusForbidden
	}
}

func abortDenied(c *gin.Context, d Decision) {
	code, prefix := "forbidden", "Feature access denied: "
	switch d.Stage {
	case StageValidate:
		code, prefix = "unauthorized", "Authentication failed: "
	case StageRate:
		code, prefix = "rate_limited", "Rate limit exceeded: "
	case StageTier:
		code, prefix = "insufficient_tier", ""
	}
	c.AbortWithStatusJSON(statusFor(d.Stage), gin.H{
		"error":   code,
		"message": prefix + d.Reason,
		"reason":  d.Reason,
	})
}

func abortFault(c *gin.Context, err error) {
	logging.L(c.Request.Context()).Error("entitlement check failed", "path", c.FullPath(), "error", err)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "Entitlement service unavailable",
	})
}

// Authenticate requires a valid license key (see auth.Middleware) and stores
// the license under ContextKeyLicense.
func Authenticate(e *Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, err := e.Validate(c.Request.Context(), auth.LicenseKey(c))
		if err != nil {
			abortFault(c, err)
			return
		}
		if !v.OK {
			abortDenied(c, deny(StageValidate, v.Reason))
			return
		}
		c.Set(ContextKeyLicense, v.License)
		c.Next()
	}
}

// RequireFeature rejects the request unless the key is valid and its tier
// enables feature: 401 for validation failures, 403 for locked features.
func RequireFeature(e *Engine, feature string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := auth.LicenseKey(c)
		d, err := e.CheckFeatureAccess(c.Request.Context(), key, feature)
		if err != nil {
			abortFault(c, err)
			return
		}
		if !d.Allowed {
			abortDenied(c, d)
			return
		}
		if GinLicense(c) == nil {
			l, err := e.License(c.Request.Context(), key)
			if err != nil {
				abortFault(c, err)
				return
			}
			c.Set(ContextKeyLicense, l)
		}
		c.Next()
	}
}

// RequireTier rejects the request unless the key's tier ranks at least minTier.
func RequireTier(e *Engine, minTier tier.Tier) gin.HandlerFunc {
	return func(c *gin.Context) {
		d, err := e.RequireTier(c.Request.Context(), auth.LicenseKey(c), minTier)
		if err != nil {
			abortFault(c, err)
			return
		}
		if !d.Allowed {
			abortDenied(c, d)
			return
		}
		c.Next()
	}
}

// RateLimitOption configures RateLimit.
type RateLimitOption func(*rateLimitConfig)

type rateLimitConfig struct {
	atomic bool
}

// Atomically reserves one unit with Engine.Consume before the handler runs,
// instead of checking first and recording what the handler reports after.
func Atomically() RateLimitOption {
	return func(c *rateLimitConfig) { c.atomic = true }
}

// RateLimit enforces feature's quota windows. By default it checks before
// the handler and, if the handler responds with a status below 400, records
// the units the handler reported via SetUnits (default 1).
func RateLimit(e *Engine, feature string, opts ...RateLimitOption) gin.HandlerFunc {
	var cfg rateLimitConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	return func(c *gin.Context) {
		ctx := c.Request.Context()
		key := auth.LicenseKey(c)

		if cfg.atomic {
			d, err := e.Consume(ctx, key, feature, 1, requestMetadata(c))
			if err != nil {
				abortFault(c, err)
				return
			}
			if !d.Allowed {
				abortDenied(c, d)
				return
			}
			c.Next()
			return
		}

		d, err := e.CheckRateLimits(ctx, key, feature)
		if err != nil {
			abortFault(c, err)
			return
		}
		if !d.Allowed {
			abortDenied(c, d)
			return
		}

		c.Next()

		if c.Writer.Status() >= http.StatusBadRequest {
			return
		}
		units := c.GetInt64(ContextKeyUnits)
		if units <= 0 {
			units = 1
		}
		if err := e.RecordFeatureUsage(ctx, key, feature, units, requestMetadata(c)); err != nil {
			// The response is already written; the unit is lost, not the request.
			logging.L(ctx).Error("usage not recorded", "feature", feature, "units", units, "error", err)
		}
	}
}

func requestMetadata(c *gin.Context) map[string]string {
	m := map[string]string{"route": c.FullPath()}
	if id := logging.RequestID(c.Request.Context()); id != "" {
		m["request_id"] = id
	}
	return m
}
