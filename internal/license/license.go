// Package license models issued license keys and their persistence.
//
// A license is created once, bound to a single tier, and afterwards only its
// Active flag may change. A tier change mints a new license instead of
// editing an existing one, and rows are never deleted.
package license

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/mbd888/outreach/internal/tier"
)

// Errors
var (
	ErrNotFound     = errors.New("license: not found")
	ErrDuplicateKey = errors.New("license: duplicate key")
	ErrInvalid      = errors.New("license: invalid record")
)

// KeyPrefix is the constant leading group of every license key.
const KeyPrefix = "OUTREACH"

var keyPattern = regexp.MustCompile(`^OUTREACH(-[0-9A-F]{4}){4}$`)

// Metadata keys written by the engine.
const (
	MetaCreatedVia = "created_via"
	ViaStripe      = "stripe_payment"
	ViaAdmin       = "admin"
	ViaCLI         = "cli"
)

// License entitles its bearer to one tier's features and quotas.
type License struct {
	Key         string            `json:"licenseKey"`
	Owner       string            `json:"owner"`
	Tier        tier.Tier         `json:"tier"`
	CustomerRef string            `json:"customerRef,omitempty"`
	BillingRef  string            `json:"billingRef,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	ExpiresAt   *time.Time        `json:"expiresAt,omitempty"`
	Active      bool              `json:"active"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Expired reports whether the license has an expiry strictly before now.
// A license is still valid at the instant it expires.
func (l *License) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && l.ExpiresAt.Before(now)
}

// Clone returns a deep copy so stores can hand out records without sharing maps.
func (l *License) Clone() *License {
	cp := *l
	if l.ExpiresAt != nil {
		exp := *l.ExpiresAt
		cp.ExpiresAt = &exp
	}
	if l.Metadata != nil {
		cp.Metadata = make(map[string]string, len(l.Metadata))
		for k, v := range l.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Check verifies the fields a store needs before inserting.
func (l *License) Check() error {
	switch {
	case l.Key == "":
		return fmt.Errorf("%w: empty key", ErrInvalid)
	case !tier.Valid(l.Tier):
		return fmt.Errorf("%w: unknown tier %q", ErrInvalid, l.Tier)
	case l.CreatedAt.IsZero():
		return fmt.Errorf("%w: missing created_at", ErrInvalid)
	}
	return nil
}

// GenerateKey returns a fresh key of the form OUTREACH-XXXX-XXXX-XXXX-XXXX
// where each group is 2 random bytes in upper-case hex.
func GenerateKey() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("license: read random: %w", err)
	}
	h := strings.ToUpper(hex.EncodeToString(b))
	return fmt.Sprintf("%s-%s-%s-%s-%s", KeyPrefix, h[0:4], h[4:8], h[8:12], h[12:16]), nil
}

// ValidKeyFormat reports whether s has the shape of a generated key.
func ValidKeyFormat(s string) bool {
	return keyPattern.MatchString(s)
}

// Mask shortens a key for logs and terminal output.
func Mask(key string) string {
	if len(key) <= 13 {
		return key
	}
	return key[:13] + "..."
}
