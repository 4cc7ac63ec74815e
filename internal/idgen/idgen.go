// Package idgen generates request and correlation identifiers.
package idgen

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// New returns a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 24 random hex characters, e.g.
// "req_3f9c0a...". Used for request ids echoed in X-Request-ID.
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand never fails on supported platforms.
		return prefix + uuid.NewString()
	}
	return prefix + hex.EncodeToString(b)
}

// Valid reports whether an inbound id is safe to echo and log: 1-128
// characters of letters, digits, '-', '_' or '.'.
func Valid(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}
