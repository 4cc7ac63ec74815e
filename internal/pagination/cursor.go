// Package pagination provides keyset cursors for newest-first listings.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned when a client-supplied cursor cannot be decoded.
var ErrInvalidCursor = errors.New("pagination: invalid cursor")

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// Cursor marks the last row of a page. Rows sort by (CreatedAt DESC, Key DESC),
// so the next page is everything strictly before this position.
type Cursor struct {
	CreatedAt time.Time
	Key       string
}

// Before reports whether a row at (createdAt, key) belongs after the cursor
// in newest-first order.
func (c *Cursor) Before(createdAt time.Time, key string) bool {
	if c == nil {
		return true
	}
	if createdAt.Equal(c.CreatedAt) {
		return key < c.Key
	}
	return createdAt.Before(c.CreatedAt)
}

// Encode returns an opaque, URL-safe cursor string.
func Encode(createdAt time.Time, key string) string {
	raw := strconv.FormatInt(createdAt.UnixNano(), 10) + "|" + key
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses a cursor string. Empty input means "first page" and returns nil.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanos, key, ok := strings.Cut(string(raw), "|")
	if !ok || key == "" {
		return nil, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, n).UTC(), Key: key}, nil
}

// Limit parses a page-size query value, falling back to DefaultLimit and
// clamping to MaxLimit.
func Limit(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return DefaultLimit
	}
	if n > MaxLimit {
		return MaxLimit
	}
	return n
}

// Page trims a result fetched with limit+1 rows and returns the cursor for
// the following page, or "" when there is none.
func Page[T any](items []T, limit int, keyOf func(T) (time.Time, string)) ([]T, string) {
	if len(items) <= limit {
		return items, ""
	}
	items = items[:limit]
	createdAt, key := keyOf(items[len(items)-1])
	return items, Encode(createdAt, key)
}
