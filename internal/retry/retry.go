// Package retry runs an operation again with exponential backoff and jitter
// until it succeeds, fails permanently, or runs out of attempts.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted wraps the last error when every attempt failed.
var ErrExhausted = errors.New("retry: attempts exhausted")

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Policy controls how Do retries.
type Policy struct {
	// Attempts is the total number of calls, including the first. Values
	// below 1 mean a single call.
	Attempts int
	// BaseDelay is doubled after each failed attempt, with +-25% jitter.
	// Zero retries immediately.
	BaseDelay time.Duration
	// Retryable, when set, limits retries to errors it accepts. Anything
	// else is returned unchanged after the first failure.
	Retryable func(error) bool
}

// Do calls fn until it returns nil, a permanent or non-retryable error, or
// the policy runs out of attempts. attempt counts from 1.
//
// On exhaustion the returned error matches both ErrExhausted and the last
// error from fn. If ctx ends during a backoff sleep, ctx.Err() is returned.
func (p Policy) Do(ctx context.Context, fn func(attempt int) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	delay := p.BaseDelay
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(attempt)
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		if delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(jittered(delay)):
			}
			delay *= 2
		} else if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, err)
}

// Do is shorthand for Policy{Attempts: maxAttempts, BaseDelay: baseDelay}.Do.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	return Policy{Attempts: maxAttempts, BaseDelay: baseDelay}.Do(ctx, func(int) error { return fn() })
}

// jittered returns d adjusted by up to +-25%.
func jittered(d time.Duration) time.Duration {
	j := int64(d / 4)
	if j <= 0 {
		return d
	}
	return d - time.Duration(j) + time.Duration(cryptoInt64n(2*j+1))
}

// cryptoInt64n returns a random int64 in [0, n) using crypto/rand.
func cryptoInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1
	return int64(v % uint64(n)) //nolint:gosec // n>0, v%n < n
}
