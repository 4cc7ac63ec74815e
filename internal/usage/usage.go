// Package usage is the append-only ledger of metered feature consumption.
//
// Events are never updated or deleted. Quota checks ask for the sum of
// counts over a sliding window [start, end] computed relative to the moment
// of the check.
package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Errors
var (
	ErrInvalidEvent = errors.New("usage: invalid event")
	ErrInvalidCount = errors.New("usage: count must be at least 1")
)

// Event is one unit (or batch of units) of consumption.
type Event struct {
	ID         string            `json:"id"`
	LicenseKey string            `json:"licenseKey"`
	Feature    string            `json:"feature"`
	Timestamp  time.Time         `json:"timestamp"`
	Count      int64             `json:"count"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Filter narrows Totals. Zero fields are unbounded.
type Filter struct {
	Feature string
	Start   time.Time
	End     time.Time
}

// Window is a quota bound for RecordIfWithin: the sum of counts with
// timestamps in [Start, event time] plus the event's own count must not
// exceed Cap.
type Window struct {
	Name  string
	Start time.Time
	Cap   int64
}

// Admits reports whether count more units fit on top of used.
func (w Window) Admits(used, count int64) bool {
	return used+count <= w.Cap
}

// Ledger stores usage events and answers windowed aggregates.
type Ledger interface {
	// Record appends ev. Two events with distinct ids are both kept.
	Record(ctx context.Context, ev Event) error
	// WindowedTotal sums Count for events of key/feature with
	// start <= Timestamp <= end.
	WindowedTotal(ctx context.Context, key, feature string, start, end time.Time) (int64, error)
	// Totals sums Count per feature for key.
	Totals(ctx context.Context, key string, f Filter) (map[string]int64, error)
}

// Reserver is implemented by ledgers that can check and record in one step.
// It returns the first window that cannot take ev.Count more units, in
// which case nothing is recorded, or nil after recording ev.
type Reserver interface {
	RecordIfWithin(ctx context.Context, ev Event, windows []Window) (*Window, error)
}

// Prepare validates ev and fills in a generated id and the current time
// where they are missing.
func Prepare(ev Event, now time.Time) (Event, error) {
	if ev.LicenseKey == "" || ev.Feature == "" {
		return ev, fmt.Errorf("%w: license key and feature are required", ErrInvalidEvent)
	}
	if ev.Count < 1 {
		return ev, ErrInvalidCount
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}
	// Microseconds are the finest resolution every backend keeps exactly.
	ev.Timestamp = ev.Timestamp.UTC().Truncate(time.Microsecond)
	return ev, nil
}

func inRange(ts, start, end time.Time) bool {
	if !start.IsZero() && ts.Before(start) {
		return false
	}
	if !end.IsZero() && ts.After(end) {
		return false
	}
	return true
}
