package usage

import (
	"context"
	"sync"
	"time"
)

// MemoryLedger keeps events in process memory for demo/development.
type MemoryLedger struct {
	mu     sync.RWMutex
	events map[string]map[string][]Event // license key -> feature -> events
	now    func() time.Time
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		events: make(map[string]map[string][]Event),
		now:    time.Now,
	}
}

var (
	_ Ledger   = (*MemoryLedger)(nil)
	_ Reserver = (*MemoryLedger)(nil)
)

func (m *MemoryLedger) Record(_ context.Context, ev Event) error {
	ev, err := Prepare(ev, m.now())
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.appendLocked(ev)
	m.mu.Unlock()
	return nil
}

func (m *MemoryLedger) WindowedTotal(_ context.Context, key, feature string, start, end time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sumLocked(key, feature, start, end), nil
}

func (m *MemoryLedger) Totals(_ context.Context, key string, f Filter) (map[string]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]int64)
	for feature := range m.events[key] {
		if f.Feature != "" && feature != f.Feature {
			continue
		}
		if n := m.sumLocked(key, feature, f.Start, f.End); n > 0 {
			out[feature] = n
		}
	}
	return out, nil
}

func (m *MemoryLedger) RecordIfWithin(_ context.Context, ev Event, windows []Window) (*Window, error) {
	ev, err := Prepare(ev, m.now())
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range windows {
		if !windows[i].Admits(m.sumLocked(ev.LicenseKey, ev.Feature, windows[i].Start, ev.Timestamp), ev.Count) {
			w := windows[i]
			return &w, nil
		}
	}
	m.appendLocked(ev)
	return nil, nil
}

func (m *MemoryLedger) appendLocked(ev Event) {
	byFeature, ok := m.events[ev.LicenseKey]
	if !ok {
		byFeature = make(map[string][]Event)
		m.events[ev.LicenseKey] = byFeature
	}
	byFeature[ev.Feature] = append(byFeature[ev.Feature], ev)
}

func (m *MemoryLedger) sumLocked(key, feature string, start, end time.Time) int64 {
	var total int64
	for _, ev := range m.events[key][feature] {
		if inRange(ev.Timestamp, start, end) {
			total += ev.Count
		}
	}
	return total
}
