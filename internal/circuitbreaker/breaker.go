// Package circuitbreaker fails calls to an unhealthy upstream fast. Each key
// (one per upstream, such as "stripe") moves closed -> open after a run of
// counted failures, and open -> half-open once the cool-down passes, when a
// single probe call decides whether it closes again.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Do while the circuit for a key is open.
var ErrOpen = errors.New("circuitbreaker: circuit open")

// State of one key's circuit.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	stateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "outreach",
		Subsystem: "circuitbreaker",
		Name:      "state",
		Help:      "Circuit state per upstream: 0 closed, 1 open, 2 half-open.",
	}, []string{"key"})

	rejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "outreach",
		Subsystem: "circuitbreaker",
		Name:      "rejected_total",
		Help:      "Calls refused without reaching the upstream.",
	}, []string{"key"})
)

func init() {
	prometheus.MustRegister(stateGauge, rejectedTotal)
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker holds one circuit per key.
type Breaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	coolDown  time.Duration
	now       func() time.Time
}

// New returns a Breaker that opens after threshold consecutive counted
// failures and probes again after coolDown.
func New(threshold int, coolDown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if coolDown <= 0 {
		coolDown = 30 * time.Second
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		coolDown:  coolDown,
		now:       time.Now,
	}
}

// Do runs fn unless key's circuit is open. Errors for which counts returns
// false (a 4xx from the upstream, say) mean the upstream is reachable and
// are treated like a success. A nil counts counts every error.
func (b *Breaker) Do(key string, counts func(error) bool, fn func() error) error {
	if !b.acquire(key) {
		rejectedTotal.WithLabelValues(key).Inc()
		return ErrOpen
	}
	err := fn()
	b.release(key, err != nil && (counts == nil || counts(err)))
	return err
}

// State returns key's current state; unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// acquire reports whether a call may proceed. The first caller after the
// cool-down becomes the half-open probe; everyone else waits it out.
func (b *Breaker) acquire(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(key)
	switch c.state {
	case StateOpen:
		if b.now().Sub(c.openedAt) < b.coolDown {
			return false
		}
		b.set(key, c, StateHalfOpen)
		return true
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

func (b *Breaker) release(key string, failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(key)
	if !failed {
		c.failures = 0
		b.set(key, c, StateClosed)
		return
	}

	c.failures++
	if c.state == StateHalfOpen || c.failures >= b.threshold {
		c.openedAt = b.now()
		b.set(key, c, StateOpen)
	}
}

// circuit returns key's entry, creating it closed. Caller holds b.mu.
func (b *Breaker) circuit(key string) *circuit {
	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}
	return c
}

// set changes state and publishes it. Caller holds b.mu.
func (b *Breaker) set(key string, c *circuit, s State) {
	if c.state == s {
		return
	}
	c.state = s
	stateGauge.WithLabelValues(key).Set(float64(s))
}
