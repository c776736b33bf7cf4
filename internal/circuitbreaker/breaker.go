// Package circuitbreaker provides a per-key circuit breaker with
// closed → open → half-open state transitions. Keys are gateway operations
// ("transfer", "refund", "verify").
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/settlement/internal/clock"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // requests flow through
	StateOpen                  // requests are rejected
	StateHalfOpen              // one probe allowed
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

var stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "settlement",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
}, []string{"key", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(stateTransitions)
}

type entry struct {
	state       State
	failures    int
	lastFailure time.Time
}

// Breaker trips a key open after threshold consecutive failures and probes
// again once openDuration has passed.
type Breaker struct {
	mu           sync.Mutex
	entries      map[string]*entry
	threshold    int
	openDuration time.Duration
	clock        clock.Clock
	onTransition func(key string, from, to State)
}

// New creates a breaker. A nil clock means the wall clock.
func New(threshold int, openDuration time.Duration, clk clock.Clock) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Breaker{
		entries:      make(map[string]*entry),
		threshold:    threshold,
		openDuration: openDuration,
		clock:        clk,
	}
}

// OnTransition sets a callback invoked synchronously on state changes.
// It runs with the breaker lock released.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Allow reports whether a request for key may proceed.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	e, ok := b.entries[key]
	if !ok {
		b.mu.Unlock()
		return true
	}

	var fire func()
	allowed := true
	switch e.state {
	case StateOpen:
		if b.clock.Now().Sub(e.lastFailure) >= b.openDuration {
			fire = b.transition(e, key, StateHalfOpen)
		} else {
			allowed = false
		}
	case StateHalfOpen:
		allowed = false
	}
	b.mu.Unlock()

	if fire != nil {
		fire()
	}
	return allowed
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	e, ok := b.entries[key]
	if !ok {
		b.mu.Unlock()
		return
	}
	var fire func()
	if e.state == StateHalfOpen {
		fire = b.transition(e, key, StateClosed)
	}
	e.failures = 0
	b.mu.Unlock()

	if fire != nil {
		fire()
	}
}

// RecordFailure counts a failure and trips the circuit at the threshold.
// A failed half-open probe reopens immediately.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	e, ok := b.entries[key]
	if !ok {
		e = &entry{state: StateClosed}
		b.entries[key] = e
	}
	e.failures++
	e.lastFailure = b.clock.Now()

	var fire func()
	switch {
	case e.state == StateHalfOpen:
		fire = b.transition(e, key, StateOpen)
	case e.state == StateClosed && e.failures >= b.threshold:
		fire = b.transition(e, key, StateOpen)
	}
	b.mu.Unlock()

	if fire != nil {
		fire()
	}
}

// State returns the current state for key.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return StateClosed
	}
	return e.state
}

// OpenKeys lists keys whose circuit is not closed.
func (b *Breaker) OpenKeys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var keys []string
	for k, e := range b.entries {
		if e.state != StateClosed {
			keys = append(keys, k)
		}
	}
	return keys
}

// transition changes state and returns the callback to fire after unlock.
// Caller must hold b.mu.
func (b *Breaker) transition(e *entry, key string, to State) func() {
	from := e.state
	if from == to {
		return nil
	}
	e.state = to
	stateTransitions.WithLabelValues(key, from.String(), to.String()).Inc()
	if b.onTransition == nil {
		return nil
	}
	fn := b.onTransition
	return func() { fn(key, from, to) }
}
