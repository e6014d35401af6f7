package orchestrator

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrCircuitOpen is returned by Allow while the breaker is cooling down
var ErrCircuitOpen = errors.New("circuit breaker is open")

const (
	// DefaultFailureThreshold is the number of consecutive failures that opens the breaker
	DefaultFailureThreshold = 5
	// DefaultCoolDown is how long an open breaker fails fast
	DefaultCoolDown = 30 * time.Second
)

// State is the externally visible breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// BreakerSnapshot is a point-in-time view of a breaker
type BreakerSnapshot struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	OpenUntil           time.Time `json:"openUntil,omitempty"`
}

// CircuitBreaker guards one dependency within this process.
//
// Closed until failureThreshold consecutive failures, then open for coolDown.
// Once the cool-down elapses the next call goes through as a probe: success
// closes the breaker, failure re-opens it for a fresh cool-down. There is no
// half-open gate, so concurrent callers after the cool-down may all probe.
// State is never shared across processes.
type CircuitBreaker struct {
	name      string
	threshold int
	coolDown  time.Duration
	clock     clock.Clock
	onChange  func(name string, from, to State)

	mu        sync.Mutex
	failures  int
	openUntil time.Time
	reported  State
}

// BreakerOption configures a CircuitBreaker
type BreakerOption func(*CircuitBreaker)

// WithBreakerClock replaces the wall clock
func WithBreakerClock(c clock.Clock) BreakerOption {
	return func(b *CircuitBreaker) {
		b.clock = c
	}
}

// WithStateChange registers a callback invoked on open and close transitions.
// It runs outside the breaker lock.
func WithStateChange(fn func(name string, from, to State)) BreakerOption {
	return func(b *CircuitBreaker) {
		b.onChange = fn
	}
}

// NewCircuitBreaker creates a closed breaker
func NewCircuitBreaker(name string, threshold int, coolDown time.Duration, opts ...BreakerOption) *CircuitBreaker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if coolDown <= 0 {
		coolDown = DefaultCoolDown
	}
	b := &CircuitBreaker{
		name:      name,
		threshold: threshold,
		coolDown:  coolDown,
		clock:     clock.New(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the dependency name
func (b *CircuitBreaker) Name() string {
	return b.name
}

// Allow returns ErrCircuitOpen while the cool-down is running
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.clock.Now().Before(b.openUntil) {
		return ErrCircuitOpen
	}
	return nil
}

// RecordSuccess resets the consecutive failure count and closes the breaker
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	b.failures = 0
	b.openUntil = time.Time{}
	from, changed := b.transition(StateClosed)
	b.mu.Unlock()

	b.notify(from, StateClosed, changed)
}

// RecordFailure counts a failure and opens the breaker at the threshold.
// A failed probe after the cool-down re-opens it immediately.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	b.failures++
	if b.failures < b.threshold {
		b.mu.Unlock()
		return
	}
	b.openUntil = b.clock.Now().Add(b.coolDown)
	from, changed := b.transition(StateOpen)
	b.mu.Unlock()

	b.notify(from, StateOpen, changed)
}

// transition records the reported state; caller must hold mu
func (b *CircuitBreaker) transition(to State) (State, bool) {
	from := b.reported
	b.reported = to
	return from, from != to
}

func (b *CircuitBreaker) notify(from, to State, changed bool) {
	if changed && b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}

// State reports open while the cool-down is running
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.clock.Now().Before(b.openUntil) {
		return StateOpen
	}
	return StateClosed
}

// Snapshot returns the current breaker view
func (b *CircuitBreaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := BreakerSnapshot{
		Name:                b.name,
		State:               StateClosed.String(),
		ConsecutiveFailures: b.failures,
	}
	if b.clock.Now().Before(b.openUntil) {
		s.State = StateOpen.String()
		s.OpenUntil = b.openUntil
	}
	return s
}
