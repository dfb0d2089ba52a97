package registry

import (
	"sync"
	"time"

	"github.com/mauricioascencio-agw/alqvimia-2.0-sub006/pkg/clock"
)

// State is the circuit breaker position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// CircuitBreaker is the per-service closed/open/half-open state machine.
// All transitions happen under one mutex so two interleaved failures can
// never both decide to open the breaker. The open→half-open transition is
// evaluated lazily against the injected clock rather than by a wall-clock
// timer, which keeps it deterministic under test.
type CircuitBreaker struct {
	mu           sync.Mutex
	failures     int
	threshold    int
	resetTimeout time.Duration
	open         bool
	halfOpen     bool
	openedAt     time.Time
	clock        clock.Clock
}

func NewCircuitBreaker(threshold int, resetTimeout time.Duration, clk clock.Clock) *CircuitBreaker {
	if clk == nil {
		clk = clock.New()
	}
	return &CircuitBreaker{
		threshold:    threshold,
		resetTimeout: resetTimeout,
		clock:        clk,
	}
}

// State reports the breaker position, applying the timed open→half-open
// transition if the reset timeout has elapsed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stateLocked()
}

func (cb *CircuitBreaker) stateLocked() State {
	if !cb.open {
		return StateClosed
	}
	if cb.halfOpen {
		return StateHalfOpen
	}
	if cb.clock.Now().Sub(cb.openedAt) >= cb.resetTimeout {
		cb.halfOpen = true
		return StateHalfOpen
	}
	return StateOpen
}

// Allow reports whether live traffic may pass. Only a closed breaker
// passes traffic; in half-open the next scheduled probe decides.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stateLocked() == StateClosed
}

// RecordFailure counts one failed probe or proxy attempt. Reaching the
// threshold opens the breaker; a failure in half-open re-opens it and
// re-arms the reset timeout.
func (cb *CircuitBreaker) RecordFailure() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := cb.stateLocked()
	switch state {
	case StateHalfOpen:
		cb.halfOpen = false
		cb.openedAt = cb.clock.Now()
		return StateOpen
	case StateOpen:
		return StateOpen
	default:
		cb.failures++
		if cb.failures >= cb.threshold {
			cb.open = true
			cb.halfOpen = false
			cb.openedAt = cb.clock.Now()
			return StateOpen
		}
		return StateClosed
	}
}

// RecordSuccess closes the breaker and clears the failure counter.
func (cb *CircuitBreaker) RecordSuccess() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.open = false
	cb.halfOpen = false
	cb.failures = 0
	return StateClosed
}

// Failures returns the current failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}
