package llm

import (
	"sync"
	"time"
)

// Breaker states.
const (
	StateClosed   = "CLOSED"
	StateOpen     = "OPEN"
	StateHalfOpen = "HALF_OPEN"
)

// CircuitBreaker stops calling a failing provider for a cool-down period so
// turns fall back immediately instead of waiting out a timeout each time.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	failureCount int
	threshold    int
	lastFailure  time.Time
	trialStart   time.Time
	resetTimeout time.Duration
	state        string
	clock        func() time.Time
}

// NewCircuitBreaker opens after threshold consecutive failures and lets a
// single trial call through once resetTimeout has elapsed. A threshold below 1
// disables the breaker.
func NewCircuitBreaker(name string, threshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: resetTimeout,
		state:        StateClosed,
		clock:        time.Now,
	}
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string { return cb.name }

func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clock()
	switch cb.state {
	case StateOpen:
		if now.Sub(cb.lastFailure) > cb.resetTimeout {
			cb.state = StateHalfOpen
			cb.trialStart = now
			return true
		}
		return false
	case StateHalfOpen:
		// one trial at a time; a trial that never reported back is replaced
		if now.Sub(cb.trialStart) > cb.resetTimeout {
			cb.trialStart = now
			return true
		}
		return false
	default:
		return true
	}
}

func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failureCount = 0
}

func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = cb.clock()
	if cb.state == StateHalfOpen || (cb.threshold > 0 && cb.failureCount >= cb.threshold) {
		cb.state = StateOpen
	}
}

// Release gives back a trial whose outcome says nothing about the provider,
// such as one cancelled by its caller. The breaker returns to OPEN with its
// failure count untouched, so the next Allow may let a trial through at once.
func (cb *CircuitBreaker) Release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen {
		cb.state = StateOpen
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
