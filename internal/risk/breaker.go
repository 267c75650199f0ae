package risk

import (
	"context"
	"sync"
	"time"

	"github.com/marketwheel/sentinel/internal/domain"
)

// BreakerState enumerates the circuit breaker states.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

// String returns the lowercase state name for logs and the status endpoint.
func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitBreaker guards broker/API calls. Closed -> Open after threshold
// consecutive failures; Open -> HalfOpen once the reset timeout elapses,
// admitting exactly one probe; the probe's success closes the breaker and
// resets the failure count, its failure re-opens it. All transitions happen
// under one mutex so the open-check and failure recording are atomic with
// respect to each other.
type CircuitBreaker struct {
	mu          sync.Mutex
	state       BreakerState
	failures    int
	openedAt    time.Time
	lastFailure time.Time

	threshold int
	timeout   time.Duration
	now       func() time.Time
}

// NewCircuitBreaker creates a closed breaker that opens after threshold
// consecutive failures and probes again after timeout.
func NewCircuitBreaker(threshold int, timeout time.Duration) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreaker{
		threshold: threshold,
		timeout:   timeout,
		now:       time.Now,
	}
}

// Call invokes fn under the breaker. While the breaker is open and the
// timeout has not elapsed, fn is not invoked and domain.ErrCircuitOpen is
// returned immediately.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if !cb.allow() {
		return domain.ErrCircuitOpen
	}

	err := fn(ctx)
	cb.record(err == nil)
	return err
}

// allow reports whether a call may proceed, transitioning Open -> HalfOpen
// when the timeout has elapsed. Only the caller that performs that
// transition gets the probe; concurrent callers are short-circuited until
// the probe resolves.
func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if cb.now().Sub(cb.openedAt) >= cb.timeout {
			cb.state = BreakerHalfOpen
			return true
		}
		return false
	default: // BreakerHalfOpen: probe already in flight
		return false
	}
}

// record registers the outcome of a permitted call.
func (cb *CircuitBreaker) record(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if success {
		cb.state = BreakerClosed
		cb.failures = 0
		return
	}

	cb.failures++
	cb.lastFailure = cb.now()
	if cb.state == BreakerHalfOpen || cb.failures >= cb.threshold {
		cb.state = BreakerOpen
		cb.openedAt = cb.now()
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}
