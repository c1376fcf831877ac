package retry

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker's current state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// ErrCircuitOpen is returned by Allow while the breaker is open.
type ErrCircuitOpen struct {
	Since time.Time
	Until time.Time
}

func (e *ErrCircuitOpen) Error() string {
	return "circuit breaker open until " + e.Until.Format(time.RFC3339)
}

// Breaker is a per-instance three-state circuit breaker. A tripped breaker
// only pauses its own caller's loop; instances are never shared.
type Breaker struct {
	threshold int
	reset     time.Duration

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	now      func() time.Time
}

// NewBreaker creates a breaker that opens after threshold consecutive
// failures and allows a half-open probe after reset.
func NewBreaker(threshold int, reset time.Duration) *Breaker {
	return &Breaker{
		threshold: threshold,
		reset:     reset,
		state:     BreakerClosed,
		now:       time.Now,
	}
}

// State returns the current state, accounting for reset expiry.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Breaker) stateLocked() BreakerState {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.reset {
		b.state = BreakerHalfOpen
	}
	return b.state
}

// Allow reports whether a call may proceed. While open it returns
// ErrCircuitOpen with the reopen time.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stateLocked() == BreakerOpen {
		return &ErrCircuitOpen{Since: b.openedAt, Until: b.openedAt.Add(b.reset)}
	}
	return nil
}

// RecordSuccess closes the breaker and clears the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = BreakerClosed
}

// RecordFailure counts a failure; at the threshold (or on a failed half-open
// probe) the breaker opens. Returns true if the breaker is now open.
func (b *Breaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stateLocked() == BreakerHalfOpen {
		b.state = BreakerOpen
		b.openedAt = b.now()
		return true
	}

	b.failures++
	if b.failures >= b.threshold {
		b.state = BreakerOpen
		b.openedAt = b.now()
		return true
	}
	return false
}
