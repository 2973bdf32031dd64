// Package resilience provides reliability patterns for external calls.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by callers when the breaker is rejecting calls.
var ErrOpen = errors.New("circuit breaker is open")

// Breaker tracks consecutive failures and rejects calls once a threshold is
// reached, until a cooldown elapses. After the cooldown Allow admits calls
// again; the next observed outcome decides: a success closes the circuit, a
// failure re-opens it for another cooldown. Admission after the cooldown is
// not limited to one call: every Allow before that outcome returns true.
type Breaker struct {
	mu          sync.Mutex
	maxFailures int
	cooldown    time.Duration
	failures    int
	openedAt    time.Time
	open        bool
	now         func() time.Time // for testing
}

// New creates a Breaker that opens after maxFailures consecutive failures
// and stays open for the given cooldown.
func New(maxFailures int, cooldown time.Duration) *Breaker {
	return &Breaker{
		maxFailures: maxFailures,
		cooldown:    cooldown,
		now:         time.Now,
	}
}

// Allow reports whether a call may proceed right now.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return true
	}
	// Half-open probe once the cooldown has elapsed.
	return b.now().Sub(b.openedAt) >= b.cooldown
}

// Observe records the outcome of a call previously admitted by Allow.
func (b *Breaker) Observe(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.failures = 0
		b.open = false
		return
	}

	b.failures++
	if b.open || b.failures >= b.maxFailures {
		b.open = true
		b.openedAt = b.now()
	}
}
