package retry

import (
	"errors"
	"sync"
	"time"
)

// Defaults used by the stream manager
const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 2 * time.Second
)

// ErrBudgetExhausted is returned once every allowed attempt has been consumed
var ErrBudgetExhausted = errors.New("reconnect budget exhausted")

// Budget counts consecutive failed connections and hands out linearly
// growing reconnect delays until the maximum number of attempts is reached.
// A successful connection resets it.
type Budget struct {
	attempts  int           // Consecutive failures that scheduled a retry
	max       int           // Attempts allowed before giving up
	baseDelay time.Duration // Delay unit; attempt n waits n*baseDelay
	lastError error         // Most recent failure
	mu        sync.RWMutex
}

// NewBudget creates a budget allowing max retries spaced by multiples of
// baseDelay. Non-positive arguments fall back to the defaults.
func NewBudget(max int, baseDelay time.Duration) *Budget {
	if max < 0 {
		max = DefaultMaxAttempts
	}
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	return &Budget{
		max:       max,
		baseDelay: baseDelay,
	}
}

// Next records a failure and, when budget is left, consumes one attempt.
// It returns the attempt number (1-based) and the delay to wait before it.
// Once exhausted it returns ok=false and leaves the counter saturated.
func (b *Budget) Next(cause error) (attempt int, delay time.Duration, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastError = cause
	if b.attempts >= b.max {
		return b.attempts, 0, false
	}
	b.attempts++
	return b.attempts, b.delayLocked(b.attempts), true
}

// Reset clears the failure counter after a successful connection or an
// explicit connect request.
func (b *Budget) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = 0
	b.lastError = nil
}

// SetMax changes the number of attempts allowed. Attempts already consumed
// count against the new limit; a negative max falls back to the default.
func (b *Budget) SetMax(max int) {
	if max < 0 {
		max = DefaultMaxAttempts
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.max = max
}

func (b *Budget) Attempts() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.attempts
}

func (b *Budget) Max() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.max
}

// Exhausted reports whether no further attempt would be allowed.
func (b *Budget) Exhausted() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.attempts >= b.max
}

// Delay returns the wait before the given attempt number.
func (b *Budget) Delay(attempt int) time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.delayLocked(attempt)
}

func (b *Budget) delayLocked(attempt int) time.Duration {
	return b.baseDelay * time.Duration(attempt)
}

func (b *Budget) LastError() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastError
}
