package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// ErrOpen is returned by Execute while the circuit is open
var ErrOpen = errors.New("circuit breaker is open")

// State represents the current state of the circuit breaker
type State int

const (
	StateClosed   State = iota // Normal operation, requests allowed
	StateOpen                  // Circuit is tripped, requests blocked
	StateHalfOpen              // One trial call allowed to test recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreaker stops calling a failing dependency for a cool-down period
// once threshold consecutive calls have failed.
type CircuitBreaker struct {
	mu            sync.Mutex
	state         State
	failures      int
	threshold     int
	timeout       time.Duration
	lastError     error
	openTime      time.Time
	trialInFlight bool
	clock         clock.Clock
	logger        *logrus.Entry
}

type Option func(*CircuitBreaker)

func WithClock(c clock.Clock) Option {
	return func(cb *CircuitBreaker) {
		cb.clock = c
	}
}

// WithName tags the breaker's log lines.
func WithName(name string) Option {
	return func(cb *CircuitBreaker) {
		cb.logger = cb.logger.WithField("breaker", name)
	}
}

// NewCircuitBreaker creates a closed breaker. A threshold below 1 is
// treated as 1.
func NewCircuitBreaker(threshold int, timeout time.Duration, opts ...Option) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	cb := &CircuitBreaker{
		state:     StateClosed,
		threshold: threshold,
		timeout:   timeout,
		clock:     clock.New(),
		logger:    logrus.WithField("component", "circuitbreaker"),
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Execute runs fn if the breaker allows it and records the result. A
// rejected call returns an error wrapping ErrOpen and the last failure.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.AllowRequest() {
		return fmt.Errorf("%w: %v", ErrOpen, cb.LastError())
	}

	err := fn()
	cb.RecordResult(err)
	return err
}

// AllowRequest reports whether a call may go through. After the timeout an
// open breaker lets exactly one trial call through in the half-open state.
func (cb *CircuitBreaker) AllowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.clock.Since(cb.openTime) < cb.timeout {
			return false
		}
		cb.state = StateHalfOpen
		cb.trialInFlight = true
		cb.logger.Warn("Circuit breaker transitioned to half-open")
		return true
	case StateHalfOpen:
		if cb.trialInFlight {
			return false
		}
		cb.trialInFlight = true
		return true
	}
	return true
}

// RecordResult records the outcome of an allowed call. A failed trial call
// reopens the circuit immediately.
func (cb *CircuitBreaker) RecordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	wasTrial := cb.state == StateHalfOpen
	cb.trialInFlight = false

	if err != nil {
		cb.failures++
		cb.lastError = err
		if wasTrial || cb.failures >= cb.threshold {
			if cb.state != StateOpen {
				cb.logger.WithError(err).Warn("Circuit breaker opened")
			}
			cb.state = StateOpen
			cb.openTime = cb.clock.Now()
		}
		return
	}

	if cb.state != StateClosed {
		cb.logger.Info("Circuit breaker closed")
	}
	cb.failures = 0
	cb.state = StateClosed
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) LastError() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.lastError
}
