package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State represents the state of a circuit breaker
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
		return "half-open"
	default:
		return "unknown"
	}
}

// Defaults used by NewWithLogger callers that pass zero values.
const (
	DefaultMaxFailures = 5
	DefaultCooldown    = 30 * time.Second
)

// CircuitBreaker stops calling a failing dependency for a cooldown period.
// After maxFailures consecutive failures it opens; once the cooldown passes
// a single probe call is let through and its outcome closes or reopens it.
// Context cancellation by the caller is not counted as a failure.
type CircuitBreaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration
	logger      *logrus.Logger
	now         func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
	requests uint64
	rejected uint64
}

func NewWithLogger(name string, maxFailures int, cooldown time.Duration, logger *logrus.Logger) *CircuitBreaker {
	if maxFailures < 1 {
		maxFailures = DefaultMaxFailures
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &CircuitBreaker{
		name:        name,
		maxFailures: maxFailures,
		cooldown:    cooldown,
		logger:      logger,
		now:         time.Now,
	}
}

// Execute runs fn unless the breaker is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	probe, err := cb.allow()
	if err != nil {
		return err
	}

	err = fn(ctx)
	cb.record(probe, err)
	return err
}

func (cb *CircuitBreaker) allow() (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.requests++

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.cooldown {
			cb.rejected++
			return false, &OpenError{Name: cb.name, State: StateOpen}
		}
		cb.state = StateHalfOpen
		cb.logger.WithField("circuit_breaker", cb.name).Info("Circuit breaker half-open, probing")
		fallthrough
	case StateHalfOpen:
		if cb.probing {
			cb.rejected++
			return false, &OpenError{Name: cb.name, State: StateHalfOpen}
		}
		cb.probing = true
		return true, nil
	}
	return false, nil
}

func (cb *CircuitBreaker) record(probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if probe {
		cb.probing = false
	}

	if err == nil || errors.Is(err, context.Canceled) {
		if cb.state != StateClosed {
			cb.logger.WithField("circuit_breaker", cb.name).Info("Circuit breaker closed after successful probe")
		}
		cb.state = StateClosed
		cb.failures = 0
		return
	}

	cb.failures++
	if cb.state == StateHalfOpen || cb.failures >= cb.maxFailures {
		if cb.state != StateOpen {
			cb.logger.WithFields(logrus.Fields{
				"circuit_breaker": cb.name,
				"failures":        cb.failures,
			}).Warn("Circuit breaker opened")
		}
		cb.state = StateOpen
		cb.openedAt = cb.now()
	}
}

// State reports the current state. An open breaker whose cooldown has
// passed reports half-open.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cooldown {
		return StateHalfOpen
	}
	return cb.state
}

// Stats is a snapshot of breaker counters.
type Stats struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	Failures int    `json:"consecutive_failures"`
	Requests uint64 `json:"requests"`
	Rejected uint64 `json:"rejected"`
}

func (cb *CircuitBreaker) Stats() Stats {
	state := cb.State()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		Name:     cb.name,
		State:    state.String(),
		Failures: cb.failures,
		Requests: cb.requests,
		Rejected: cb.rejected,
	}
}

// OpenError is returned instead of calling the dependency.
type OpenError struct {
	Name  string
	State State
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is %s", e.Name, e.State)
}

// IsOpen reports whether err came from a breaker rejecting the call.
func IsOpen(err error) bool {
	var openErr *OpenError
	return errors.As(err, &openErr)
}
