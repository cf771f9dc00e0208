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

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config configures a circuit breaker
type Config struct {
	Name             string
	MaxFailures      uint32
	Timeout          time.Duration
	HalfOpenMaxCalls uint32
	// IsFailure decides which errors count against the breaker. Nil counts every error.
	IsFailure func(error) bool
	// OnStateChange is called with the breaker lock released
	OnStateChange func(name string, from, to State)
	Logger        *logrus.Logger
}

// CircuitBreaker stops calling a failing dependency until it has had time to recover
type CircuitBreaker struct {
	cfg Config
	now func() time.Time

	mu              sync.Mutex
	state           State
	failures        uint32
	lastFailureTime time.Time
	halfOpenCalls   uint32
	successCount    uint32
	requestCount    uint64
	rejectedCount   uint64
}

// New creates a circuit breaker with the given settings
func New(cfg Config) *CircuitBreaker {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxCalls == 0 {
		cfg.HalfOpenMaxCalls = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now, state: StateClosed}
}

// Execute runs fn if the breaker allows it
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.allowRequest() {
		return &OpenError{Name: cb.cfg.Name, State: cb.State()}
	}

	err := fn(ctx)
	if err != nil && cb.countsAsFailure(ctx, err) {
		cb.onFailure()
		return err
	}
	cb.onSuccess()
	return err
}

func (cb *CircuitBreaker) countsAsFailure(ctx context.Context, err error) bool {
	// a caller giving up is not the dependency's fault
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return false
	}
	if cb.cfg.IsFailure == nil {
		return true
	}
	return cb.cfg.IsFailure(err)
}

func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	from := cb.state
	cb.advanceLocked()
	to := cb.state

	allowed := false
	switch cb.state {
	case StateClosed:
		allowed = true
	case StateHalfOpen:
		if cb.halfOpenCalls < cb.cfg.HalfOpenMaxCalls {
			cb.halfOpenCalls++
			allowed = true
		}
	}
	if allowed {
		cb.requestCount++
	} else {
		cb.rejectedCount++
	}
	cb.mu.Unlock()

	cb.notify(from, to)
	return allowed
}

// advanceLocked moves an open breaker to half-open once the timeout has passed
func (cb *CircuitBreaker) advanceLocked() {
	if cb.state == StateOpen && cb.now().Sub(cb.lastFailureTime) >= cb.cfg.Timeout {
		cb.state = StateHalfOpen
		cb.halfOpenCalls = 0
		cb.successCount = 0
	}
}

func (cb *CircuitBreaker) onSuccess() {
	cb.mu.Lock()
	from := cb.state
	switch cb.state {
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.cfg.HalfOpenMaxCalls {
			cb.reset()
		}
	case StateClosed:
		cb.failures = 0
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
}

func (cb *CircuitBreaker) onFailure() {
	cb.mu.Lock()
	from := cb.state
	cb.failures++
	cb.lastFailureTime = cb.now()

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.cfg.MaxFailures {
			cb.state = StateOpen
		}
	case StateHalfOpen:
		cb.state = StateOpen
	}
	to := cb.state
	failures := cb.failures
	cb.mu.Unlock()

	if to == StateOpen && from != StateOpen {
		cb.cfg.Logger.WithFields(logrus.Fields{
			"circuit_breaker": cb.cfg.Name,
			"failures":        failures,
		}).Warn("Circuit breaker opened due to failures")
	}
	cb.notify(from, to)
}

func (cb *CircuitBreaker) reset() {
	cb.state = StateClosed
	cb.failures = 0
	cb.successCount = 0
	cb.halfOpenCalls = 0
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from == to {
		return
	}
	if to != StateOpen {
		cb.cfg.Logger.WithFields(logrus.Fields{
			"circuit_breaker": cb.cfg.Name,
			"state":           to.String(),
		}).Info("Circuit breaker state changed")
	}
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// State returns the current state, moving to half-open if the open timeout has passed
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	from := cb.state
	cb.advanceLocked()
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
	return to
}

// Stats returns statistics about the circuit breaker
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		Name:            cb.cfg.Name,
		State:           cb.state,
		Failures:        cb.failures,
		Requests:        cb.requestCount,
		Rejected:        cb.rejectedCount,
		LastFailureTime: cb.lastFailureTime,
	}
}

// Stats represents circuit breaker statistics
type Stats struct {
	Name            string    `json:"name"`
	State           State     `json:"-"`
	Failures        uint32    `json:"failures"`
	Requests        uint64    `json:"requests"`
	Rejected        uint64    `json:"rejected"`
	LastFailureTime time.Time `json:"last_failure_time"`
}

// OpenError is returned instead of calling the dependency while the breaker is open
type OpenError struct {
	Name  string
	State State
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' is %s", e.Name, e.State)
}

// IsOpen reports whether err was produced by a rejecting breaker
func IsOpen(err error) bool {
	var openErr *OpenError
	return errors.As(err, &openErr)
}
