package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

// ErrPollTimeout matches every *TimeoutError
var ErrPollTimeout = errors.New("poll deadline exceeded")

var errNotReady = errors.New("result not ready")

// PollConfig bounds a fixed-interval polling loop
type PollConfig struct {
	InitialDelay time.Duration
	Interval     time.Duration
	Timeout      time.Duration
	// MaxAttempts caps the number of checks; zero means only Timeout applies
	MaxAttempts int
}

// TimeoutError reports a polling loop that ran out of time or attempts
type TimeoutError struct {
	Attempts int
	Timeout  time.Duration
	Last     error
}

func (e *TimeoutError) Error() string {
	if e.Last != nil && !errors.Is(e.Last, errNotReady) {
		return fmt.Sprintf("gave up after %d attempts in %s: %v", e.Attempts, e.Timeout, e.Last)
	}
	return fmt.Sprintf("gave up after %d attempts in %s", e.Attempts, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrPollTimeout }

func (e *TimeoutError) Unwrap() error { return e.Last }

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as ending a Poll immediately
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// CheckFunc reports whether the polled condition holds. A false result or a
// plain error schedules another check; a Permanent error stops polling.
type CheckFunc func(ctx context.Context) (bool, error)

// Poll calls check every Interval until it reports done, the context ends, or
// the Timeout/MaxAttempts bound is reached. It returns the number of checks made.
func Poll(ctx context.Context, cfg PollConfig, check CheckFunc) (int, error) {
	if cfg.Interval <= 0 {
		return 0, fmt.Errorf("poll interval must be positive")
	}

	if cfg.InitialDelay > 0 {
		timer := time.NewTimer(cfg.InitialDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return 0, ctx.Err()
		case <-timer.C:
		}
	}

	policy := goretry.NewConstant(cfg.Interval)
	if cfg.MaxAttempts > 0 {
		policy = goretry.WithMaxRetries(uint64(cfg.MaxAttempts-1), policy)
	}
	if cfg.Timeout > 0 {
		policy = goretry.WithMaxDuration(cfg.Timeout, policy)
	}

	attempts := 0
	var lastErr error
	err := goretry.Do(ctx, policy, func(ctx context.Context) error {
		attempts++
		done, err := check(ctx)
		if err == nil && done {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm
		}
		if err == nil {
			err = errNotReady
		}
		lastErr = err
		return goretry.RetryableError(err)
	})

	var perm *permanentError
	switch {
	case err == nil:
		return attempts, nil
	case ctx.Err() != nil:
		return attempts, ctx.Err()
	case errors.As(err, &perm):
		return attempts, perm.err
	default:
		return attempts, &TimeoutError{Attempts: attempts, Timeout: cfg.Timeout, Last: lastErr}
	}
}
