package retry

import (
	"context"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

// BackoffConfig contains configuration for exponential backoff
type BackoffConfig struct {
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
	MaxAttempts  int           `json:"max_attempts"`
	Jitter       bool          `json:"jitter"`
}

// DefaultBackoffConfig returns a sensible default configuration
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		MaxAttempts:  5,
		Jitter:       true,
	}
}

// Backoff retries operations with capped exponential delays
type Backoff struct {
	config BackoffConfig
}

// NewBackoff creates a new exponential backoff instance
func NewBackoff(config BackoffConfig) *Backoff {
	if config.InitialDelay <= 0 {
		config.InitialDelay = DefaultBackoffConfig().InitialDelay
	}
	if config.MaxDelay < config.InitialDelay {
		config.MaxDelay = config.InitialDelay
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	return &Backoff{config: config}
}

// policy builds a fresh go-retry backoff; they are stateful and single use
func (b *Backoff) policy() goretry.Backoff {
	policy := goretry.NewExponential(b.config.InitialDelay)
	policy = goretry.WithCappedDuration(b.config.MaxDelay, policy)
	if b.config.Jitter {
		policy = goretry.WithJitterPercent(25, policy)
	}
	return goretry.WithMaxRetries(uint64(b.config.MaxAttempts-1), policy)
}

// Retry executes the operation until it succeeds or attempts run out
func (b *Backoff) Retry(ctx context.Context, operation func() error) error {
	return b.RetryWithPredicate(ctx, operation, func(error) bool { return true })
}

// RetryWithPredicate executes the operation, retrying only errors isRetryable accepts
func (b *Backoff) RetryWithPredicate(ctx context.Context, operation func() error, isRetryable func(error) bool) error {
	return goretry.Do(ctx, b.policy(), func(ctx context.Context) error {
		err := operation()
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		return goretry.RetryableError(err)
	})
}
