package retry

import (
	"context"
	"math/rand/v2"
	"time"

	"peerchat/internal/models"
)

const jitterFraction = 0.25

// BackoffConfig contains configuration for exponential backoff
type BackoffConfig struct {
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
	Multiplier   float64       `json:"multiplier"`
	MaxAttempts  int           `json:"max_attempts"`
	Jitter       bool          `json:"jitter"`
}

// DefaultBackoffConfig returns a sensible default configuration
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  5,
		Jitter:       true,
	}
}

// FromRetryConfig builds the backoff used between scheduled delivery attempts.
// Scheduled retries do not jitter so due times stay predictable.
func FromRetryConfig(cfg models.RetryConfig) BackoffConfig {
	return BackoffConfig{
		InitialDelay: time.Duration(cfg.InitialBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.MaxBackoffMs) * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  cfg.MaxAttempts,
		Jitter:       false,
	}
}

// Backoff implements exponential backoff with optional jitter
type Backoff struct {
	config BackoffConfig
}

// NewBackoff creates a new exponential backoff instance
func NewBackoff(config BackoffConfig) *Backoff {
	if config.Multiplier < 1 {
		config.Multiplier = 1
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	return &Backoff{config: config}
}

// Retry runs operation until it succeeds, attempts run out, or ctx ends.
func (b *Backoff) Retry(ctx context.Context, operation func() error) error {
	return b.RetryWithPredicate(ctx, operation, func(error) bool { return true })
}

// RetryWithPredicate is Retry that stops early on errors isRetryable rejects.
func (b *Backoff) RetryWithPredicate(ctx context.Context, operation func() error, isRetryable func(error) bool) error {
	var lastErr error

	for attempt := 1; attempt <= b.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) || attempt == b.config.MaxAttempts {
			break
		}

		timer := time.NewTimer(b.calculateDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return lastErr
}

func (b *Backoff) calculateDelay(attempt int) time.Duration {
	delay := float64(b.config.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= b.config.Multiplier
		if b.config.MaxDelay > 0 && delay > float64(b.config.MaxDelay) {
			break
		}
	}

	if b.config.MaxDelay > 0 && delay > float64(b.config.MaxDelay) {
		delay = float64(b.config.MaxDelay)
	}

	if b.config.Jitter {
		delay += (rand.Float64() - 0.5) * 2 * delay * jitterFraction
		if delay < 0 {
			delay = float64(b.config.InitialDelay)
		}
		if b.config.MaxDelay > 0 && delay > float64(b.config.MaxDelay) {
			delay = float64(b.config.MaxDelay)
		}
	}

	return time.Duration(delay)
}

// GetNextDelay returns the delay that follows the given attempt number.
func (b *Backoff) GetNextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return b.calculateDelay(attempt)
}
