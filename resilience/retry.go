package resilience

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/jean-moorman/ForestForTheTrees-sub004/core"
)

// RetryConfig holds configuration for retry behavior
type RetryConfig struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// InitialDelay is the wait before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration
	// Multiplier grows the delay between attempts.
	Multiplier float64
	// Jitter randomizes each delay by up to this fraction in either
	// direction, spreading retries from concurrent callers.
	Jitter float64
	// RetryIf decides whether an error is worth another attempt.
	// Defaults to core.IsRetryable.
	RetryIf func(error) bool
	Logger  core.Logger
}

// DefaultRetryConfig returns production-ready retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
		RetryIf:      core.IsRetryable,
		Logger:       &core.NoOpLogger{},
	}
}

// Validate validates the retry configuration.
func (c *RetryConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d: %w", c.MaxAttempts, core.ErrInvalidConfiguration)
	}
	if c.Multiplier < 1.0 {
		return fmt.Errorf("multiplier must be at least 1.0, got %f: %w", c.Multiplier, core.ErrInvalidConfiguration)
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		return fmt.Errorf("jitter must be in [0,1], got %f: %w", c.Jitter, core.ErrInvalidConfiguration)
	}
	return nil
}

// Retry runs fn with exponential backoff until it succeeds, exhausts the
// attempt budget, hits a non-retryable error, or the context ends. The last
// error is wrapped with core.ErrMaxRetriesExceeded on exhaustion.
func Retry(ctx context.Context, config RetryConfig, fn func(ctx context.Context) error) error {
	if config.RetryIf == nil {
		config.RetryIf = core.IsRetryable
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if err := config.Validate(); err != nil {
		return err
	}

	delay := config.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry abandoned: %w", err)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !config.RetryIf(lastErr) {
			return lastErr
		}
		if attempt == config.MaxAttempts {
			break
		}

		wait := applyJitter(delay, config.Jitter)
		config.Logger.Debug("Retrying after failure", map[string]interface{}{
			"operation": "retry",
			"attempt":   attempt,
			"wait_ms":   wait.Milliseconds(),
			"error":     lastErr.Error(),
		})

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return fmt.Errorf("retry abandoned: %w", ctx.Err())
		}

		delay = time.Duration(float64(delay) * config.Multiplier)
		if config.MaxDelay > 0 && delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}

	return fmt.Errorf("%w after %d attempts: %v", core.ErrMaxRetriesExceeded, config.MaxAttempts, lastErr)
}

func applyJitter(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 || d <= 0 {
		return d
	}
	// Uniform in [1-jitter, 1+jitter].
	factor := 1 + jitter*(2*rand.Float64()-1)
	return time.Duration(float64(d) * factor)
}
