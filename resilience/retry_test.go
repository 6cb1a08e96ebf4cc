package resilience

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jean-moorman/ForestForTheTrees-sub004/core"
)

func fastRetryConfig() RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 10 * time.Millisecond
	cfg.Jitter = 0
	return cfg
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastRetryConfig(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("flaky: %w", core.ErrTransient)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryStopsOnNonRetryableError(t *testing.T) {
	attempts := 0
	sentinel := fmt.Errorf("bad input: %w", core.ErrInvalidConfiguration)
	err := Retry(context.Background(), fastRetryConfig(), func(context.Context) error {
		attempts++
		return sentinel
	})
	require.ErrorIs(t, err, core.ErrInvalidConfiguration)
	assert.NotErrorIs(t, err, core.ErrMaxRetriesExceeded)
	assert.Equal(t, 1, attempts, "non-retryable errors must not be retried")
}

func TestRetryExhaustsAttemptBudget(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastRetryConfig(), func(context.Context) error {
		attempts++
		return fmt.Errorf("still down: %w", core.ErrTransient)
	})
	require.ErrorIs(t, err, core.ErrMaxRetriesExceeded)
	assert.Equal(t, 3, attempts, "MaxAttempts bounds total tries including the first")
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	cfg := fastRetryConfig()
	cfg.InitialDelay = time.Second
	cfg.MaxAttempts = 5

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Retry(ctx, cfg, func(context.Context) error {
		attempts++
		return fmt.Errorf("down: %w", core.ErrTransient)
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "cancellation must cut the backoff wait short")
}

func TestRetryConfigValidation(t *testing.T) {
	cfg := fastRetryConfig()
	cfg.MaxAttempts = 0
	require.ErrorIs(t, Retry(context.Background(), cfg, func(context.Context) error { return nil }), core.ErrInvalidConfiguration)

	cfg = fastRetryConfig()
	cfg.Multiplier = 0.5
	require.ErrorIs(t, Retry(context.Background(), cfg, func(context.Context) error { return nil }), core.ErrInvalidConfiguration)

	cfg = fastRetryConfig()
	cfg.Jitter = 2
	require.ErrorIs(t, Retry(context.Background(), cfg, func(context.Context) error { return nil }), core.ErrInvalidConfiguration)
}

func TestApplyJitterBounds(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 50; i++ {
		d := applyJitter(base, 0.2)
		assert.GreaterOrEqual(t, d, 80*time.Millisecond)
		assert.LessOrEqual(t, d, 120*time.Millisecond)
	}
	assert.Equal(t, base, applyJitter(base, 0))
}
