package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentspilot/pilot/core"
)

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	cfg := &RetryConfig{MaxAttempts: 3, Backoff: BackoffFixed, InitialDelay: time.Millisecond}

	calls := 0
	err := Retry(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	cfg := &RetryConfig{MaxAttempts: 2, Backoff: BackoffFixed, InitialDelay: time.Millisecond}

	calls := 0
	err := Retry(context.Background(), cfg, func() error {
		calls++
		return errors.New("persistent")
	})
	assert.ErrorIs(t, err, core.ErrMaxRetriesExceeded)
	assert.Contains(t, err.Error(), "persistent")
	assert.Equal(t, 2, calls)
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := &RetryConfig{MaxAttempts: 10, Backoff: BackoffFixed, InitialDelay: 50 * time.Millisecond}

	calls := 0
	err := Retry(ctx, cfg, func() error {
		calls++
		cancel()
		return errors.New("boom")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetryNilConfigUsesDefaults(t *testing.T) {
	err := Retry(context.Background(), nil, func() error { return nil })
	assert.NoError(t, err)
}

func TestDelayBackoffShapes(t *testing.T) {
	fixed := &RetryConfig{Backoff: BackoffFixed, InitialDelay: 100 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, fixed.Delay(1))
	assert.Equal(t, 100*time.Millisecond, fixed.Delay(5))

	linear := &RetryConfig{Backoff: BackoffLinear, InitialDelay: 100 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, linear.Delay(1))
	assert.Equal(t, 300*time.Millisecond, linear.Delay(3))

	exp := &RetryConfig{Backoff: BackoffExponential, InitialDelay: 100 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, exp.Delay(1))
	assert.Equal(t, 400*time.Millisecond, exp.Delay(3))
}

func TestDelayCapsAndClamps(t *testing.T) {
	cfg := &RetryConfig{Backoff: BackoffExponential, InitialDelay: time.Second, MaxDelay: 2 * time.Second}
	assert.Equal(t, 2*time.Second, cfg.Delay(10))

	// Attempts below 1 are treated as the first attempt.
	assert.Equal(t, time.Second, cfg.Delay(0))

	// The overflow guard keeps huge attempt numbers finite.
	assert.Equal(t, 2*time.Second, cfg.Delay(64))
}

func TestDelayJitterStaysNonNegative(t *testing.T) {
	cfg := &RetryConfig{Backoff: BackoffFixed, InitialDelay: time.Millisecond, JitterEnabled: true}
	for attempt := 1; attempt <= 20; attempt++ {
		assert.GreaterOrEqual(t, cfg.Delay(attempt), time.Duration(0))
	}
}
