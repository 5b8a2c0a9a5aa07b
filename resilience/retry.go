package resilience

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/agentspilot/pilot/core"
)

// BackoffType defines backoff strategies
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffLinear      BackoffType = "linear"
	BackoffExponential BackoffType = "exponential"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts   int
	Backoff       BackoffType
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	JitterEnabled bool
}

// DefaultRetryConfig provides sensible defaults
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		Backoff:       BackoffExponential,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		JitterEnabled: true,
	}
}

// Delay returns the wait before the given attempt (1-based).
func (c *RetryConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var delay time.Duration
	switch c.Backoff {
	case BackoffLinear:
		delay = c.InitialDelay * time.Duration(attempt)
	case BackoffExponential:
		shift := attempt - 1
		if shift > 30 { // cap to avoid overflow
			shift = 30
		}
		delay = c.InitialDelay * time.Duration(1<<uint(shift))
	default:
		delay = c.InitialDelay
	}
	if c.MaxDelay > 0 && delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	if c.JitterEnabled {
		jitter := time.Duration(float64(delay) * 0.1 * math.Sin(float64(attempt)))
		delay += jitter
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// Retry executes a function with retry logic
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		// Check context
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		// Don't sleep after the last attempt
		if attempt == config.MaxAttempts {
			break
		}

		// Sleep with context cancellation
		timer := time.NewTimer(config.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("max retry attempts (%d) exceeded for %v: %w", config.MaxAttempts, lastErr, core.ErrMaxRetriesExceeded)
}
