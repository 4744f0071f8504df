// File: internal/recovery/retry.go
package recovery

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"
)

// RetryConfig parameterizes exponential backoff. The delay before attempt
// i (zero-based, counting retries) is min(initial * base^i, max).
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	ExpBase      float64
}

// DefaultRetryConfig mirrors the documented defaults: 3 retries, 100ms
// initial delay, 5s ceiling, doubling.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		ExpBase:      2.0,
	}
}

// Delay returns the backoff duration preceding retry attempt i.
func (c RetryConfig) Delay(attempt int) time.Duration {
	d := float64(c.InitialDelay) * math.Pow(c.ExpBase, float64(attempt))
	if max := float64(c.MaxDelay); d > max {
		d = max
	}
	return time.Duration(d)
}

// Retry invokes op up to MaxRetries+1 times, sleeping the backoff sequence
// between attempts. Only errors the policy classifies as retryable are
// retried; the last error is returned. Retry never retries implicitly on
// behalf of a caller: the caller chose to route the operation through here.
func Retry(ctx context.Context, logger *zap.Logger, cfg RetryConfig, op func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := cfg.Delay(attempt - 1)
			logger.Debug("Retrying after backoff",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !Retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// WithFallback runs primary; if it fails with a perception error that
// advertises a fallback, the fallback runs exactly once. A fallback failure
// surfaces the original error.
func WithFallback[T any](ctx context.Context, primary func(context.Context) (T, error), fallback func(context.Context) (T, error)) (T, error) {
	out, err := primary(ctx)
	if err == nil {
		return out, nil
	}
	if Classify(err) != UseFallback || fallback == nil {
		return out, err
	}

	fbOut, fbErr := fallback(ctx)
	if fbErr != nil {
		return out, err
	}
	return fbOut, nil
}
