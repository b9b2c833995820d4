package session

import (
	"context"
	"time"

	"github.com/HyphaGroup/warden/internal/logger"
)

// RetryPolicy bounds retries of retryable infrastructure failures
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      float64
}

// DefaultRetryPolicy matches the documented defaults
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, Factor: 2}
}

// withRetry runs fn up to MaxAttempts times with exponential backoff.
// Only retryable SessionErrors are retried; everything else returns
// immediately. The last error is returned when attempts exhaust.
func withRetry(ctx context.Context, policy RetryPolicy, op string, fn func(ctx context.Context) error) error {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	delay := policy.BaseDelay
	var err error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil || !IsRetryable(err) {
			return err
		}
		if attempt == policy.MaxAttempts {
			break
		}

		logger.WarnContext(ctx, "retrying after transient failure",
			"operation", op, "attempt", attempt, "delay", delay.String(), "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * policy.Factor)
	}
	return err
}
