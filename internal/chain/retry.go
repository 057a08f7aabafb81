package chain

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/rangekeeper/apm/internal/logger"
)

// BackoffPolicy is the single retry policy for the whole pipeline. It wraps
// idempotent reads only; transaction submissions go through unretried.
type BackoffPolicy struct {
	MaxAttempts uint
	BaseDelay   time.Duration
}

// DefaultBackoffPolicy retries four times starting at two seconds, doubling.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{MaxAttempts: 4, BaseDelay: 2 * time.Second}
}

// Do runs fn, retrying on classified-retryable errors with exponential
// backoff. name identifies the call in logs.
func (p BackoffPolicy) Do(ctx context.Context, name string, fn func() error) error {
	retryLogger := logger.GetForComponent("backoff")

	return retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(p.MaxAttempts),
		retry.Delay(p.BaseDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(IsRetryable),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			retryLogger.Warn().
				Str("call", name).
				Uint("attempt", attempt+1).
				Err(err).
				Msg("Transient error, backing off before retry")
		}),
	)
}
