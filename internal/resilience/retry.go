package resilience

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"

	"imovelbot/internal/faults"
	"imovelbot/internal/observability"
)

type RetryPolicy struct {
	MaxAttempts   uint
	BaseDelay     time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   3,
		BaseDelay:     1 * time.Second,
		BackoffFactor: 2.0,
		MaxDelay:      30 * time.Second,
	}
}

// Retry runs op with exponential backoff plus uniform jitter, retrying only
// faults the classifier marks retryable. Every attempt is logged under the
// caller's correlation ID.
func Retry(ctx context.Context, logger *zap.Logger, corr observability.Correlation, policy RetryPolicy, name string, op func(context.Context) error) error {
	attempt := 0
	return retry.Do(
		func() error {
			attempt++
			err := op(ctx)
			if err != nil && attempt < int(policy.MaxAttempts) {
				logger.Warn("retryable operation failed",
					append(corr.Fields(),
						zap.String("operation", name),
						zap.Int("attempt", attempt),
						zap.Error(err))...)
			}
			return err
		},
		retry.Context(ctx),
		retry.Attempts(policy.MaxAttempts),
		retry.Delay(policy.BaseDelay),
		retry.MaxDelay(policy.MaxDelay),
		retry.MaxJitter(policy.BaseDelay),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.RetryIf(faults.Retryable),
		retry.LastErrorOnly(true),
	)
}
