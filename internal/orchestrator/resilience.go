package orchestrator

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy is a task's retry budget: up to Retries further attempts,
// each started Delay after the previous one failed.
type RetryPolicy struct {
	Retries int
	Delay   time.Duration
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOffContext {
	retries := uint64(max(p.Retries, 0))
	return backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Delay), retries),
		ctx,
	)
}

// retryTask calls attempt until it succeeds, returns a backoff.Permanent
// error or the policy is exhausted. attempt receives the 1-based attempt
// number. onRetry, when set, runs before each wait.
//
// The returned error is the last attempt's error, or ctx.Err() when the
// context ended while waiting.
func retryTask(ctx context.Context, p RetryPolicy, attempt func(n int) error, onRetry func(n int, err error, delay time.Duration)) error {
	n := 0
	operation := func() error {
		n++
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		return attempt(n)
	}
	notify := func(err error, delay time.Duration) {
		if onRetry != nil {
			onRetry(n, err, delay)
		}
	}
	return backoff.RetryNotify(operation, p.backOff(ctx), notify)
}
