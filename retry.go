package txmap

import (
	"context"
	"errors"
	log "log/slog"
	"time"

	"github.com/sethvargo/go-retry"
)

// DefaultRetryBackoff is the base duration of the Fibonacci backoff used when none is given.
const DefaultRetryBackoff = 50 * time.Millisecond

// RetryWithBackoff executes task with Fibonacci backoff from base, up to maxRetries retries.
// Only errors for which ShouldRetry reports true are retried.
// If retries are exhausted, gaveUpTask is invoked (when not nil) and the final error is returned.
func RetryWithBackoff(ctx context.Context, base time.Duration, maxRetries int, task func(ctx context.Context) error, gaveUpTask func(ctx context.Context)) error {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if base <= 0 {
		base = DefaultRetryBackoff
	}
	b := retry.WithMaxRetries(uint64(maxRetries), retry.NewFibonacci(base))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		if err := task(ctx); err != nil {
			if ShouldRetry(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		if ShouldRetry(err) {
			log.Warn(err.Error() + ", gave up")
			if gaveUpTask != nil {
				gaveUpTask(ctx)
			}
		}
		return err
	}
	return nil
}

// ShouldRetry reports whether the error is retryable.
// Context cancellations are permanent. Of the txmap coded errors only CommitVetoed
// is retryable; a vetoed unit of work can succeed in a fresh transaction.
// Other errors (e.g. transient I/O) are treated as retryable.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var txe Error
	if errors.As(err, &txe) {
		return txe.Code == CommitVetoed
	}
	return true
}
