// Package retry implements the exponential backoff primitive used by the
// satellite engines for transient I/O failures.
package retry

import (
	"context"
	"time"

	"github.com/zeebo/errs"
)

// Error is the default retry errs class.
var Error = errs.Class("retry")

// MaxAttempts is the default attempt budget for transient failures.
const MaxAttempts = 10

// Unlimited makes Do retry until the context is canceled. Used for local
// database-locked errors, where the database is expected to become available.
const Unlimited = -1

// Sleep waits 2^(attempt+1) seconds or until the context is canceled.
func Sleep(ctx context.Context, attempt int) error {
	delay := time.Duration(1<<uint(attempt+1)) * time.Second
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs fn until it succeeds, until shouldRetry rejects the error, or until
// the attempt budget is exhausted. A nil shouldRetry retries every error.
func Do(ctx context.Context, maxAttempts int, shouldRetry func(error) bool, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if shouldRetry != nil && !shouldRetry(err) {
			return err
		}
		if maxAttempts != Unlimited && attempt >= maxAttempts-1 {
			return err
		}
		if err := Sleep(ctx, attempt); err != nil {
			return Error.Wrap(err)
		}
	}
}
