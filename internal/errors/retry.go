package errors

import (
	"context"
	"time"
)

// RetryDelay is the pause before the single retry attempt.
const RetryDelay = 250 * time.Millisecond

// RetryOnce executes fn and, if it fails with a retryable error, retries it
// exactly once after a short delay. Non-retryable errors surface immediately.
// No operation is ever silently retried more than once.
func RetryOnce(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil || !IsRetryable(err) {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(RetryDelay):
	}

	return fn()
}
