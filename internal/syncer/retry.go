// ABOUTME: Retry with exponential backoff for adapter calls.
// ABOUTME: Only transient errors are retried; each attempt gets its own timeout.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harperreed/healthsync/internal/models"
)

type retryPolicy struct {
	maxRetries int
	base       time.Duration
	max        time.Duration
	timeout    time.Duration
}

// retryWithBackoff runs fn until it succeeds, fails permanently, or retries
// run out. ctx governs whether another attempt may start; callCtx is the
// parent of each attempt so in-flight calls can outlive ctx. An attempt that
// hits its own timeout counts as transient.
func retryWithBackoff(ctx, callCtx context.Context, p retryPolicy, fn func(context.Context) error) (int, error) {
	var lastErr error
	backoff := p.base

	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return attempt, lastErr
			}
			return attempt, err
		}

		attemptCtx, cancel := context.WithTimeout(callCtx, p.timeout)
		err := fn(attemptCtx)
		timedOut := errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && callCtx.Err() == nil
		cancel()

		if err == nil {
			return attempt + 1, nil
		}
		if timedOut && !models.IsRetryable(err) {
			err = fmt.Errorf("attempt timed out after %s: %w", p.timeout, models.ErrTransientIO)
		}
		lastErr = err

		if !models.IsRetryable(err) || attempt == p.maxRetries {
			return attempt + 1, err
		}

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
			backoff *= 2
			if backoff > p.max {
				backoff = p.max
			}
		case <-ctx.Done():
			timer.Stop()
			return attempt + 1, lastErr
		}
	}
	return p.maxRetries + 1, lastErr
}
