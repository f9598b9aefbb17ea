package downloader

import (
	"context"
	"math"
	"time"

	"github.com/rip-stream/ripstream/internal/config"
)

// retryDelay computes the wait before the next attempt, given the zero-based
// index of the attempt that just failed.
func retryDelay(b *config.Behavior, attempt int) time.Duration {
	switch b.RetryStrategy {
	case config.RetryNone:
		return 0
	case config.RetryLinear:
		return b.RetryDelay * time.Duration(attempt+1)
	case config.RetryFixedDelay:
		return b.RetryDelay
	case config.RetryExponential:
		return time.Duration(float64(b.RetryDelay) * math.Pow(b.RetryBackoffFactor, float64(attempt)))
	default:
		return b.RetryDelay
	}
}

// waitForRetry sleeps for delay or until ctx is done, whichever comes first,
// and reports whether the wait ran to completion.
func waitForRetry(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
