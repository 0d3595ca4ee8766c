// Package retry provides capped exponential backoff and a bounded retry loop.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Backoff computes capped exponential delays
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Factor int
}

// Delay returns the wait before the given retry. attempt is 1-indexed:
// attempt 1 waits Base, attempt 2 waits Base*Factor, and so on up to Max.
func (b Backoff) Delay(attempt int) time.Duration {
	factor := b.Factor
	if factor < 2 {
		factor = 2
	}
	delay := b.Base
	for i := 1; i < attempt; i++ {
		delay *= time.Duration(factor)
		if b.Max > 0 && delay >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && delay > b.Max {
		return b.Max
	}
	return delay
}

// Config controls a retry loop
type Config struct {
	// MaxAttempts is the total number of calls including the first.
	MaxAttempts int
	Backoff     Backoff
	// Retryable decides whether an error is worth another attempt. nil retries everything.
	Retryable func(err error) bool
	// OnRetry runs after a failed attempt, before sleeping.
	OnRetry func(attempt int, err error)
}

// Do calls fn until it succeeds, returns a non-retryable error, runs out of
// attempts, or ctx is done. The last error is returned unwrapped.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if cfg.Retryable != nil && !cfg.Retryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr)
		}

		timer := time.NewTimer(cfg.Backoff.Delay(attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled after attempt %d: %w", attempt, ctx.Err())
		}
	}
	return lastErr
}
