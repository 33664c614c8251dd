package resilience

import (
	"context"
	"time"
)

// RetryConfig controls [Retry] behaviour.
type RetryConfig struct {
	// MaxRetries is the number of retry attempts after the initial call.
	// 0 means the function runs exactly once.
	MaxRetries int

	// InitialBackoff is the wait before the first retry; it doubles on each
	// subsequent retry. Default: 500ms.
	InitialBackoff time.Duration

	// OnRetry, when non-nil, is invoked before each retry with the attempt
	// number (1-based) and the error that triggered it.
	OnRetry func(attempt int, err error)
}

// Retry runs fn up to 1+MaxRetries times with doubling backoff between
// attempts. It stops early when fn succeeds, when fn reports a permanent
// error via retryable=false, or when ctx is cancelled. The error from the
// last attempt is returned; on cancellation mid-backoff the context error is
// returned instead.
func Retry(ctx context.Context, cfg RetryConfig, fn func() (err error, retryable bool)) error {
	backoff := cfg.InitialBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		err, retryable := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !retryable || attempt >= cfg.MaxRetries {
			return lastErr
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
}
