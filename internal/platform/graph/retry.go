package graph

import (
	"context"
	"errors"
	"time"
)

type retryConfig struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

func defaultRetryConfig() retryConfig {
	return retryConfig{maxAttempts: 3, baseDelay: 500 * time.Millisecond, maxDelay: 5 * time.Second}
}

// retryDo runs fn with exponential backoff. Only transient failures
// (429s and 5xx responses) are retried; everything else surfaces
// immediately.
func retryDo[T any](ctx context.Context, cfg retryConfig, fn func() (T, error)) (T, error) {
	var zero T
	delay := cfg.baseDelay

	var lastErr error
	for attempt := 0; attempt < cfg.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > cfg.maxDelay {
				delay = cfg.maxDelay
			}
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.Retryable() {
			return zero, err
		}
	}
	return zero, lastErr
}
