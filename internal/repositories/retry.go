package repositories

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"gorm.io/gorm"
)

const (
	storeRetryAttempts = 3
	storeRetryBase     = 200 * time.Millisecond
)

// withStoreRetry runs fn up to three times with jittered exponential backoff.
// Only transient store failures are retried; ErrRecordNotFound and context
// cancellation surface immediately. Used on the critical write paths (session
// upserts, delivery enqueue) where a momentary database hiccup must not lose
// auth state or drop an event.
func withStoreRetry(ctx context.Context, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt < storeRetryAttempts; attempt++ {
		if attempt > 0 {
			delay := storeRetryBase << (attempt - 1)
			delay += time.Duration(rand.Int63n(int64(delay)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, gorm.ErrRecordNotFound) || errors.Is(lastErr, context.Canceled) {
			return lastErr
		}
	}

	return lastErr
}
