package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

// InitializeWithRetry attempts session initialization with exponential
// backoff. A refused attempt (ErrSessionExists) is not transient and aborts
// immediately; other setup failures are retried up to maxAttempts.
func InitializeWithRetry(ctx context.Context, m *Manager, maxAttempts int, logger *slog.Logger) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			// Exponential backoff with jitter to prevent thundering herd.
			base := time.Duration(attempt*attempt) * time.Second
			jitter := time.Duration(rand.Int63n(int64(base/2 + 1)))
			backoff := base + jitter
			logger.Warn("retrying channel initialization", "attempt", attempt+1, "backoff", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		err := m.Initialize(ctx)
		if err == nil {
			return nil
		}
		if err == ErrSessionExists {
			return err
		}
		lastErr = err
		logger.Warn("channel initialization failed, will retry", "error", err)
	}

	return fmt.Errorf("channel initialization failed after %d attempts: %w", maxAttempts, lastErr)
}
