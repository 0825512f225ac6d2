package ledger

import (
	"context"
	"time"

	"github.com/warp/budget-engine/logger"
)

// Retry runs fn up to attempts times while it fails with a retryable error.
// fn must redo the whole mutation, reads included; partial progress is never
// resumed. Backoff grows linearly from 10ms.
func Retry(ctx context.Context, attempts int, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil || !IsRetryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}

		log := logger.FromContext(ctx)
		log.Warn().Err(err).Int("attempt", i+1).Msg("serialization conflict, retrying mutation")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i+1) * 10 * time.Millisecond):
		}
	}
	return err
}
