package ledger

import (
	"context"
	"errors"
	"time"
)

// Poll calls check up to attempts times, waiting interval between calls,
// until it reports done. A check error counts as a failed attempt; the
// last one is returned with ErrPollExhausted. Poll never spins unbounded.
func Poll(ctx context.Context, attempts int, interval time.Duration, check func(ctx context.Context) (bool, error)) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			timer := time.NewTimer(interval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		done, err := check(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			continue
		}
		if done {
			return nil
		}
	}
	if lastErr != nil {
		return errors.Join(ErrPollExhausted, lastErr)
	}
	return ErrPollExhausted
}
