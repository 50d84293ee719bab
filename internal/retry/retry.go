// Package retry provides the bounded-backoff retry helper shared by the
// persistence call sites in the portfolio core and order manager (§4.5,
// §4.7: "persist fails, retry with bounded backoff").
package retry

import (
	"context"
	"time"
)

// Do calls fn up to attempts times, waiting baseDelay*2^i between attempt i
// and i+1, doubling each time. It returns nil on the first success, or the
// last error if every attempt fails. It returns ctx.Err() immediately if
// ctx is cancelled between attempts.
func Do(ctx context.Context, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	delay := baseDelay
	for i := 0; i < attempts; i++ {
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if i == attempts-1 {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		delay *= 2
	}
	return lastErr
}
