package reconnect

import (
	"context"
	"time"
)

// Schedule defines the backoff durations for successive reconnect attempts.
var Schedule = []time.Duration{
	time.Second, time.Second, time.Second,
	5 * time.Second, 5 * time.Second, 5 * time.Second,
	15 * time.Second, 15 * time.Second, 15 * time.Second,
}

// Delay returns the backoff duration for the given attempt.
// Attempts beyond the length of the schedule default to 30 seconds.
func Delay(attempt int) time.Duration {
	if attempt < len(Schedule) {
		return Schedule[attempt]
	}
	return 30 * time.Second
}

// Loop runs fn until ctx ends. fn reports whether a connection was
// established before it returned; an established connection resets the
// backoff schedule. When retry is false the first error is returned as is.
func Loop(ctx context.Context, retry bool, fn func(context.Context) (bool, error), onRetry func(delay time.Duration, err error)) error {
	attempt := 0
	for {
		connected, err := fn(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !retry {
			return err
		}
		if connected {
			attempt = 0
		}
		delay := Delay(attempt)
		attempt++
		if onRetry != nil {
			onRetry(delay, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
