package store

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// DefaultPollInterval is the cadence at which polling backends re-check for work.
const DefaultPollInterval = 125 * time.Millisecond

// Poll calls try until it reports done, timeout elapses or ctx is cancelled.
// Attempts are paced by a limiter at one per interval; nothing is held between attempts.
// A timeout returns (false, nil); cancellation returns ctx.Err().
func Poll(ctx context.Context, interval, timeout time.Duration, try func(ctx context.Context) (bool, error)) (bool, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	deadline := time.Now().Add(timeout)

	limiter := rate.NewLimiter(rate.Every(interval), 1)
	limiter.Allow() // the first attempt runs immediately and spends the burst token

	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		done, err := try(ctx)
		if err != nil || done {
			return done, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}

		waitCtx, cancel := context.WithDeadline(ctx, deadline)
		err = limiter.Wait(waitCtx)
		cancel()
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		// The next slot falls after the deadline: wait it out and try one last time.
		if err := sleep(ctx, time.Until(deadline)); err != nil {
			return false, err
		}
		return try(ctx)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
