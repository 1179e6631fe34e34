package engine

import (
	"context"
	"time"
)

// Scheduler waits between ticks.
type Scheduler interface {
	Wait(ctx context.Context, d time.Duration) error
}

// TimerScheduler waits on a wall-clock timer.
type TimerScheduler struct{}

// Wait blocks for d or until ctx is done.
func (TimerScheduler) Wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
