package stream

import (
	"context"
	"time"
)

// waitBackoff sleeps for d in step increments, checking keep after each
// step. Returns false as soon as ctx is done or keep reports false.
func waitBackoff(ctx context.Context, d, step time.Duration, keep func() bool) bool {
	if step <= 0 || step > d {
		step = d
	}
	if d <= 0 {
		return ctx.Err() == nil && keep()
	}

	ticker := time.NewTicker(step)
	defer ticker.Stop()

	deadline := time.Now().Add(d)
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
		if !keep() {
			return false
		}
		if !time.Now().Before(deadline) {
			return true
		}
	}
}
