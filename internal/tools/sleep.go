package tools

import (
	"context"
	"time"
)

// Sleep waits for d or until ctx is done. Settle and cooldown delays
// go through here so an interrupt cuts them short.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
