package scheduler

import (
	"context"
	"time"
)

// Repeater runs fn immediately and then every interval until ctx is done.
type Repeater struct {
	interval time.Duration
	fn       func(ctx context.Context)
}

func NewRepeater(interval time.Duration, fn func(ctx context.Context)) *Repeater {
	if interval <= 0 {
		interval = time.Second
	}
	return &Repeater{interval: interval, fn: fn}
}

func (r *Repeater) Run(ctx context.Context) {
	if r == nil || r.fn == nil {
		return
	}

	r.fn(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.fn(ctx)
		}
	}
}

// sleepCtx waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
