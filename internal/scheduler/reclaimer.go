package scheduler

import (
	"context"
	"time"

	"portal_intelligence/platform/logger"
)

const (
	defaultStuckTimeout    = 5 * time.Minute
	defaultReclaimInterval = 5 * time.Minute
)

// StuckResetter resets processing items whose last sign of life is too old.
type StuckResetter interface {
	ResetStuck(ctx context.Context, before time.Time) (int64, error)
}

// Reclaimer returns items abandoned by crashed workers to pending.
type Reclaimer struct {
	store    StuckResetter
	log      *logger.Logger
	timeout  time.Duration
	interval time.Duration
	now      func() time.Time
}

func NewReclaimer(store StuckResetter, timeout, interval time.Duration, now func() time.Time, log *logger.Logger) *Reclaimer {
	if timeout <= 0 {
		timeout = defaultStuckTimeout
	}
	if interval <= 0 {
		interval = defaultReclaimInterval
	}
	if now == nil {
		now = time.Now
	}
	return &Reclaimer{store: store, log: log, timeout: timeout, interval: interval, now: now}
}

func (r *Reclaimer) Run(ctx context.Context) {
	if r == nil || r.store == nil {
		return
	}
	NewRepeater(r.interval, func(ctx context.Context) {
		_, _ = r.ReclaimOnce(ctx)
	}).Run(ctx)
}

// ReclaimOnce runs a single reclaim pass.
func (r *Reclaimer) ReclaimOnce(ctx context.Context) (int64, error) {
	reset, err := r.store.ResetStuck(ctx, r.now().Add(-r.timeout))
	if err != nil {
		if ctx.Err() == nil {
			r.log.Warn("stuck item reclaim failed", "error", err)
		}
		return 0, err
	}
	if reset > 0 {
		r.log.Warn("reclaimed stuck queue items", "reset", reset, "timeout", r.timeout.String())
	}
	return reset, nil
}
