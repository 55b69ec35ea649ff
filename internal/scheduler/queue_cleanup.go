package scheduler

import (
	"context"
	"time"

	"portal_intelligence/platform/logger"
)

const (
	defaultQueueCleanupInterval   = time.Hour
	defaultCompletedItemRetention = 7 * 24 * time.Hour
)

// CompletedPurger deletes completed items older than a cutoff.
type CompletedPurger interface {
	PurgeCompleted(ctx context.Context, before time.Time) (int64, error)
}

// QueueCleanup periodically removes old completed queue items. Failed items
// stay for operator inspection.
type QueueCleanup struct {
	store     CompletedPurger
	log       *logger.Logger
	interval  time.Duration
	retention time.Duration
	now       func() time.Time
}

func NewQueueCleanup(store CompletedPurger, interval, retention time.Duration, now func() time.Time, log *logger.Logger) *QueueCleanup {
	if interval <= 0 {
		interval = defaultQueueCleanupInterval
	}
	if retention <= 0 {
		retention = defaultCompletedItemRetention
	}
	if now == nil {
		now = time.Now
	}
	return &QueueCleanup{store: store, log: log, interval: interval, retention: retention, now: now}
}

func (c *QueueCleanup) Run(ctx context.Context) {
	if c == nil || c.store == nil {
		return
	}
	NewRepeater(c.interval, func(ctx context.Context) {
		_, _ = c.CleanupOnce(ctx)
	}).Run(ctx)
}

// CleanupOnce runs a single purge pass.
func (c *QueueCleanup) CleanupOnce(ctx context.Context) (int64, error) {
	deleted, err := c.store.PurgeCompleted(ctx, c.now().Add(-c.retention))
	if err != nil {
		c.log.Warn("intelligence queue cleanup failed", "error", err)
		return 0, err
	}
	if deleted > 0 {
		c.log.Info("intelligence queue cleanup deleted completed items", "deleted", deleted)
	}
	return deleted, nil
}
