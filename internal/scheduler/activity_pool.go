package scheduler

import (
	"context"
	"errors"
	"sync"

	"portal_intelligence/internal/intelligence/domain"
	"portal_intelligence/internal/intelligence/ports"
	"portal_intelligence/internal/intelligence/repository"
	"portal_intelligence/platform/logger"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultActivityConcurrency = 10

// ActivityStore is the slice of the queue store the activity pool uses.
type ActivityStore interface {
	ListProspectsWithPendingActivity(ctx context.Context, after *repository.PendingProspect, limit int) ([]repository.PendingProspect, error)
	ClaimNextActivity(ctx context.Context, prospectID uuid.UUID, owner string) (domain.QueueItem, repository.ClaimOutcome, error)
	MarkCompleted(ctx context.Context, item domain.QueueItem) (domain.QueueItem, error)
	MarkFailed(ctx context.Context, item domain.QueueItem, message string) (domain.QueueItem, error)
	Release(ctx context.Context, item domain.QueueItem) (domain.QueueItem, error)
}

// ConflictChecker reports batch activity for a prospect's opportunities.
type ConflictChecker interface {
	ActiveBatchConflict(ctx context.Context, prospectID uuid.UUID) (domain.BatchConflict, error)
}

// ActivityPool runs at most one worker per prospect with pending activity.
// Each worker drains its prospect's queue in priority order and exits when
// the queue is empty or a batch takes over.
type ActivityPool struct {
	store     ActivityStore
	conflicts ConflictChecker
	processor ports.AnalyticsProcessor
	hook      ports.PostProcessHook
	log       *logger.Logger
	cfg       PoolConfig

	mu     sync.Mutex
	active map[uuid.UUID]struct{}
	wg     sync.WaitGroup
}

func NewActivityPool(store ActivityStore, conflicts ConflictChecker, processor ports.AnalyticsProcessor, hook ports.PostProcessHook, cfg PoolConfig, log *logger.Logger) *ActivityPool {
	return &ActivityPool{
		store:     store,
		conflicts: conflicts,
		processor: processor,
		hook:      hook,
		log:       log,
		cfg:       cfg.withDefaults(defaultActivityConcurrency),
		active:    make(map[uuid.UUID]struct{}),
	}
}

// Run polls until ctx is done and then waits for workers to finish.
func (p *ActivityPool) Run(ctx context.Context) {
	NewRepeater(p.cfg.PollInterval, p.Tick).Run(ctx)
	p.Wait()
}

// Tick starts workers for prospects that have pending activity and no
// active batch, up to the concurrency ceiling. It pages past skipped
// prospects until the ceiling is reached or the listing runs out.
func (p *ActivityPool) Tick(ctx context.Context) {
	var after *repository.PendingProspect
	for ctx.Err() == nil && p.ActiveWorkers() < p.cfg.Concurrency {
		page, err := p.store.ListProspectsWithPendingActivity(ctx, after, defaultListLimit)
		if err != nil {
			if ctx.Err() == nil {
				p.log.Warn("list prospects with pending activity failed", "error", err)
			}
			return
		}

		for _, pending := range page {
			if ctx.Err() != nil || p.ActiveWorkers() >= p.cfg.Concurrency {
				return
			}
			if p.isActive(pending.ProspectID) {
				continue
			}
			conflict, err := p.conflicts.ActiveBatchConflict(ctx, pending.ProspectID)
			if err != nil {
				p.log.Warn("batch conflict check failed", "prospectId", pending.ProspectID, "error", err)
				continue
			}
			if conflict.Active() {
				continue
			}
			p.start(ctx, pending.ProspectID)
		}

		if len(page) < defaultListLimit {
			return
		}
		after = &page[len(page)-1]
	}
}

// ActiveWorkers returns the number of running prospect workers.
func (p *ActivityPool) ActiveWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// Wait blocks until every started worker has exited.
func (p *ActivityPool) Wait() {
	p.wg.Wait()
}

func (p *ActivityPool) isActive(prospectID uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.active[prospectID]
	return ok
}

func (p *ActivityPool) start(ctx context.Context, prospectID uuid.UUID) {
	p.mu.Lock()
	if _, ok := p.active[prospectID]; ok || len(p.active) >= p.cfg.Concurrency {
		p.mu.Unlock()
		return
	}
	p.active[prospectID] = struct{}{}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.active, prospectID)
			p.mu.Unlock()
		}()
		p.drain(ctx, prospectID)
	}()
}

func (p *ActivityPool) drain(ctx context.Context, prospectID uuid.UUID) {
	p.log.Debug("activity worker started", "prospectId", prospectID)
	defer p.log.Debug("activity worker stopped", "prospectId", prospectID)

	for ctx.Err() == nil {
		conflict, err := p.conflicts.ActiveBatchConflict(ctx, prospectID)
		if err != nil {
			p.log.Warn("batch conflict check failed", "prospectId", prospectID, "error", err)
			return
		}
		if conflict.Active() {
			p.log.Debug("batch reprocessing took over prospect", "prospectId", prospectID)
			return
		}

		item, outcome, err := p.store.ClaimNextActivity(ctx, prospectID, p.cfg.Owner)
		if err != nil {
			if ctx.Err() == nil {
				p.log.Warn("claim activity failed", "prospectId", prospectID, "error", err)
			}
			return
		}

		switch outcome {
		case repository.ClaimEmpty:
			return
		case repository.ClaimBusy:
			// Another process holds the prospect; free the slot for the next tick.
			p.log.Debug("prospect busy elsewhere", "prospectId", prospectID)
			return
		}

		p.execute(ctx, item)

		if !sleepCtx(ctx, p.cfg.Yield) {
			return
		}
	}
}

func (p *ActivityPool) execute(ctx context.Context, item domain.QueueItem) {
	spanCtx, span := tracer.Start(ctx, "intelligence.activity.process", trace.WithAttributes(
		attribute.String("queue.item_id", item.ID.String()),
		attribute.String("queue.prospect_id", item.ProspectID.String()),
		attribute.Int64("queue.priority", item.Priority),
	))
	err := p.processor.ProcessActivity(spanCtx, item)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	writeCtx, cancel := writeContext(ctx)
	defer cancel()

	if err != nil && ctx.Err() != nil {
		if _, relErr := p.store.Release(writeCtx, item); relErr != nil && !errors.Is(relErr, repository.ErrStale) {
			p.log.Warn("release activity on shutdown failed", "itemId", item.ID, "error", relErr)
		}
		return
	}

	if err != nil {
		failed, markErr := p.store.MarkFailed(writeCtx, item, err.Error())
		if markErr != nil {
			p.log.Warn("mark activity failed", "itemId", item.ID, "error", markErr)
			return
		}
		p.log.WithContext(spanCtx).Warn("activity processing failed",
			"itemId", item.ID,
			"prospectId", item.ProspectID,
			"retryCount", failed.RetryCount,
			"status", string(failed.Status),
			"error", err,
		)
		return
	}

	completed, err := p.store.MarkCompleted(writeCtx, item)
	if errors.Is(err, repository.ErrStale) {
		p.log.Warn("activity claim lost before completion", "itemId", item.ID)
		return
	}
	if err != nil {
		p.log.Warn("mark activity completed failed", "itemId", item.ID, "error", err)
		return
	}
	p.log.QueueItem("activity processed", completed.ID.String(), string(completed.Kind), string(completed.Status),
		"prospectId", item.ProspectID)

	if p.hook != nil {
		if err := p.hook.ActivityProcessed(writeCtx, completed); err != nil {
			p.log.Warn("activity post-process hook failed", "itemId", item.ID, "error", err)
		}
	}
}
