package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"portal_intelligence/internal/intelligence/domain"
	"portal_intelligence/internal/intelligence/ports"
	"portal_intelligence/internal/intelligence/repository"
	"portal_intelligence/platform/logger"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultBatchConcurrency = 5

var (
	errCancelRequested = fmt.Errorf("cancellation requested: %w", domain.ErrCancelled)
	errSuperseded      = errors.New("batch row superseded")
)

// BatchStore is the slice of the queue store the batch pool uses.
type BatchStore interface {
	ListDueBatches(ctx context.Context, now time.Time, limit int) ([]domain.QueueItem, error)
	ClaimBatch(ctx context.Context, id uuid.UUID, owner string) (domain.QueueItem, repository.ClaimOutcome, error)
	MarkCompleted(ctx context.Context, item domain.QueueItem) (domain.QueueItem, error)
	MarkFailed(ctx context.Context, item domain.QueueItem, message string) (domain.QueueItem, error)
	MarkCancelled(ctx context.Context, item domain.QueueItem) (domain.QueueItem, error)
	Release(ctx context.Context, item domain.QueueItem) (domain.QueueItem, error)
	Touch(ctx context.Context, item domain.QueueItem) error
}

// BatchPool runs one-shot recomputation workers for due batch items.
type BatchPool struct {
	store      BatchStore
	recomputer ports.OpportunityRecomputer
	hook       ports.PostProcessHook
	log        *logger.Logger
	cfg        PoolConfig
	now        func() time.Time

	mu      sync.Mutex
	running map[uuid.UUID]context.CancelCauseFunc
	wg      sync.WaitGroup
}

var _ ports.BatchCanceller = (*BatchPool)(nil)

func NewBatchPool(store BatchStore, recomputer ports.OpportunityRecomputer, hook ports.PostProcessHook, cfg PoolConfig, now func() time.Time, log *logger.Logger) *BatchPool {
	if now == nil {
		now = time.Now
	}
	return &BatchPool{
		store:      store,
		recomputer: recomputer,
		hook:       hook,
		log:        log,
		cfg:        cfg.withDefaults(defaultBatchConcurrency),
		now:        now,
		running:    make(map[uuid.UUID]context.CancelCauseFunc),
	}
}

// Run polls until ctx is done and then waits for workers to finish.
func (p *BatchPool) Run(ctx context.Context) {
	NewRepeater(p.cfg.PollInterval, p.Tick).Run(ctx)
	p.Wait()
}

// Tick starts a worker for every due batch item, up to the ceiling.
func (p *BatchPool) Tick(ctx context.Context) {
	due, err := p.store.ListDueBatches(ctx, p.now(), defaultListLimit)
	if err != nil {
		if ctx.Err() == nil {
			p.log.Warn("list due batches failed", "error", err)
		}
		return
	}
	for _, item := range due {
		if ctx.Err() != nil {
			return
		}
		if !p.start(ctx, item) && p.ActiveWorkers() >= p.cfg.Concurrency {
			return
		}
	}
}

// CancelBatch signals the running worker for the opportunity, if any.
func (p *BatchPool) CancelBatch(opportunityID uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cancel, ok := p.running[opportunityID]
	if ok {
		cancel(errCancelRequested)
	}
	return ok
}

// ActiveWorkers returns the number of running batch workers.
func (p *BatchPool) ActiveWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

// Wait blocks until every started worker has exited.
func (p *BatchPool) Wait() {
	p.wg.Wait()
}

func (p *BatchPool) start(ctx context.Context, item domain.QueueItem) bool {
	opportunityID := *item.OpportunityID

	p.mu.Lock()
	if _, ok := p.running[opportunityID]; ok || len(p.running) >= p.cfg.Concurrency {
		p.mu.Unlock()
		return false
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	p.running[opportunityID] = cancel
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.running, opportunityID)
			p.mu.Unlock()
			cancel(nil)
		}()
		p.runOnce(ctx, runCtx, cancel, item)
	}()
	return true
}

func (p *BatchPool) runOnce(ctx, runCtx context.Context, cancel context.CancelCauseFunc, item domain.QueueItem) {
	claimed, outcome, err := p.store.ClaimBatch(runCtx, item.ID, p.cfg.Owner)
	if err != nil {
		if runCtx.Err() == nil {
			p.log.Warn("claim batch failed", "itemId", item.ID, "error", err)
		}
		return
	}
	if outcome != repository.ClaimAcquired {
		return
	}

	opportunityID := *claimed.OpportunityID
	p.log.Info("batch reprocessing started", "itemId", claimed.ID, "opportunityId", opportunityID)

	heartbeatDone := p.heartbeat(runCtx, cancel, claimed)

	spanCtx, span := tracer.Start(runCtx, "intelligence.batch.recompute", trace.WithAttributes(
		attribute.String("queue.item_id", claimed.ID.String()),
		attribute.String("queue.opportunity_id", opportunityID.String()),
	))
	err = p.recomputer.Recompute(spanCtx, opportunityID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	cause := context.Cause(runCtx)
	cancel(nil)
	<-heartbeatDone

	writeCtx, cancelWrite := writeContext(ctx)
	defer cancelWrite()

	switch {
	case errors.Is(cause, errSuperseded):
		p.log.Info("batch reprocessing superseded", "itemId", claimed.ID, "opportunityId", opportunityID)

	case errors.Is(cause, errCancelRequested):
		if _, err := p.store.MarkCancelled(writeCtx, claimed); err != nil && !errors.Is(err, repository.ErrStale) {
			p.log.Warn("mark batch cancelled failed", "itemId", claimed.ID, "error", err)
		}
		p.log.Info("batch reprocessing cancelled", "itemId", claimed.ID, "opportunityId", opportunityID)

	case ctx.Err() != nil:
		if _, err := p.store.Release(writeCtx, claimed); err != nil && !errors.Is(err, repository.ErrStale) {
			p.log.Warn("release batch on shutdown failed", "itemId", claimed.ID, "error", err)
		}

	case err != nil:
		failed, markErr := p.store.MarkFailed(writeCtx, claimed, err.Error())
		if markErr != nil {
			if !errors.Is(markErr, repository.ErrStale) {
				p.log.Warn("mark batch failed", "itemId", claimed.ID, "error", markErr)
			}
			return
		}
		p.log.WithContext(spanCtx).Warn("batch reprocessing failed",
			"itemId", claimed.ID,
			"opportunityId", opportunityID,
			"retryCount", failed.RetryCount,
			"status", string(failed.Status),
			"error", err,
		)

	default:
		completed, err := p.store.MarkCompleted(writeCtx, claimed)
		if err != nil {
			if !errors.Is(err, repository.ErrStale) {
				p.log.Warn("mark batch completed failed", "itemId", claimed.ID, "error", err)
			}
			return
		}
		p.log.QueueItem("batch reprocessing completed", completed.ID.String(), string(completed.Kind), string(completed.Status),
			"opportunityId", opportunityID)
		if p.hook != nil {
			if err := p.hook.OpportunityReprocessed(writeCtx, completed); err != nil {
				p.log.Warn("batch post-process hook failed", "itemId", claimed.ID, "error", err)
			}
		}
	}
}

// heartbeat refreshes the claim every poll interval. When the row no longer
// matches the claim it cancels the run as superseded.
func (p *BatchPool) heartbeat(runCtx context.Context, cancel context.CancelCauseFunc, item domain.QueueItem) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(p.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
			}
			err := p.store.Touch(runCtx, item)
			if errors.Is(err, repository.ErrStale) {
				cancel(errSuperseded)
				return
			}
			if err != nil && runCtx.Err() == nil {
				p.log.Warn("batch heartbeat failed", "itemId", item.ID, "error", err)
			}
		}
	}()
	return done
}
