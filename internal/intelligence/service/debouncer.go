package service

import (
	"context"
	"errors"
	"time"

	"portal_intelligence/internal/intelligence/domain"
	"portal_intelligence/internal/intelligence/ports"
	"portal_intelligence/internal/intelligence/repository"
	"portal_intelligence/platform/apperr"
	"portal_intelligence/platform/logger"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

const (
	conflictRetryDelay = 10 * time.Millisecond
	conflictRetries    = 5
)

// ReprocessRequest asks for a full recomputation of one opportunity.
type ReprocessRequest struct {
	OpportunityID  uuid.UUID
	OrganizationID *uuid.UUID
	ProspectID     *uuid.UUID
	Reason         string
}

// BatchStore is the slice of the queue store the Debouncer writes to.
type BatchStore interface {
	repository.BatchQueue
	MarkCancelled(ctx context.Context, item domain.QueueItem) (domain.QueueItem, error)
}

// Debouncer keeps at most one batch row per opportunity and pushes its
// deadline out on every request.
type Debouncer struct {
	store      BatchStore
	window     time.Duration
	maxRetries int
	now        func() time.Time
	canceller  ports.BatchCanceller
	log        *logger.Logger
}

// NewDebouncer creates a Debouncer. A nil clock uses time.Now.
func NewDebouncer(store BatchStore, window time.Duration, maxRetries int, now func() time.Time, log *logger.Logger) *Debouncer {
	if now == nil {
		now = time.Now
	}
	if maxRetries < 0 {
		maxRetries = domain.DefaultMaxRetries
	}
	return &Debouncer{store: store, window: window, maxRetries: maxRetries, now: now, log: log}
}

// SetCanceller wires the in-process signal for running batches.
func (d *Debouncer) SetCanceller(canceller ports.BatchCanceller) {
	d.canceller = canceller
}

// withConflictRetry reruns a read-modify-write while it loses races.
func withConflictRetry[T any](ctx context.Context, op func() (T, error)) (T, error) {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(conflictRetryDelay), conflictRetries),
		ctx,
	)
	return backoff.RetryWithData(func() (T, error) {
		result, err := op()
		if err == nil || errors.Is(err, repository.ErrStale) || errors.Is(err, repository.ErrDuplicate) {
			return result, err
		}
		return result, backoff.Permanent(err)
	}, policy)
}

// ScheduleReprocessing creates or re-arms the opportunity's batch row so it
// runs one debounce window after the latest request. A running batch is left
// alone.
func (d *Debouncer) ScheduleReprocessing(ctx context.Context, req ReprocessRequest) (domain.QueueItem, error) {
	item, err := withConflictRetry(ctx, func() (domain.QueueItem, error) {
		return d.scheduleOnce(ctx, req)
	})
	if err != nil {
		d.log.Error("schedule reprocessing failed", "opportunityId", req.OpportunityID, "error", err)
		return domain.QueueItem{}, apperr.Wrap(apperr.KindInternal, "schedule reprocessing", err).WithOp("Debouncer.ScheduleReprocessing")
	}
	return item, nil
}

func (d *Debouncer) scheduleOnce(ctx context.Context, req ReprocessRequest) (domain.QueueItem, error) {
	now := d.now()
	runAt := now.Add(d.window)

	existing, err := d.store.GetBatchByOpportunity(ctx, req.OpportunityID)
	if errors.Is(err, repository.ErrNotFound) {
		item, insertErr := d.store.InsertBatch(ctx, repository.InsertBatchParams{
			OpportunityID:  req.OpportunityID,
			OrganizationID: req.OrganizationID,
			ProspectID:     req.ProspectID,
			ScheduledFor:   runAt,
			Reason:         req.Reason,
			Priority:       domain.BatchPriority(now),
			MaxRetries:     d.maxRetries,
		})
		if errors.Is(insertErr, repository.ErrDuplicate) {
			// Another caller inserted first; its row is the result.
			winner, getErr := d.store.GetBatchByOpportunity(ctx, req.OpportunityID)
			if errors.Is(getErr, repository.ErrNotFound) {
				return domain.QueueItem{}, repository.ErrStale
			}
			return winner, getErr
		}
		if insertErr == nil {
			d.log.Info("batch reprocessing scheduled", "opportunityId", req.OpportunityID, "scheduledFor", runAt, "reason", req.Reason)
		}
		return item, insertErr
	}
	if err != nil {
		return domain.QueueItem{}, err
	}

	switch existing.Status {
	case domain.StatusProcessing:
		d.log.Debug("batch already running, request absorbed", "opportunityId", req.OpportunityID, "reason", req.Reason)
		return existing, nil
	case domain.StatusPending:
		item, err := d.store.RescheduleBatch(ctx, repository.RescheduleBatchParams{
			ID:             existing.ID,
			Version:        existing.Version,
			ExpectStatuses: []domain.ItemStatus{domain.StatusPending},
			ScheduledFor:   runAt,
			Reason:         req.Reason,
			Priority:       domain.BatchPriority(now),
		})
		if err == nil {
			d.log.Debug("batch reprocessing debounced", "opportunityId", req.OpportunityID, "scheduledFor", runAt, "reason", req.Reason)
		}
		return item, err
	default:
		item, err := d.store.RescheduleBatch(ctx, repository.RescheduleBatchParams{
			ID:             existing.ID,
			Version:        existing.Version,
			ExpectStatuses: []domain.ItemStatus{domain.StatusCompleted, domain.StatusFailed},
			ScheduledFor:   runAt,
			Reason:         req.Reason,
			Priority:       domain.BatchPriority(now),
			ResetRetries:   true,
		})
		if err == nil {
			d.log.Info("batch reprocessing re-armed", "opportunityId", req.OpportunityID, "scheduledFor", runAt, "reason", req.Reason)
		}
		return item, err
	}
}

// CancelReprocessing removes a pending batch row. A running batch is marked
// cancelled in the store, which its worker observes on the next heartbeat,
// and signalled directly when it runs in this process.
func (d *Debouncer) CancelReprocessing(ctx context.Context, opportunityID uuid.UUID) (bool, error) {
	const op = "Debouncer.CancelReprocessing"

	deleted, err := d.store.DeletePendingBatch(ctx, opportunityID)
	if err != nil {
		return false, apperr.Wrap(apperr.KindInternal, "cancel reprocessing", err).WithOp(op)
	}
	if deleted {
		d.log.Info("pending batch reprocessing cancelled", "opportunityId", opportunityID)
		return true, nil
	}

	existing, err := d.store.GetBatchByOpportunity(ctx, opportunityID)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Wrap(apperr.KindInternal, "cancel reprocessing", err).WithOp(op)
	}
	if existing.Status != domain.StatusProcessing {
		return false, nil
	}

	if _, err := d.store.MarkCancelled(ctx, existing); err != nil && !errors.Is(err, repository.ErrStale) {
		return false, apperr.Wrap(apperr.KindInternal, "cancel running batch", err).WithOp(op)
	}
	if d.canceller != nil {
		d.canceller.CancelBatch(opportunityID)
	}
	d.log.Info("running batch reprocessing cancelled", "opportunityId", opportunityID)
	return true, nil
}

// RestartReprocessing supersedes any pending or running batch for the
// opportunity with a fresh one a full window out. The row is rescheduled in
// place, so the running worker loses its claim and unwinds.
func (d *Debouncer) RestartReprocessing(ctx context.Context, req ReprocessRequest) (domain.QueueItem, error) {
	type restart struct {
		item       domain.QueueItem
		wasRunning bool
		restarted  bool
	}

	result, err := withConflictRetry(ctx, func() (restart, error) {
		existing, err := d.store.GetBatchByOpportunity(ctx, req.OpportunityID)
		if errors.Is(err, repository.ErrNotFound) {
			return restart{}, nil
		}
		if err != nil {
			return restart{}, err
		}
		if !existing.IsActive() {
			return restart{}, nil
		}
		now := d.now()
		item, err := d.store.RescheduleBatch(ctx, repository.RescheduleBatchParams{
			ID:             existing.ID,
			Version:        existing.Version,
			ExpectStatuses: []domain.ItemStatus{domain.StatusPending, domain.StatusProcessing},
			ScheduledFor:   now.Add(d.window),
			Reason:         req.Reason,
			Priority:       domain.BatchPriority(now),
		})
		if err != nil {
			return restart{}, err
		}
		return restart{item: item, wasRunning: existing.Status == domain.StatusProcessing, restarted: true}, nil
	})
	if err != nil {
		d.log.Error("restart reprocessing failed", "opportunityId", req.OpportunityID, "error", err)
		return domain.QueueItem{}, apperr.Wrap(apperr.KindInternal, "restart reprocessing", err).WithOp("Debouncer.RestartReprocessing")
	}
	if !result.restarted {
		return d.ScheduleReprocessing(ctx, req)
	}

	if result.wasRunning && d.canceller != nil {
		d.canceller.CancelBatch(req.OpportunityID)
	}
	d.log.Info("batch reprocessing restarted",
		"opportunityId", req.OpportunityID,
		"wasRunning", result.wasRunning,
		"scheduledFor", result.item.ScheduledFor,
		"reason", req.Reason,
	)
	return result.item, nil
}
