package service

import (
	"context"
	"time"

	"portal_intelligence/internal/intelligence/domain"
	"portal_intelligence/internal/intelligence/ports"
	"portal_intelligence/platform/apperr"
	"portal_intelligence/platform/logger"

	"github.com/google/uuid"
)

const (
	reasonHistorical       = "historical activity"
	reasonHistoricalDuring = "historical activity during batch"
)

// ResolverStore is the slice of the queue store the Resolver reads and writes.
type ResolverStore interface {
	CompletePendingActivityForProspect(ctx context.Context, prospectID uuid.UUID) (int64, error)
	BatchConflictFor(ctx context.Context, opportunityIDs []uuid.UUID) (domain.BatchConflict, error)
}

// Resolution reports what happened to one incoming event.
type Resolution struct {
	Action        domain.Action     `json:"action"`
	OpportunityID *uuid.UUID        `json:"opportunityId,omitempty"`
	Historical    bool              `json:"historical"`
	Item          *domain.QueueItem `json:"item,omitempty"`
	Superseded    int64             `json:"superseded"`
}

// Resolver decides per event whether to enqueue it, fold it into a batch,
// schedule a batch, or restart one.
type Resolver struct {
	lookup    ports.OpportunityLookup
	store     ResolverStore
	enqueuer  *Enqueuer
	debouncer *Debouncer
	grace     time.Duration
	log       *logger.Logger
}

// NewResolver creates a Resolver.
func NewResolver(lookup ports.OpportunityLookup, store ResolverStore, enqueuer *Enqueuer, debouncer *Debouncer, grace time.Duration, log *logger.Logger) *Resolver {
	return &Resolver{
		lookup:    lookup,
		store:     store,
		enqueuer:  enqueuer,
		debouncer: debouncer,
		grace:     grace,
		log:       log,
	}
}

// HandleActivity routes an incoming event. Only validation failures are
// returned as apperr.KindValidation; everything else is internal.
func (r *Resolver) HandleActivity(ctx context.Context, event domain.ActivityEvent) (Resolution, error) {
	const op = "Resolver.HandleActivity"

	if err := r.enqueuer.Validate(event); err != nil {
		return Resolution{}, err
	}

	refs, err := r.lookup.OpportunitiesForProspect(ctx, event.ProspectID)
	if err != nil {
		return Resolution{}, apperr.Wrap(apperr.KindInternal, "load opportunities", err).WithOp(op)
	}
	target, ok := domain.SelectTargetOpportunity(refs)
	if !ok {
		item, err := r.enqueuer.EnqueueActivity(ctx, event)
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{Action: domain.ActionEnqueue, Item: &item}, nil
	}

	watermark, err := r.lookup.LastWatermark(ctx, target.ID)
	if err != nil {
		return Resolution{}, apperr.Wrap(apperr.KindInternal, "load watermark", err).WithOp(op)
	}
	conflict, err := r.store.BatchConflictFor(ctx, []uuid.UUID{target.ID})
	if err != nil {
		return Resolution{}, apperr.Wrap(apperr.KindInternal, "check batch conflict", err).WithOp(op)
	}

	historical := domain.IsHistorical(event.OccurredAt, watermark, r.grace)
	res := Resolution{
		Action:        domain.Decide(historical, conflict.Active()),
		OpportunityID: &target.ID,
		Historical:    historical,
	}
	req := ReprocessRequest{
		OpportunityID:  target.ID,
		OrganizationID: &target.OrganizationID,
		ProspectID:     &event.ProspectID,
	}

	switch res.Action {
	case domain.ActionEnqueue:
		item, err := r.enqueuer.EnqueueActivity(ctx, event)
		if err != nil {
			return Resolution{}, err
		}
		res.Item = &item

	case domain.ActionAppendToBatch:
		r.log.Debug("activity folded into active batch",
			"prospectId", event.ProspectID,
			"opportunityId", target.ID,
			"sourceEventId", event.SourceKey(),
		)

	case domain.ActionRestartBatch:
		req.Reason = reasonHistoricalDuring
		item, err := r.debouncer.RestartReprocessing(ctx, req)
		if err != nil {
			return Resolution{}, err
		}
		res.Item = &item

	case domain.ActionScheduleBatch:
		// Pending items are only superseded once a batch exists to cover them.
		req.Reason = reasonHistorical
		item, err := r.debouncer.ScheduleReprocessing(ctx, req)
		if err != nil {
			return Resolution{}, err
		}
		res.Item = &item
		superseded, err := r.store.CompletePendingActivityForProspect(ctx, event.ProspectID)
		if err != nil {
			return Resolution{}, apperr.Wrap(apperr.KindInternal, "supersede pending activity", err).WithOp(op)
		}
		res.Superseded = superseded
	}

	r.log.Info("activity resolved",
		"prospectId", event.ProspectID,
		"opportunityId", target.ID,
		"action", string(res.Action),
		"historical", historical,
	)
	return res, nil
}

// ActiveBatchConflict reports batch activity across every opportunity the
// prospect belongs to.
func (r *Resolver) ActiveBatchConflict(ctx context.Context, prospectID uuid.UUID) (domain.BatchConflict, error) {
	refs, err := r.lookup.OpportunitiesForProspect(ctx, prospectID)
	if err != nil {
		return domain.BatchConflict{}, err
	}
	if len(refs) == 0 {
		return domain.BatchConflict{}, nil
	}
	ids := make([]uuid.UUID, len(refs))
	for i, ref := range refs {
		ids[i] = ref.ID
	}
	return r.store.BatchConflictFor(ctx, ids)
}

// OpportunityStructureChanged schedules a batch after contacts were added or
// removed, or other structural edits.
func (r *Resolver) OpportunityStructureChanged(ctx context.Context, req ReprocessRequest) (domain.QueueItem, error) {
	return r.debouncer.ScheduleReprocessing(ctx, req)
}
