// Package service implements the intelligence queue's write paths: activity
// enqueueing, debounced batch scheduling and conflict resolution.
package service

import (
	"context"
	"errors"

	"portal_intelligence/internal/intelligence/domain"
	"portal_intelligence/internal/intelligence/repository"
	"portal_intelligence/platform/apperr"
	"portal_intelligence/platform/logger"
	"portal_intelligence/platform/validator"
)

// Enqueuer inserts activity items, idempotently per source event.
type Enqueuer struct {
	store      repository.ActivityQueue
	val        *validator.Validator
	maxRetries int
	log        *logger.Logger
}

// NewEnqueuer creates an Enqueuer. A maxRetries below zero uses the default.
func NewEnqueuer(store repository.ActivityQueue, val *validator.Validator, maxRetries int, log *logger.Logger) *Enqueuer {
	if maxRetries < 0 {
		maxRetries = domain.DefaultMaxRetries
	}
	return &Enqueuer{store: store, val: val, maxRetries: maxRetries, log: log}
}

// Validate checks the required fields of an activity event.
func (e *Enqueuer) Validate(event domain.ActivityEvent) error {
	if err := e.val.Struct(event); err != nil {
		return apperr.Validation("invalid activity event").
			WithOp("Enqueuer.Validate").
			WithDetails(validator.FieldErrors(err))
	}
	return nil
}

// EnqueueActivity inserts an activity item ordered by the event timestamp.
// When an item for the same source event exists it is returned unchanged.
func (e *Enqueuer) EnqueueActivity(ctx context.Context, event domain.ActivityEvent) (domain.QueueItem, error) {
	if err := e.Validate(event); err != nil {
		return domain.QueueItem{}, err
	}

	sourceID := event.SourceKey()
	item, err := e.store.InsertActivity(ctx, repository.InsertActivityParams{
		ProspectID:      event.ProspectID,
		OrganizationID:  event.OrganizationID,
		SourceEventID:   sourceID,
		SourceEventKind: event.Kind,
		EventTimestamp:  event.OccurredAt,
		Priority:        event.Priority(),
		MaxRetries:      e.maxRetries,
	})
	if errors.Is(err, repository.ErrDuplicate) {
		existing, getErr := e.store.GetActivityBySource(ctx, sourceID, event.Kind)
		if getErr != nil {
			return domain.QueueItem{}, apperr.Wrap(apperr.KindInternal, "load existing activity item", getErr).WithOp("Enqueuer.EnqueueActivity")
		}
		e.log.Debug("activity already queued", "sourceEventId", sourceID, "itemId", existing.ID)
		return existing, nil
	}
	if err != nil {
		e.log.DatabaseError("insert activity item", err)
		return domain.QueueItem{}, apperr.Wrap(apperr.KindInternal, "enqueue activity", err).WithOp("Enqueuer.EnqueueActivity")
	}

	e.log.Debug("activity queued",
		"itemId", item.ID,
		"prospectId", event.ProspectID,
		"sourceEventId", sourceID,
		"priority", item.Priority,
	)
	return item, nil
}
