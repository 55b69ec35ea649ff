package domain

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Action is the outcome of conflict resolution for one incoming event.
type Action string

const (
	ActionEnqueue       Action = "enqueue"
	ActionAppendToBatch Action = "append_to_batch"
	ActionRestartBatch  Action = "restart_batch"
	ActionScheduleBatch Action = "schedule_batch"
)

// Decide maps (historical, batch active) onto an action.
func Decide(historical, batchActive bool) Action {
	switch {
	case historical && batchActive:
		return ActionRestartBatch
	case batchActive:
		return ActionAppendToBatch
	case historical:
		return ActionScheduleBatch
	default:
		return ActionEnqueue
	}
}

// IsHistorical reports whether an event falls before watermark minus grace.
// An opportunity without a watermark has incorporated nothing yet, so every
// event is historical for it.
func IsHistorical(eventAt time.Time, watermark *time.Time, grace time.Duration) bool {
	if watermark == nil {
		return true
	}
	return eventAt.Before(watermark.Add(-grace))
}

// BatchConflict describes batch activity for a prospect's opportunities.
type BatchConflict struct {
	Pending bool `json:"pending"`
	Running bool `json:"running"`
}

// Active reports whether any batch is pending or running.
func (c BatchConflict) Active() bool {
	return c.Pending || c.Running
}

// OpportunityRef is the slice of an opportunity the resolver needs.
type OpportunityRef struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	Closed         bool
	UpdatedAt      time.Time
}

// SelectTargetOpportunity picks the opportunity an event should be attributed
// to: open opportunities before closed ones, then the most recently updated.
func SelectTargetOpportunity(refs []OpportunityRef) (OpportunityRef, bool) {
	if len(refs) == 0 {
		return OpportunityRef{}, false
	}
	sorted := make([]OpportunityRef, len(refs))
	copy(sorted, refs)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Closed != sorted[j].Closed {
			return !sorted[i].Closed
		}
		return sorted[i].UpdatedAt.After(sorted[j].UpdatedAt)
	})
	return sorted[0], true
}

// FailureOutcome applies the retry policy to a failed attempt.
func FailureOutcome(retryCount, maxRetries int) (int, ItemStatus) {
	next := retryCount + 1
	if next <= maxRetries {
		return next, StatusPending
	}
	return next, StatusFailed
}
