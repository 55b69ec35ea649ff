// Package repository provides the durable store of the intelligence queue.
package repository

import (
	"bytes"
	"context"
	"errors"
	"time"

	"portal_intelligence/internal/intelligence/domain"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when no queue item matches.
	ErrNotFound = errors.New("queue item not found")
	// ErrDuplicate is returned when an insert hits a uniqueness constraint.
	ErrDuplicate = errors.New("queue item already exists")
	// ErrStale is returned when a conditional write matched no row because the
	// item changed since it was read.
	ErrStale = errors.New("queue item changed concurrently")
)

// ClaimOutcome reports the result of a claim attempt.
type ClaimOutcome int

const (
	// ClaimEmpty means there was nothing to claim.
	ClaimEmpty ClaimOutcome = iota
	// ClaimAcquired means the returned item now belongs to the caller.
	ClaimAcquired
	// ClaimBusy means another worker holds the prospect; try again later.
	ClaimBusy
)

// InsertActivityParams describes a new activity item.
type InsertActivityParams struct {
	ProspectID      uuid.UUID
	OrganizationID  *uuid.UUID
	SourceEventID   string
	SourceEventKind domain.EventKind
	EventTimestamp  time.Time
	Priority        int64
	MaxRetries      int
}

// InsertBatchParams describes a new batch reprocessing item.
type InsertBatchParams struct {
	OpportunityID  uuid.UUID
	OrganizationID *uuid.UUID
	ProspectID     *uuid.UUID
	ScheduledFor   time.Time
	Reason         string
	Priority       int64
	MaxRetries     int
}

// RescheduleBatchParams moves an existing batch row back to pending.
// The write only applies while the row still has Version and one of
// ExpectStatuses. A row that was processing gets error message "cancelled".
type RescheduleBatchParams struct {
	ID             uuid.UUID
	Version        int64
	ExpectStatuses []domain.ItemStatus
	ScheduledFor   time.Time
	Reason         string
	Priority       int64
	ResetRetries   bool
}

// PendingProspect is a prospect with pending activity and the priority of
// its most urgent item. The last entry of a page is the cursor for the next.
type PendingProspect struct {
	ProspectID uuid.UUID
	Priority   int64
}

// After reports whether p sorts after the cursor c.
func (p PendingProspect) After(c PendingProspect) bool {
	if p.Priority != c.Priority {
		return p.Priority > c.Priority
	}
	return bytes.Compare(p.ProspectID[:], c.ProspectID[:]) > 0
}

// ActivityQueue manages the per-prospect activity track.
type ActivityQueue interface {
	InsertActivity(ctx context.Context, params InsertActivityParams) (domain.QueueItem, error)
	GetActivityBySource(ctx context.Context, sourceEventID string, kind domain.EventKind) (domain.QueueItem, error)
	// ListProspectsWithPendingActivity pages through prospects that have
	// pending activity and no item already processing, ordered by priority
	// and then prospect id. A nil cursor starts at the first page.
	ListProspectsWithPendingActivity(ctx context.Context, after *PendingProspect, limit int) ([]PendingProspect, error)
	ClaimNextActivity(ctx context.Context, prospectID uuid.UUID, owner string) (domain.QueueItem, ClaimOutcome, error)
	CompletePendingActivityForProspect(ctx context.Context, prospectID uuid.UUID) (int64, error)
}

// BatchQueue manages the per-opportunity batch track.
type BatchQueue interface {
	GetBatchByOpportunity(ctx context.Context, opportunityID uuid.UUID) (domain.QueueItem, error)
	InsertBatch(ctx context.Context, params InsertBatchParams) (domain.QueueItem, error)
	RescheduleBatch(ctx context.Context, params RescheduleBatchParams) (domain.QueueItem, error)
	DeletePendingBatch(ctx context.Context, opportunityID uuid.UUID) (bool, error)
	ListDueBatches(ctx context.Context, now time.Time, limit int) ([]domain.QueueItem, error)
	ClaimBatch(ctx context.Context, id uuid.UUID, owner string) (domain.QueueItem, ClaimOutcome, error)
	BatchConflictFor(ctx context.Context, opportunityIDs []uuid.UUID) (domain.BatchConflict, error)
}

// ItemLifecycle moves claimed items to their next state. Every write is
// conditional on the item's version and status; a mismatch is ErrStale.
type ItemLifecycle interface {
	GetByID(ctx context.Context, id uuid.UUID) (domain.QueueItem, error)
	MarkCompleted(ctx context.Context, item domain.QueueItem) (domain.QueueItem, error)
	MarkFailed(ctx context.Context, item domain.QueueItem, message string) (domain.QueueItem, error)
	MarkCancelled(ctx context.Context, item domain.QueueItem) (domain.QueueItem, error)
	Release(ctx context.Context, item domain.QueueItem) (domain.QueueItem, error)
	Touch(ctx context.Context, item domain.QueueItem) error
	Retry(ctx context.Context, id uuid.UUID) (domain.QueueItem, error)
}

// Maintenance covers operator and background housekeeping.
type Maintenance interface {
	ResetStuck(ctx context.Context, before time.Time) (int64, error)
	PurgeCompleted(ctx context.Context, before time.Time) (int64, error)
	Stats(ctx context.Context) ([]domain.StatusCount, error)
}

// Store is the full queue store.
type Store interface {
	ActivityQueue
	BatchQueue
	ItemLifecycle
	Maintenance
}

var (
	_ Store = (*Repository)(nil)
	_ Store = (*MemoryStore)(nil)
)
