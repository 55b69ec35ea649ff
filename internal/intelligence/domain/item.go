// Package domain holds the intelligence queue model and its pure policies.
package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ItemKind distinguishes the two tracks of the queue.
type ItemKind string

const (
	KindActivity       ItemKind = "activity"
	KindBatchReprocess ItemKind = "batch_reprocess"
)

// ItemStatus is the lifecycle state of a queue item.
type ItemStatus string

const (
	StatusPending    ItemStatus = "pending"
	StatusProcessing ItemStatus = "processing"
	StatusCompleted  ItemStatus = "completed"
	StatusFailed     ItemStatus = "failed"
)

// EventKind is the closed set of activity sources.
type EventKind string

const (
	EventEmail   EventKind = "email"
	EventMeeting EventKind = "meeting"
	EventNote    EventKind = "note"
	EventCall    EventKind = "call"
)

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	switch k {
	case EventEmail, EventMeeting, EventNote, EventCall:
		return true
	}
	return false
}

const (
	// DefaultMaxRetries is the retry budget of a new item.
	DefaultMaxRetries = 3
	// CancelledMessage is the error message recorded for superseded batches.
	CancelledMessage = "cancelled"
	// BatchPriorityOffset lifts batch priorities above any epoch-millis activity priority.
	BatchPriorityOffset int64 = 1 << 50
)

// ErrCancelled is the context cause a running recomputation observes when
// its batch is cancelled.
var ErrCancelled = errors.New("batch reprocessing cancelled")

// QueueItem is the single persistent entity of the queue.
type QueueItem struct {
	ID             uuid.UUID  `json:"id"`
	Kind           ItemKind   `json:"kind"`
	ProspectID     *uuid.UUID `json:"prospectId,omitempty"`
	OrganizationID *uuid.UUID `json:"organizationId,omitempty"`

	SourceEventID   *string    `json:"sourceEventId,omitempty"`
	SourceEventKind *EventKind `json:"sourceEventKind,omitempty"`
	EventTimestamp  *time.Time `json:"eventTimestamp,omitempty"`

	OpportunityID  *uuid.UUID `json:"opportunityId,omitempty"`
	ScheduledFor   *time.Time `json:"scheduledFor,omitempty"`
	DebounceReason *string    `json:"debounceReason,omitempty"`

	Status                ItemStatus `json:"status"`
	Priority              int64      `json:"priority"`
	AddedAt               time.Time  `json:"addedAt"`
	ProcessingStartedAt   *time.Time `json:"processingStartedAt,omitempty"`
	ProcessingCompletedAt *time.Time `json:"processingCompletedAt,omitempty"`
	HeartbeatAt           *time.Time `json:"heartbeatAt,omitempty"`
	ErrorMessage          *string    `json:"errorMessage,omitempty"`
	RetryCount            int        `json:"retryCount"`
	MaxRetries            int        `json:"maxRetries"`
	ProcessingOwner       *string    `json:"processingOwner,omitempty"`
	CompletedByBatch      bool       `json:"completedByBatch"`
	Version               int64      `json:"version"`
}

// IsActive reports whether the item still awaits or undergoes processing.
func (i QueueItem) IsActive() bool {
	return i.Status == StatusPending || i.Status == StatusProcessing
}

// ActivityEvent is an incoming timestamped occurrence for a prospect.
type ActivityEvent struct {
	SourceEventID  string     `json:"sourceEventId"`
	Kind           EventKind  `json:"kind" validate:"required,oneof=email meeting note call"`
	ProspectID     uuid.UUID  `json:"prospectId" validate:"required"`
	OrganizationID *uuid.UUID `json:"organizationId,omitempty"`
	OccurredAt     time.Time  `json:"occurredAt" validate:"required"`
}

// SourceKey returns the dedupe key of the event. A blank source id is derived
// from prospect, kind and timestamp so repeated deliveries collapse.
func (e ActivityEvent) SourceKey() string {
	if e.SourceEventID != "" {
		return e.SourceEventID
	}
	return fmt.Sprintf("%s:%s:%d", e.ProspectID, e.Kind, e.OccurredAt.UnixMilli())
}

// Priority is the activity ordering key: event epoch millis.
func (e ActivityEvent) Priority() int64 {
	return e.OccurredAt.UnixMilli()
}

// BatchPriority returns a priority larger than any activity priority.
func BatchPriority(now time.Time) int64 {
	return BatchPriorityOffset + now.UnixMilli()
}

// StatusCount is one row of the monitoring breakdown.
type StatusCount struct {
	Kind   ItemKind   `json:"kind"`
	Status ItemStatus `json:"status"`
	Count  int64      `json:"count"`
}
