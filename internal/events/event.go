// Package events defines the intelligence queue's domain events on top of
// the platform bus.
package events

import (
	"time"

	"portal_intelligence/platform/events"
	"portal_intelligence/platform/logger"

	"github.com/google/uuid"
)

type (
	Event       = events.Event
	Bus         = events.Bus
	Handler     = events.Handler
	HandlerFunc = events.HandlerFunc
	BaseEvent   = events.BaseEvent
	InMemoryBus = events.InMemoryBus
)

var NewBaseEvent = events.NewBaseEvent

func NewInMemoryBus(log *logger.Logger) *InMemoryBus {
	return events.NewInMemoryBus(log)
}

// =============================================================================
// Intelligence Ingest Events
// =============================================================================

// ActivityRecorded is published by mail sync, calendar sync and manual entry
// when a new activity exists for a prospect.
type ActivityRecorded struct {
	BaseEvent
	SourceEventID  string     `json:"sourceEventId"`
	Kind           string     `json:"kind"`
	ProspectID     uuid.UUID  `json:"prospectId"`
	OrganizationID *uuid.UUID `json:"organizationId,omitempty"`
	ActivityAt     time.Time  `json:"activityAt"`
}

func (e ActivityRecorded) EventName() string { return "intelligence.activity.recorded" }

// OpportunityStructureChanged is published when contacts are added to or
// removed from an opportunity.
type OpportunityStructureChanged struct {
	BaseEvent
	OpportunityID  uuid.UUID  `json:"opportunityId"`
	OrganizationID *uuid.UUID `json:"organizationId,omitempty"`
	ProspectID     *uuid.UUID `json:"prospectId,omitempty"`
	Reason         string     `json:"reason"`
}

func (e OpportunityStructureChanged) EventName() string {
	return "intelligence.opportunity.structure_changed"
}

// =============================================================================
// Intelligence Processing Events
// =============================================================================

// ActivityProcessed is published after analytics accepted an activity item.
type ActivityProcessed struct {
	BaseEvent
	ItemID         uuid.UUID  `json:"itemId"`
	ProspectID     uuid.UUID  `json:"prospectId"`
	OrganizationID *uuid.UUID `json:"organizationId,omitempty"`
	SourceEventID  string     `json:"sourceEventId"`
}

func (e ActivityProcessed) EventName() string { return "intelligence.activity.processed" }

// OpportunityReprocessed is published after a full recomputation finished.
type OpportunityReprocessed struct {
	BaseEvent
	ItemID         uuid.UUID  `json:"itemId"`
	OpportunityID  uuid.UUID  `json:"opportunityId"`
	OrganizationID *uuid.UUID `json:"organizationId,omitempty"`
}

func (e OpportunityReprocessed) EventName() string { return "intelligence.opportunity.reprocessed" }
