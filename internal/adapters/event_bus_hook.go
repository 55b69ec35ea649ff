package adapters

import (
	"context"

	"portal_intelligence/internal/events"
	"portal_intelligence/internal/intelligence/domain"
	"portal_intelligence/internal/intelligence/ports"

	"github.com/google/uuid"
)

// EventBusHook publishes processing results on the in-process event bus.
type EventBusHook struct {
	bus events.Bus
}

var _ ports.PostProcessHook = (*EventBusHook)(nil)

func NewEventBusHook(bus events.Bus) *EventBusHook {
	return &EventBusHook{bus: bus}
}

func (h *EventBusHook) ActivityProcessed(ctx context.Context, item domain.QueueItem) error {
	event := events.ActivityProcessed{
		BaseEvent:      events.NewBaseEvent(),
		ItemID:         item.ID,
		ProspectID:     derefUUID(item.ProspectID),
		OrganizationID: item.OrganizationID,
	}
	if item.SourceEventID != nil {
		event.SourceEventID = *item.SourceEventID
	}
	h.bus.Publish(ctx, event)
	return nil
}

func (h *EventBusHook) OpportunityReprocessed(ctx context.Context, item domain.QueueItem) error {
	h.bus.Publish(ctx, events.OpportunityReprocessed{
		BaseEvent:      events.NewBaseEvent(),
		ItemID:         item.ID,
		OpportunityID:  derefUUID(item.OpportunityID),
		OrganizationID: item.OrganizationID,
	})
	return nil
}

func derefUUID(id *uuid.UUID) uuid.UUID {
	if id == nil {
		return uuid.Nil
	}
	return *id
}
