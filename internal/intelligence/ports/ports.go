// Package ports declares the collaborators the intelligence queue depends on
// and the hooks it calls after processing.
package ports

import (
	"context"
	"time"

	"portal_intelligence/internal/intelligence/domain"

	"github.com/google/uuid"
)

// AnalyticsProcessor runs order-sensitive analytics for one activity.
// Calls may repeat for the same item; implementations must be idempotent.
type AnalyticsProcessor interface {
	ProcessActivity(ctx context.Context, item domain.QueueItem) error
}

// OpportunityRecomputer rebuilds an opportunity's derived state from its full
// history. Implementations must check ctx periodically and return promptly
// once it is done, not only at entry.
type OpportunityRecomputer interface {
	Recompute(ctx context.Context, opportunityID uuid.UUID) error
}

// OpportunityLookup reads CRM opportunity data for a prospect.
type OpportunityLookup interface {
	OpportunitiesForProspect(ctx context.Context, prospectID uuid.UUID) ([]domain.OpportunityRef, error)
	LastWatermark(ctx context.Context, opportunityID uuid.UUID) (*time.Time, error)
}

// PostProcessHook is notified after an item completes successfully.
type PostProcessHook interface {
	ActivityProcessed(ctx context.Context, item domain.QueueItem) error
	OpportunityReprocessed(ctx context.Context, item domain.QueueItem) error
}

// BatchCanceller signals the cancellation token of a running batch.
// It returns false when no run for the opportunity is active in this process.
type BatchCanceller interface {
	CancelBatch(opportunityID uuid.UUID) bool
}
