// Package adapters contains adapters that bridge the intelligence queue to
// the systems around it. Each adapter implements a port declared by
// internal/intelligence/ports.
package adapters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"portal_intelligence/internal/intelligence/domain"
	"portal_intelligence/internal/intelligence/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// OpportunityLookup reads the CRM opportunity read model.
type OpportunityLookup struct {
	pool *pgxpool.Pool
}

var _ ports.OpportunityLookup = (*OpportunityLookup)(nil)

func NewOpportunityLookup(pool *pgxpool.Pool) *OpportunityLookup {
	return &OpportunityLookup{pool: pool}
}

// OpportunitiesForProspect returns every opportunity the prospect is a contact of.
func (l *OpportunityLookup) OpportunitiesForProspect(ctx context.Context, prospectID uuid.UUID) ([]domain.OpportunityRef, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT o.id, o.organization_id, o.is_closed, o.updated_at
		FROM RAC_opportunities o
		JOIN RAC_opportunity_prospects op ON op.opportunity_id = o.id
		WHERE op.prospect_id = $1
		ORDER BY o.is_closed, o.updated_at DESC`, prospectID)
	if err != nil {
		return nil, fmt.Errorf("query opportunities for prospect: %w", err)
	}

	refs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.OpportunityRef, error) {
		var ref domain.OpportunityRef
		err := row.Scan(&ref.ID, &ref.OrganizationID, &ref.Closed, &ref.UpdatedAt)
		return ref, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan opportunities for prospect: %w", err)
	}
	return refs, nil
}

// LastWatermark returns the newest activity timestamp the opportunity's last
// full recomputation incorporated, or nil when it never ran.
func (l *OpportunityLookup) LastWatermark(ctx context.Context, opportunityID uuid.UUID) (*time.Time, error) {
	var watermark *time.Time
	err := l.pool.QueryRow(ctx,
		`SELECT intelligence_watermark FROM RAC_opportunities WHERE id = $1`, opportunityID,
	).Scan(&watermark)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query opportunity watermark: %w", err)
	}
	return watermark, nil
}
