package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"portal_intelligence/internal/intelligence/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	errRepoNotConfigured = "intelligence queue repository not configured"
	pgUniqueViolation    = "23505"

	itemColumns = `id, kind, prospect_id, organization_id, source_event_id, source_event_kind,
		event_timestamp, opportunity_id, scheduled_for, debounce_reason, status, priority,
		added_at, processing_started_at, processing_completed_at, heartbeat_at, error_message,
		retry_count, max_retries, processing_owner, completed_by_batch, version`
)

// Repository is the Postgres-backed queue store.
type Repository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// New creates a Postgres queue store.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

func (r *Repository) ready() error {
	if r == nil || r.pool == nil {
		return errors.New(errRepoNotConfigured)
	}
	return nil
}

func scanItem(row pgx.Row) (domain.QueueItem, error) {
	var item domain.QueueItem
	var kind, status string
	var eventKind *string
	err := row.Scan(
		&item.ID, &kind, &item.ProspectID, &item.OrganizationID, &item.SourceEventID, &eventKind,
		&item.EventTimestamp, &item.OpportunityID, &item.ScheduledFor, &item.DebounceReason, &status, &item.Priority,
		&item.AddedAt, &item.ProcessingStartedAt, &item.ProcessingCompletedAt, &item.HeartbeatAt, &item.ErrorMessage,
		&item.RetryCount, &item.MaxRetries, &item.ProcessingOwner, &item.CompletedByBatch, &item.Version,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.QueueItem{}, ErrNotFound
	}
	if err != nil {
		return domain.QueueItem{}, err
	}
	item.Kind = domain.ItemKind(kind)
	item.Status = domain.ItemStatus(status)
	if eventKind != nil {
		k := domain.EventKind(*eventKind)
		item.SourceEventKind = &k
	}
	return item, nil
}

func collectItems(rows pgx.Rows) ([]domain.QueueItem, error) {
	defer rows.Close()
	var items []domain.QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// staleOnMiss turns "no row matched the conditional update" into ErrStale.
func staleOnMiss(item domain.QueueItem, err error) (domain.QueueItem, error) {
	if errors.Is(err, ErrNotFound) {
		return domain.QueueItem{}, ErrStale
	}
	return item, err
}

func statusStrings(statuses []domain.ItemStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// =============================================================================
// ActivityQueue
// =============================================================================

func (r *Repository) InsertActivity(ctx context.Context, p InsertActivityParams) (domain.QueueItem, error) {
	if err := r.ready(); err != nil {
		return domain.QueueItem{}, err
	}
	item, err := scanItem(r.pool.QueryRow(ctx,
		`INSERT INTO RAC_intelligence_queue
			(kind, prospect_id, organization_id, source_event_id, source_event_kind, event_timestamp,
			 status, priority, added_at, max_retries)
		 VALUES ('activity', $1, $2, $3, $4, $5, 'pending', $6, $7, $8)
		 RETURNING `+itemColumns,
		p.ProspectID, p.OrganizationID, p.SourceEventID, string(p.SourceEventKind), p.EventTimestamp,
		p.Priority, r.now(), p.MaxRetries,
	))
	if isUniqueViolation(err) {
		return domain.QueueItem{}, ErrDuplicate
	}
	return item, err
}

func (r *Repository) GetActivityBySource(ctx context.Context, sourceEventID string, kind domain.EventKind) (domain.QueueItem, error) {
	if err := r.ready(); err != nil {
		return domain.QueueItem{}, err
	}
	return scanItem(r.pool.QueryRow(ctx,
		`SELECT `+itemColumns+`
		 FROM RAC_intelligence_queue
		 WHERE kind = 'activity' AND source_event_id = $1 AND source_event_kind = $2`,
		sourceEventID, string(kind),
	))
}

// ListProspectsWithPendingActivity leaves out prospects whose activity is
// already processing and prospects linked to an opportunity with a pending
// or processing batch, so those never crowd a page.
func (r *Repository) ListProspectsWithPendingActivity(ctx context.Context, after *PendingProspect, limit int) ([]PendingProspect, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 100
	}
	var afterPriority *int64
	var afterProspect *uuid.UUID
	if after != nil {
		afterPriority, afterProspect = &after.Priority, &after.ProspectID
	}
	rows, err := r.pool.Query(ctx,
		`SELECT q.prospect_id, MIN(q.priority)
		 FROM RAC_intelligence_queue q
		 WHERE q.kind = 'activity' AND q.status = 'pending'
		   AND NOT EXISTS (
			SELECT 1 FROM RAC_intelligence_queue busy
			WHERE busy.kind = 'activity' AND busy.status = 'processing'
			  AND busy.prospect_id = q.prospect_id)
		   AND NOT EXISTS (
			SELECT 1
			FROM RAC_opportunity_prospects op
			JOIN RAC_intelligence_queue b ON b.opportunity_id = op.opportunity_id
			WHERE op.prospect_id = q.prospect_id
			  AND b.kind = 'batch_reprocess' AND b.status IN ('pending', 'processing'))
		 GROUP BY q.prospect_id
		 HAVING $1::bigint IS NULL OR (MIN(q.priority), q.prospect_id) > ($1::bigint, $2::uuid)
		 ORDER BY MIN(q.priority) ASC, q.prospect_id ASC
		 LIMIT $3`,
		afterPriority, afterProspect, limit,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (PendingProspect, error) {
		var p PendingProspect
		err := row.Scan(&p.ProspectID, &p.Priority)
		return p, err
	})
}

// ClaimNextActivity claims the lowest-priority pending item of a prospect.
// A transaction-scoped advisory lock keyed on the prospect serializes
// claimants across processes; a claimant that cannot take it gets ClaimBusy.
func (r *Repository) ClaimNextActivity(ctx context.Context, prospectID uuid.UUID, owner string) (domain.QueueItem, ClaimOutcome, error) {
	if err := r.ready(); err != nil {
		return domain.QueueItem{}, ClaimEmpty, err
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.QueueItem{}, ClaimEmpty, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var locked bool
	if err := tx.QueryRow(ctx,
		`SELECT pg_try_advisory_xact_lock(hashtextextended($1::text, 0))`, prospectID,
	).Scan(&locked); err != nil {
		return domain.QueueItem{}, ClaimEmpty, err
	}
	if !locked {
		return domain.QueueItem{}, ClaimBusy, nil
	}

	var busy bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM RAC_intelligence_queue
			WHERE kind = 'activity' AND prospect_id = $1 AND status = 'processing'
		)`, prospectID,
	).Scan(&busy); err != nil {
		return domain.QueueItem{}, ClaimEmpty, err
	}
	if busy {
		return domain.QueueItem{}, ClaimBusy, nil
	}

	now := r.now()
	item, err := scanItem(tx.QueryRow(ctx,
		`UPDATE RAC_intelligence_queue
		 SET status = 'processing', processing_owner = $2, processing_started_at = $3,
		     heartbeat_at = $3, version = version + 1
		 WHERE id = (
			SELECT id FROM RAC_intelligence_queue
			WHERE kind = 'activity' AND prospect_id = $1 AND status = 'pending'
			ORDER BY priority ASC, added_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+itemColumns,
		prospectID, owner, now,
	))
	if errors.Is(err, ErrNotFound) {
		return domain.QueueItem{}, ClaimEmpty, nil
	}
	if err != nil {
		return domain.QueueItem{}, ClaimEmpty, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.QueueItem{}, ClaimEmpty, err
	}
	return item, ClaimAcquired, nil
}

func (r *Repository) CompletePendingActivityForProspect(ctx context.Context, prospectID uuid.UUID) (int64, error) {
	if err := r.ready(); err != nil {
		return 0, err
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE RAC_intelligence_queue
		 SET status = 'completed', completed_by_batch = true, processing_completed_at = $2,
		     version = version + 1
		 WHERE kind = 'activity' AND prospect_id = $1 AND status = 'pending'`,
		prospectID, r.now(),
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// =============================================================================
// BatchQueue
// =============================================================================

func (r *Repository) GetBatchByOpportunity(ctx context.Context, opportunityID uuid.UUID) (domain.QueueItem, error) {
	if err := r.ready(); err != nil {
		return domain.QueueItem{}, err
	}
	return scanItem(r.pool.QueryRow(ctx,
		`SELECT `+itemColumns+`
		 FROM RAC_intelligence_queue
		 WHERE kind = 'batch_reprocess' AND opportunity_id = $1`,
		opportunityID,
	))
}

func (r *Repository) InsertBatch(ctx context.Context, p InsertBatchParams) (domain.QueueItem, error) {
	if err := r.ready(); err != nil {
		return domain.QueueItem{}, err
	}
	item, err := scanItem(r.pool.QueryRow(ctx,
		`INSERT INTO RAC_intelligence_queue
			(kind, opportunity_id, organization_id, prospect_id, scheduled_for, debounce_reason,
			 status, priority, added_at, max_retries)
		 VALUES ('batch_reprocess', $1, $2, $3, $4, $5, 'pending', $6, $7, $8)
		 RETURNING `+itemColumns,
		p.OpportunityID, p.OrganizationID, p.ProspectID, p.ScheduledFor, p.Reason,
		p.Priority, r.now(), p.MaxRetries,
	))
	if isUniqueViolation(err) {
		return domain.QueueItem{}, ErrDuplicate
	}
	return item, err
}

func (r *Repository) RescheduleBatch(ctx context.Context, p RescheduleBatchParams) (domain.QueueItem, error) {
	if err := r.ready(); err != nil {
		return domain.QueueItem{}, err
	}
	return staleOnMiss(scanItem(r.pool.QueryRow(ctx,
		`UPDATE RAC_intelligence_queue
		 SET status = 'pending', scheduled_for = $3, debounce_reason = $4, priority = $5,
		     error_message = CASE
		         WHEN status = 'processing' THEN 'cancelled'
		         WHEN $6 THEN NULL
		         ELSE error_message END,
		     retry_count = CASE WHEN $6 THEN 0 ELSE retry_count END,
		     processing_owner = NULL, processing_started_at = NULL,
		     processing_completed_at = NULL, heartbeat_at = NULL,
		     version = version + 1
		 WHERE id = $1 AND version = $2 AND status = ANY($7)
		 RETURNING `+itemColumns,
		p.ID, p.Version, p.ScheduledFor, p.Reason, p.Priority, p.ResetRetries, statusStrings(p.ExpectStatuses),
	)))
}

func (r *Repository) DeletePendingBatch(ctx context.Context, opportunityID uuid.UUID) (bool, error) {
	if err := r.ready(); err != nil {
		return false, err
	}
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM RAC_intelligence_queue
		 WHERE kind = 'batch_reprocess' AND opportunity_id = $1 AND status = 'pending'`,
		opportunityID,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) ListDueBatches(ctx context.Context, now time.Time, limit int) ([]domain.QueueItem, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+itemColumns+`
		 FROM RAC_intelligence_queue
		 WHERE kind = 'batch_reprocess' AND status = 'pending' AND scheduled_for <= $1
		 ORDER BY scheduled_for ASC
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, err
	}
	return collectItems(rows)
}

func (r *Repository) ClaimBatch(ctx context.Context, id uuid.UUID, owner string) (domain.QueueItem, ClaimOutcome, error) {
	if err := r.ready(); err != nil {
		return domain.QueueItem{}, ClaimEmpty, err
	}
	now := r.now()
	item, err := scanItem(r.pool.QueryRow(ctx,
		`UPDATE RAC_intelligence_queue
		 SET status = 'processing', processing_owner = $2, processing_started_at = $3,
		     heartbeat_at = $3, version = version + 1
		 WHERE id = $1 AND kind = 'batch_reprocess' AND status = 'pending' AND scheduled_for <= $3
		 RETURNING `+itemColumns,
		id, owner, now,
	))
	if errors.Is(err, ErrNotFound) {
		return domain.QueueItem{}, ClaimEmpty, nil
	}
	if err != nil {
		return domain.QueueItem{}, ClaimEmpty, err
	}
	return item, ClaimAcquired, nil
}

func (r *Repository) BatchConflictFor(ctx context.Context, opportunityIDs []uuid.UUID) (domain.BatchConflict, error) {
	if err := r.ready(); err != nil {
		return domain.BatchConflict{}, err
	}
	if len(opportunityIDs) == 0 {
		return domain.BatchConflict{}, nil
	}
	var conflict domain.BatchConflict
	err := r.pool.QueryRow(ctx,
		`SELECT
			COALESCE(bool_or(status = 'pending'), false),
			COALESCE(bool_or(status = 'processing'), false)
		 FROM RAC_intelligence_queue
		 WHERE kind = 'batch_reprocess' AND opportunity_id = ANY($1)
		   AND status IN ('pending', 'processing')`,
		opportunityIDs,
	).Scan(&conflict.Pending, &conflict.Running)
	return conflict, err
}

// =============================================================================
// ItemLifecycle
// =============================================================================

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (domain.QueueItem, error) {
	if err := r.ready(); err != nil {
		return domain.QueueItem{}, err
	}
	return scanItem(r.pool.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM RAC_intelligence_queue WHERE id = $1`, id,
	))
}

func (r *Repository) MarkCompleted(ctx context.Context, item domain.QueueItem) (domain.QueueItem, error) {
	if err := r.ready(); err != nil {
		return domain.QueueItem{}, err
	}
	return staleOnMiss(scanItem(r.pool.QueryRow(ctx,
		`UPDATE RAC_intelligence_queue
		 SET status = 'completed', processing_completed_at = $3, error_message = NULL,
		     version = version + 1
		 WHERE id = $1 AND version = $2 AND status = 'processing'
		 RETURNING `+itemColumns,
		item.ID, item.Version, r.now(),
	)))
}

// MarkFailed applies the retry policy in one statement: the item returns to
// pending while retry_count stays within max_retries, otherwise it fails.
func (r *Repository) MarkFailed(ctx context.Context, item domain.QueueItem, message string) (domain.QueueItem, error) {
	if err := r.ready(); err != nil {
		return domain.QueueItem{}, err
	}
	now := r.now()
	return staleOnMiss(scanItem(r.pool.QueryRow(ctx,
		`UPDATE RAC_intelligence_queue
		 SET retry_count = retry_count + 1,
		     status = CASE WHEN retry_count + 1 <= max_retries THEN 'pending' ELSE 'failed' END,
		     processing_completed_at = CASE WHEN retry_count + 1 <= max_retries THEN NULL ELSE $4 END,
		     scheduled_for = CASE
		         WHEN kind = 'batch_reprocess' AND retry_count + 1 <= max_retries THEN $4
		         ELSE scheduled_for END,
		     error_message = $3, processing_owner = NULL, processing_started_at = NULL,
		     heartbeat_at = NULL, version = version + 1
		 WHERE id = $1 AND version = $2 AND status = 'processing'
		 RETURNING `+itemColumns,
		item.ID, item.Version, message, now,
	)))
}

func (r *Repository) MarkCancelled(ctx context.Context, item domain.QueueItem) (domain.QueueItem, error) {
	if err := r.ready(); err != nil {
		return domain.QueueItem{}, err
	}
	return staleOnMiss(scanItem(r.pool.QueryRow(ctx,
		`UPDATE RAC_intelligence_queue
		 SET status = 'failed', error_message = $3, processing_completed_at = $4,
		     processing_owner = NULL, heartbeat_at = NULL, version = version + 1
		 WHERE id = $1 AND version = $2 AND status = 'processing'
		 RETURNING `+itemColumns,
		item.ID, item.Version, domain.CancelledMessage, r.now(),
	)))
}

func (r *Repository) Release(ctx context.Context, item domain.QueueItem) (domain.QueueItem, error) {
	if err := r.ready(); err != nil {
		return domain.QueueItem{}, err
	}
	return staleOnMiss(scanItem(r.pool.QueryRow(ctx,
		`UPDATE RAC_intelligence_queue
		 SET status = 'pending', processing_owner = NULL, processing_started_at = NULL,
		     heartbeat_at = NULL, version = version + 1
		 WHERE id = $1 AND version = $2 AND status = 'processing'
		 RETURNING `+itemColumns,
		item.ID, item.Version,
	)))
}

func (r *Repository) Touch(ctx context.Context, item domain.QueueItem) error {
	if err := r.ready(); err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE RAC_intelligence_queue
		 SET heartbeat_at = $3
		 WHERE id = $1 AND version = $2 AND status = 'processing'`,
		item.ID, item.Version, r.now(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStale
	}
	return nil
}

// Retry re-arms a failed item for manual re-trigger with a fresh retry budget.
func (r *Repository) Retry(ctx context.Context, id uuid.UUID) (domain.QueueItem, error) {
	if err := r.ready(); err != nil {
		return domain.QueueItem{}, err
	}
	item, err := scanItem(r.pool.QueryRow(ctx,
		`UPDATE RAC_intelligence_queue
		 SET status = 'pending', retry_count = 0, error_message = NULL,
		     processing_completed_at = NULL, processing_owner = NULL, processing_started_at = NULL,
		     scheduled_for = CASE WHEN kind = 'batch_reprocess' THEN $2 ELSE scheduled_for END,
		     version = version + 1
		 WHERE id = $1 AND status = 'failed'
		 RETURNING `+itemColumns,
		id, r.now(),
	))
	if errors.Is(err, ErrNotFound) {
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return domain.QueueItem{}, getErr
		}
		return domain.QueueItem{}, ErrStale
	}
	return item, err
}

// =============================================================================
// Maintenance
// =============================================================================

// ResetStuck returns processing items whose last sign of life is older than
// before to pending. The retry budget is untouched.
func (r *Repository) ResetStuck(ctx context.Context, before time.Time) (int64, error) {
	if err := r.ready(); err != nil {
		return 0, err
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE RAC_intelligence_queue
		 SET status = 'pending', processing_owner = NULL, processing_started_at = NULL,
		     heartbeat_at = NULL, version = version + 1
		 WHERE status = 'processing'
		   AND COALESCE(heartbeat_at, processing_started_at) < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("reset stuck items: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *Repository) PurgeCompleted(ctx context.Context, before time.Time) (int64, error) {
	if err := r.ready(); err != nil {
		return 0, err
	}
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM RAC_intelligence_queue
		 WHERE status = 'completed' AND processing_completed_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("purge completed items: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *Repository) Stats(ctx context.Context) ([]domain.StatusCount, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx,
		`SELECT kind, status, COUNT(*)
		 FROM RAC_intelligence_queue
		 GROUP BY kind, status
		 ORDER BY kind, status`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []domain.StatusCount
	for rows.Next() {
		var kind, status string
		var count int64
		if err := rows.Scan(&kind, &status, &count); err != nil {
			return nil, err
		}
		counts = append(counts, domain.StatusCount{Kind: domain.ItemKind(kind), Status: domain.ItemStatus(status), Count: count})
	}
	return counts, rows.Err()
}
