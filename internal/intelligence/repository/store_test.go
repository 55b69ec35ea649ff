package repository

import (
	"context"
	"testing"
	"time"

	"portal_intelligence/internal/intelligence/domain"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func activityParams(prospect uuid.UUID, source string, at time.Time) InsertActivityParams {
	return InsertActivityParams{
		ProspectID:      prospect,
		SourceEventID:   source,
		SourceEventKind: domain.EventEmail,
		EventTimestamp:  at,
		Priority:        at.UnixMilli(),
		MaxRetries:      domain.DefaultMaxRetries,
	}
}

// storeCases run against every Store implementation.
var storeCases = []struct {
	name string
	run  func(t *testing.T, store Store, clock *fakeClock)
}{
	{"InsertActivityRejectsDuplicateSource", testInsertActivityRejectsDuplicateSource},
	{"ClaimNextActivityOrdersByPriorityAndBlocksWhileProcessing", testClaimNextActivityOrdersByPriorityAndBlocksWhileProcessing},
	{"LifecycleWritesRejectStaleVersions", testLifecycleWritesRejectStaleVersions},
	{"MarkFailedAppliesRetryPolicy", testMarkFailedAppliesRetryPolicy},
	{"RescheduleBatchFromProcessingRecordsCancellation", testRescheduleBatchFromProcessingRecordsCancellation},
	{"ClaimBatchWaitsForSchedule", testClaimBatchWaitsForSchedule},
	{"ResetStuckUsesHeartbeat", testResetStuckUsesHeartbeat},
	{"PurgeCompletedKeepsFailures", testPurgeCompletedKeepsFailures},
	{"ListProspectsSkipsBusyProspectsAndPages", testListProspectsSkipsBusyProspectsAndPages},
}

func testInsertActivityRejectsDuplicateSource(t *testing.T, store Store, clock *fakeClock) {
	ctx := context.Background()
	prospect := uuid.New()

	first, err := store.InsertActivity(ctx, activityParams(prospect, "msg-1", clock.Now()))
	require.NoError(t, err)

	_, err = store.InsertActivity(ctx, activityParams(prospect, "msg-1", clock.Now()))
	require.ErrorIs(t, err, ErrDuplicate)

	found, err := store.GetActivityBySource(ctx, "msg-1", domain.EventEmail)
	require.NoError(t, err)
	require.Equal(t, first.ID, found.ID)
}

func testClaimNextActivityOrdersByPriorityAndBlocksWhileProcessing(t *testing.T, store Store, clock *fakeClock) {
	ctx := context.Background()
	prospect := uuid.New()
	base := clock.Now()

	_, err := store.InsertActivity(ctx, activityParams(prospect, "t3", base.Add(3*time.Minute)))
	require.NoError(t, err)
	_, err = store.InsertActivity(ctx, activityParams(prospect, "t1", base.Add(time.Minute)))
	require.NoError(t, err)

	item, outcome, err := store.ClaimNextActivity(ctx, prospect, "w1")
	require.NoError(t, err)
	require.Equal(t, ClaimAcquired, outcome)
	require.Equal(t, "t1", *item.SourceEventID)
	require.Equal(t, "w1", *item.ProcessingOwner)

	_, outcome, err = store.ClaimNextActivity(ctx, prospect, "w2")
	require.NoError(t, err)
	require.Equal(t, ClaimBusy, outcome)

	_, err = store.MarkCompleted(ctx, item)
	require.NoError(t, err)

	item, outcome, err = store.ClaimNextActivity(ctx, prospect, "w2")
	require.NoError(t, err)
	require.Equal(t, ClaimAcquired, outcome)
	require.Equal(t, "t3", *item.SourceEventID)

	_, err = store.MarkCompleted(ctx, item)
	require.NoError(t, err)

	_, outcome, err = store.ClaimNextActivity(ctx, prospect, "w2")
	require.NoError(t, err)
	require.Equal(t, ClaimEmpty, outcome)
}

func testLifecycleWritesRejectStaleVersions(t *testing.T, store Store, clock *fakeClock) {
	ctx := context.Background()
	prospect := uuid.New()

	_, err := store.InsertActivity(ctx, activityParams(prospect, "a", clock.Now()))
	require.NoError(t, err)
	claimed, _, err := store.ClaimNextActivity(ctx, prospect, "w1")
	require.NoError(t, err)

	_, err = store.Release(ctx, claimed)
	require.NoError(t, err)

	_, err = store.MarkCompleted(ctx, claimed)
	require.ErrorIs(t, err, ErrStale)
	require.ErrorIs(t, store.Touch(ctx, claimed), ErrStale)
}

func testMarkFailedAppliesRetryPolicy(t *testing.T, store Store, clock *fakeClock) {
	ctx := context.Background()
	prospect := uuid.New()

	_, err := store.InsertActivity(ctx, activityParams(prospect, "a", clock.Now()))
	require.NoError(t, err)

	var last domain.QueueItem
	for attempt := 1; attempt <= domain.DefaultMaxRetries+1; attempt++ {
		claimed, outcome, err := store.ClaimNextActivity(ctx, prospect, "w1")
		require.NoError(t, err)
		require.Equal(t, ClaimAcquired, outcome, "attempt %d", attempt)
		last, err = store.MarkFailed(ctx, claimed, "analytics unavailable")
		require.NoError(t, err)
	}

	require.Equal(t, domain.StatusFailed, last.Status)
	require.Equal(t, domain.DefaultMaxRetries+1, last.RetryCount)

	_, outcome, err := store.ClaimNextActivity(ctx, prospect, "w1")
	require.NoError(t, err)
	require.Equal(t, ClaimEmpty, outcome)

	retried, err := store.Retry(ctx, last.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, retried.Status)
	require.Zero(t, retried.RetryCount)
}

func testRescheduleBatchFromProcessingRecordsCancellation(t *testing.T, store Store, clock *fakeClock) {
	ctx := context.Background()
	opp := uuid.New()

	batch, err := store.InsertBatch(ctx, InsertBatchParams{
		OpportunityID: opp,
		ScheduledFor:  clock.Now(),
		Reason:        "contact added",
		Priority:      domain.BatchPriority(clock.Now()),
		MaxRetries:    domain.DefaultMaxRetries,
	})
	require.NoError(t, err)

	claimed, outcome, err := store.ClaimBatch(ctx, batch.ID, "w1")
	require.NoError(t, err)
	require.Equal(t, ClaimAcquired, outcome)

	conflict, err := store.BatchConflictFor(ctx, []uuid.UUID{opp})
	require.NoError(t, err)
	require.True(t, conflict.Running)

	next := clock.Now().Add(5 * time.Minute)
	rescheduled, err := store.RescheduleBatch(ctx, RescheduleBatchParams{
		ID:             claimed.ID,
		Version:        claimed.Version,
		ExpectStatuses: []domain.ItemStatus{domain.StatusPending, domain.StatusProcessing},
		ScheduledFor:   next,
		Reason:         "historical activity during batch",
		Priority:       domain.BatchPriority(clock.Now()),
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, rescheduled.Status)
	require.Equal(t, domain.CancelledMessage, *rescheduled.ErrorMessage)
	require.WithinDuration(t, next, *rescheduled.ScheduledFor, 0)

	require.ErrorIs(t, store.Touch(ctx, claimed), ErrStale)

	_, err = store.InsertBatch(ctx, InsertBatchParams{OpportunityID: opp, ScheduledFor: next})
	require.ErrorIs(t, err, ErrDuplicate)
}

func testClaimBatchWaitsForSchedule(t *testing.T, store Store, clock *fakeClock) {
	ctx := context.Background()

	batch, err := store.InsertBatch(ctx, InsertBatchParams{
		OpportunityID: uuid.New(),
		ScheduledFor:  clock.Now().Add(time.Minute),
		Reason:        "contact added",
	})
	require.NoError(t, err)

	due, err := store.ListDueBatches(ctx, clock.Now(), 10)
	require.NoError(t, err)
	require.Empty(t, due)

	_, outcome, err := store.ClaimBatch(ctx, batch.ID, "w1")
	require.NoError(t, err)
	require.Equal(t, ClaimEmpty, outcome)

	clock.Advance(time.Minute)
	due, err = store.ListDueBatches(ctx, clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
}

func testResetStuckUsesHeartbeat(t *testing.T, store Store, clock *fakeClock) {
	ctx := context.Background()
	prospect := uuid.New()

	_, err := store.InsertActivity(ctx, activityParams(prospect, "a", clock.Now()))
	require.NoError(t, err)
	claimed, _, err := store.ClaimNextActivity(ctx, prospect, "w1")
	require.NoError(t, err)

	clock.Advance(4 * time.Minute)
	require.NoError(t, store.Touch(ctx, claimed))
	clock.Advance(4 * time.Minute)

	n, err := store.ResetStuck(ctx, clock.Now().Add(-5*time.Minute))
	require.NoError(t, err)
	require.Zero(t, n, "recent heartbeat keeps the item")

	clock.Advance(2 * time.Minute)
	n, err = store.ResetStuck(ctx, clock.Now().Add(-5*time.Minute))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	item, err := store.GetByID(ctx, claimed.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, item.Status)
	require.Nil(t, item.ProcessingOwner)
}

func testPurgeCompletedKeepsFailures(t *testing.T, store Store, clock *fakeClock) {
	ctx := context.Background()
	prospect := uuid.New()

	_, err := store.InsertActivity(ctx, activityParams(prospect, "done", clock.Now()))
	require.NoError(t, err)
	claimed, _, err := store.ClaimNextActivity(ctx, prospect, "w1")
	require.NoError(t, err)
	_, err = store.MarkCompleted(ctx, claimed)
	require.NoError(t, err)

	batch, err := store.InsertBatch(ctx, InsertBatchParams{
		OpportunityID: uuid.New(),
		ScheduledFor:  clock.Now(),
		Reason:        "contact added",
	})
	require.NoError(t, err)
	claimedBatch, _, err := store.ClaimBatch(ctx, batch.ID, "w1")
	require.NoError(t, err)
	failed, err := store.MarkFailed(ctx, claimedBatch, "recompute failed")
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, failed.Status)

	clock.Advance(8 * 24 * time.Hour)
	n, err := store.PurgeCompleted(ctx, clock.Now().Add(-7*24*time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, []domain.StatusCount{{Kind: domain.KindBatchReprocess, Status: domain.StatusFailed, Count: 1}}, stats)
}

func testListProspectsSkipsBusyProspectsAndPages(t *testing.T, store Store, clock *fakeClock) {
	ctx := context.Background()
	base := clock.Now()

	busy := uuid.New()
	_, err := store.InsertActivity(ctx, activityParams(busy, "busy-1", base))
	require.NoError(t, err)
	_, err = store.InsertActivity(ctx, activityParams(busy, "busy-2", base.Add(time.Second)))
	require.NoError(t, err)
	_, _, err = store.ClaimNextActivity(ctx, busy, "w1")
	require.NoError(t, err)

	var want []uuid.UUID
	for i := 1; i <= 3; i++ {
		prospect := uuid.New()
		_, err := store.InsertActivity(ctx, activityParams(prospect, uuid.NewString(), base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
		want = append(want, prospect)
	}

	first, err := store.ListProspectsWithPendingActivity(ctx, nil, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	second, err := store.ListProspectsWithPendingActivity(ctx, &first[1], 2)
	require.NoError(t, err)
	require.Len(t, second, 1)

	var got []uuid.UUID
	for _, p := range append(first, second...) {
		got = append(got, p.ProspectID)
	}
	require.Equal(t, want, got)
}
