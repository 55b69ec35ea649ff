package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"portal_intelligence/internal/intelligence/domain"
	"portal_intelligence/internal/intelligence/repository"
	"portal_intelligence/platform/logger"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func insertDueBatch(t *testing.T, store *repository.MemoryStore, clock *fakeClock) domain.QueueItem {
	t.Helper()
	item, err := store.InsertBatch(context.Background(), repository.InsertBatchParams{
		OpportunityID: uuid.New(),
		ScheduledFor:  clock.Now(),
		Reason:        "contact added",
		Priority:      domain.BatchPriority(clock.Now()),
		MaxRetries:    domain.DefaultMaxRetries,
	})
	require.NoError(t, err)
	return item
}

func TestBatchPoolCompletesDueBatch(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := repository.NewMemoryStore(clock.Now)
	item := insertDueBatch(t, store, clock)

	recomputer := &blockingRecomputer{}
	hook := &recordingHook{}
	pool := NewBatchPool(store, recomputer, hook, testPoolConfig(), clock.Now, logger.NewNop())

	pool.Tick(ctx)
	pool.Wait()

	stored, err := store.GetByID(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, stored.Status)
	require.Equal(t, []uuid.UUID{*item.OpportunityID}, hook.opportunities, "hook errors do not fail the item")

	pool.Tick(ctx)
	pool.Wait()
	require.Equal(t, 1, recomputer.callCount(), "batch workers are one-shot")
}

func TestBatchPoolIgnoresFutureBatches(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := repository.NewMemoryStore(clock.Now)
	_, err := store.InsertBatch(ctx, repository.InsertBatchParams{
		OpportunityID: uuid.New(),
		ScheduledFor:  clock.Now().Add(time.Minute),
		Reason:        "contact added",
	})
	require.NoError(t, err)

	recomputer := &blockingRecomputer{}
	pool := NewBatchPool(store, recomputer, nil, testPoolConfig(), clock.Now, logger.NewNop())
	pool.Tick(ctx)
	pool.Wait()

	require.Zero(t, recomputer.callCount())
}

func TestBatchPoolCancelRecordsCancelledWithoutRetry(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := repository.NewMemoryStore(clock.Now)
	item := insertDueBatch(t, store, clock)

	recomputer := &blockingRecomputer{block: true, started: make(chan uuid.UUID, 1)}
	cfg := testPoolConfig()
	cfg.PollInterval = time.Hour
	pool := NewBatchPool(store, recomputer, nil, cfg, clock.Now, logger.NewNop())

	pool.Tick(ctx)
	<-recomputer.started
	require.Equal(t, 1, pool.ActiveWorkers())
	require.True(t, pool.CancelBatch(*item.OpportunityID))
	pool.Wait()
	require.ErrorIs(t, recomputer.stopCause(), domain.ErrCancelled)

	stored, err := store.GetByID(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, stored.Status)
	require.Equal(t, domain.CancelledMessage, *stored.ErrorMessage)
	require.Zero(t, stored.RetryCount)
	require.False(t, pool.CancelBatch(*item.OpportunityID))
}

func TestBatchPoolStopsWhenRowIsSuperseded(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := repository.NewMemoryStore(clock.Now)
	item := insertDueBatch(t, store, clock)

	recomputer := &blockingRecomputer{block: true, started: make(chan uuid.UUID, 1)}
	pool := NewBatchPool(store, recomputer, nil, testPoolConfig(), clock.Now, logger.NewNop())

	pool.Tick(ctx)
	<-recomputer.started

	claimed, err := store.GetByID(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusProcessing, claimed.Status)

	// A restart from another process reschedules the row in place.
	next := clock.Now().Add(5 * time.Minute)
	_, err = store.RescheduleBatch(ctx, repository.RescheduleBatchParams{
		ID:             claimed.ID,
		Version:        claimed.Version,
		ExpectStatuses: []domain.ItemStatus{domain.StatusProcessing},
		ScheduledFor:   next,
		Reason:         "historical activity during batch",
		Priority:       domain.BatchPriority(clock.Now()),
	})
	require.NoError(t, err)

	pool.Wait()

	stored, err := store.GetByID(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, stored.Status)
	require.Equal(t, next, *stored.ScheduledFor)
	require.Zero(t, stored.RetryCount)
}

func TestBatchPoolFailureSchedulesRetry(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := repository.NewMemoryStore(clock.Now)
	item := insertDueBatch(t, store, clock)

	recomputer := &blockingRecomputer{fail: errors.New("history fetch failed")}
	pool := NewBatchPool(store, recomputer, nil, testPoolConfig(), clock.Now, logger.NewNop())

	pool.Tick(ctx)
	pool.Wait()

	stored, err := store.GetByID(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, stored.Status)
	require.Equal(t, 1, stored.RetryCount)
	require.Equal(t, clock.Now(), *stored.ScheduledFor)
}

func TestBatchPoolReleasesOnShutdown(t *testing.T) {
	clock := newClock()
	store := repository.NewMemoryStore(clock.Now)
	item := insertDueBatch(t, store, clock)

	recomputer := &blockingRecomputer{block: true, started: make(chan uuid.UUID, 1)}
	cfg := testPoolConfig()
	cfg.PollInterval = time.Hour
	pool := NewBatchPool(store, recomputer, nil, cfg, clock.Now, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	pool.Tick(ctx)
	<-recomputer.started
	cancel()
	pool.Wait()

	stored, err := store.GetByID(context.Background(), item.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, stored.Status)
	require.Zero(t, stored.RetryCount)
}
