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

func insertActivity(t *testing.T, store *repository.MemoryStore, prospect uuid.UUID, source string, at time.Time) domain.QueueItem {
	t.Helper()
	item, err := store.InsertActivity(context.Background(), repository.InsertActivityParams{
		ProspectID:      prospect,
		SourceEventID:   source,
		SourceEventKind: domain.EventEmail,
		EventTimestamp:  at,
		Priority:        at.UnixMilli(),
		MaxRetries:      domain.DefaultMaxRetries,
	})
	require.NoError(t, err)
	return item
}

func testPoolConfig() PoolConfig {
	return PoolConfig{PollInterval: 10 * time.Millisecond, Concurrency: 10, Owner: "test-worker"}
}

func TestActivityPoolProcessesProspectInTimestampOrder(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := repository.NewMemoryStore(clock.Now)
	prospect := uuid.New()
	base := clock.Now()

	insertActivity(t, store, prospect, "T3", base.Add(3*time.Minute))
	insertActivity(t, store, prospect, "T1", base.Add(1*time.Minute))
	insertActivity(t, store, prospect, "T2", base.Add(2*time.Minute))

	processor := &recordingProcessor{}
	hook := &recordingHook{}
	pool := NewActivityPool(store, newStaticConflicts(), processor, hook, testPoolConfig(), logger.NewNop())

	pool.Tick(ctx)
	pool.Wait()

	require.Equal(t, []string{"T1", "T2", "T3"}, processor.calls())
	require.Len(t, hook.activities, 3)
	for _, item := range store.All() {
		require.Equal(t, domain.StatusCompleted, item.Status)
	}
	require.Zero(t, pool.ActiveWorkers())
}

func TestActivityPoolExhaustsRetries(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := repository.NewMemoryStore(clock.Now)
	prospect := uuid.New()
	item := insertActivity(t, store, prospect, "flaky", clock.Now())

	processor := &recordingProcessor{fail: errors.New("analytics unavailable")}
	pool := NewActivityPool(store, newStaticConflicts(), processor, nil, testPoolConfig(), logger.NewNop())

	pool.Tick(ctx)
	pool.Wait()

	require.Len(t, processor.calls(), domain.DefaultMaxRetries+1)
	stored, err := store.GetByID(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, stored.Status)
	require.Equal(t, domain.DefaultMaxRetries+1, stored.RetryCount)
	require.Equal(t, "analytics unavailable", *stored.ErrorMessage)

	pool.Tick(ctx)
	pool.Wait()
	require.Len(t, processor.calls(), domain.DefaultMaxRetries+1, "failed items are not retried automatically")
}

func TestActivityPoolSkipsProspectWithActiveBatch(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := repository.NewMemoryStore(clock.Now)
	prospect := uuid.New()
	insertActivity(t, store, prospect, "a", clock.Now())

	conflicts := newStaticConflicts()
	conflicts.set(prospect, true)
	processor := &recordingProcessor{}
	pool := NewActivityPool(store, conflicts, processor, nil, testPoolConfig(), logger.NewNop())

	pool.Tick(ctx)
	pool.Wait()

	require.Empty(t, processor.calls())
}

func TestActivityPoolTearsDownWhenBatchStartsMidFlight(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := repository.NewMemoryStore(clock.Now)
	prospect := uuid.New()
	insertActivity(t, store, prospect, "first", clock.Now())
	second := insertActivity(t, store, prospect, "second", clock.Now().Add(time.Minute))

	conflicts := newStaticConflicts()
	processor := &recordingProcessor{onCall: func(domain.QueueItem) { conflicts.set(prospect, true) }}
	pool := NewActivityPool(store, conflicts, processor, nil, testPoolConfig(), logger.NewNop())

	pool.Tick(ctx)
	pool.Wait()

	require.Equal(t, []string{"first"}, processor.calls())
	stored, err := store.GetByID(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, stored.Status)
}

func TestActivityPoolRespectsConcurrencyCeiling(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := repository.NewMemoryStore(clock.Now)
	for i := 0; i < 3; i++ {
		insertActivity(t, store, uuid.New(), uuid.NewString(), clock.Now().Add(time.Duration(i)*time.Second))
	}

	processor := &recordingProcessor{release: make(chan struct{})}
	cfg := testPoolConfig()
	cfg.Concurrency = 2
	pool := NewActivityPool(store, newStaticConflicts(), processor, nil, cfg, logger.NewNop())

	pool.Tick(ctx)
	require.Equal(t, 2, pool.ActiveWorkers())

	close(processor.release)
	pool.Wait()

	pool.Tick(ctx)
	pool.Wait()
	require.Len(t, processor.calls(), 3)
}

func TestActivityPoolReleasesItemOnShutdown(t *testing.T) {
	clock := newClock()
	store := repository.NewMemoryStore(clock.Now)
	prospect := uuid.New()
	item := insertActivity(t, store, prospect, "slow", clock.Now())

	started := make(chan struct{})
	processor := &recordingProcessor{
		release: make(chan struct{}),
		onCall:  func(domain.QueueItem) { close(started) },
	}
	pool := NewActivityPool(store, newStaticConflicts(), processor, nil, testPoolConfig(), logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	pool.Tick(ctx)
	<-started
	cancel()
	pool.Wait()

	stored, err := store.GetByID(context.Background(), item.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, stored.Status)
	require.Zero(t, stored.RetryCount)
	require.Nil(t, stored.ProcessingOwner)
}

func TestActivityPoolPagesPastProspectsWithActiveBatch(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := repository.NewMemoryStore(clock.Now)
	conflicts := newStaticConflicts()

	for i := 0; i < defaultListLimit+5; i++ {
		blocked := uuid.New()
		insertActivity(t, store, blocked, uuid.NewString(), clock.Now().Add(time.Duration(i)*time.Millisecond))
		conflicts.set(blocked, true)
	}
	free := uuid.New()
	insertActivity(t, store, free, "free", clock.Now().Add(time.Hour))

	processor := &recordingProcessor{}
	pool := NewActivityPool(store, conflicts, processor, nil, testPoolConfig(), logger.NewNop())

	pool.Tick(ctx)
	pool.Wait()

	require.Equal(t, []string{"free"}, processor.calls())
}

func TestActivityPoolSkipsProspectProcessingElsewhere(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := repository.NewMemoryStore(clock.Now)

	held := uuid.New()
	insertActivity(t, store, held, "held-1", clock.Now())
	insertActivity(t, store, held, "held-2", clock.Now().Add(time.Second))
	_, outcome, err := store.ClaimNextActivity(ctx, held, "other-host")
	require.NoError(t, err)
	require.Equal(t, repository.ClaimAcquired, outcome)

	free := uuid.New()
	insertActivity(t, store, free, "free", clock.Now().Add(time.Minute))

	processor := &recordingProcessor{}
	cfg := testPoolConfig()
	cfg.Concurrency = 1
	pool := NewActivityPool(store, newStaticConflicts(), processor, nil, cfg, logger.NewNop())

	pool.Tick(ctx)
	pool.Wait()

	require.Equal(t, []string{"free"}, processor.calls())
}
