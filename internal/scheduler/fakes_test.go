package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"portal_intelligence/internal/intelligence/domain"

	"github.com/google/uuid"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingProcessor struct {
	mu      sync.Mutex
	seen    []string
	fail    error
	onCall  func(item domain.QueueItem)
	release chan struct{}
}

func (p *recordingProcessor) ProcessActivity(ctx context.Context, item domain.QueueItem) error {
	p.mu.Lock()
	p.seen = append(p.seen, *item.SourceEventID)
	onCall := p.onCall
	p.mu.Unlock()

	if onCall != nil {
		onCall(item)
	}
	if p.release != nil {
		select {
		case <-p.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return p.fail
}

func (p *recordingProcessor) calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.seen))
	copy(out, p.seen)
	return out
}

type blockingRecomputer struct {
	mu      sync.Mutex
	calls   []uuid.UUID
	started chan uuid.UUID
	block   bool
	fail    error
	onDone  func(opportunityID uuid.UUID)
	cause   error
}

func (r *blockingRecomputer) Recompute(ctx context.Context, opportunityID uuid.UUID) error {
	r.mu.Lock()
	r.calls = append(r.calls, opportunityID)
	r.mu.Unlock()

	if r.started != nil {
		r.started <- opportunityID
	}
	if r.block {
		<-ctx.Done()
		r.mu.Lock()
		r.cause = context.Cause(ctx)
		r.mu.Unlock()
		return ctx.Err()
	}
	if r.fail != nil {
		return r.fail
	}
	if r.onDone != nil {
		r.onDone(opportunityID)
	}
	return nil
}

func (r *blockingRecomputer) stopCause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cause
}

func (r *blockingRecomputer) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type recordingHook struct {
	mu            sync.Mutex
	activities    []uuid.UUID
	opportunities []uuid.UUID
}

func (h *recordingHook) ActivityProcessed(_ context.Context, item domain.QueueItem) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.activities = append(h.activities, item.ID)
	return nil
}

func (h *recordingHook) OpportunityReprocessed(_ context.Context, item domain.QueueItem) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.opportunities = append(h.opportunities, *item.OpportunityID)
	return errors.New("downstream unavailable")
}

type staticConflicts struct {
	mu     sync.Mutex
	active map[uuid.UUID]bool
}

func newStaticConflicts() *staticConflicts {
	return &staticConflicts{active: make(map[uuid.UUID]bool)}
}

func (s *staticConflicts) set(prospectID uuid.UUID, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[prospectID] = active
}

func (s *staticConflicts) ActiveBatchConflict(_ context.Context, prospectID uuid.UUID) (domain.BatchConflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.BatchConflict{Running: s.active[prospectID]}, nil
}
