package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"portal_intelligence/internal/intelligence/domain"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store with the same conditional-write rules
// as Repository. Tests across the module run against it.
type MemoryStore struct {
	mu    sync.Mutex
	items map[uuid.UUID]domain.QueueItem
	now   func() time.Time
}

// NewMemoryStore creates an empty store. A nil clock uses time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{items: make(map[uuid.UUID]domain.QueueItem), now: now}
}

// All returns a snapshot of every item, ordered by AddedAt.
func (m *MemoryStore) All() []domain.QueueItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.QueueItem, 0, len(m.items))
	for _, item := range m.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AddedAt.Before(out[j].AddedAt) })
	return out
}

// Put stores an item as-is, replacing any item with the same id.
func (m *MemoryStore) Put(item domain.QueueItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[item.ID] = item
}

func ptr[T any](v T) *T { return &v }

func (m *MemoryStore) InsertActivity(_ context.Context, p InsertActivityParams) (domain.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range m.items {
		if item.Kind == domain.KindActivity && *item.SourceEventID == p.SourceEventID && *item.SourceEventKind == p.SourceEventKind {
			return domain.QueueItem{}, ErrDuplicate
		}
	}
	item := domain.QueueItem{
		ID:              uuid.New(),
		Kind:            domain.KindActivity,
		ProspectID:      ptr(p.ProspectID),
		OrganizationID:  p.OrganizationID,
		SourceEventID:   ptr(p.SourceEventID),
		SourceEventKind: ptr(p.SourceEventKind),
		EventTimestamp:  ptr(p.EventTimestamp),
		Status:          domain.StatusPending,
		Priority:        p.Priority,
		AddedAt:         m.now(),
		MaxRetries:      p.MaxRetries,
		Version:         1,
	}
	m.items[item.ID] = item
	return item, nil
}

func (m *MemoryStore) GetActivityBySource(_ context.Context, sourceEventID string, kind domain.EventKind) (domain.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range m.items {
		if item.Kind == domain.KindActivity && *item.SourceEventID == sourceEventID && *item.SourceEventKind == kind {
			return item, nil
		}
	}
	return domain.QueueItem{}, ErrNotFound
}

// ListProspectsWithPendingActivity skips prospects with an item already
// processing. The store holds no opportunity links, so batch conflicts are
// left to the caller.
func (m *MemoryStore) ListProspectsWithPendingActivity(_ context.Context, after *PendingProspect, limit int) ([]PendingProspect, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit < 1 {
		limit = 100
	}
	lowest := make(map[uuid.UUID]int64)
	busy := make(map[uuid.UUID]bool)
	for _, item := range m.items {
		if item.Kind != domain.KindActivity {
			continue
		}
		switch item.Status {
		case domain.StatusProcessing:
			busy[*item.ProspectID] = true
		case domain.StatusPending:
			if p, ok := lowest[*item.ProspectID]; !ok || item.Priority < p {
				lowest[*item.ProspectID] = item.Priority
			}
		}
	}
	page := make([]PendingProspect, 0, len(lowest))
	for id, priority := range lowest {
		p := PendingProspect{ProspectID: id, Priority: priority}
		if busy[id] || (after != nil && !p.After(*after)) {
			continue
		}
		page = append(page, p)
	}
	sort.Slice(page, func(i, j int) bool { return page[j].After(page[i]) })
	if len(page) > limit {
		page = page[:limit]
	}
	return page, nil
}

func (m *MemoryStore) ClaimNextActivity(_ context.Context, prospectID uuid.UUID, owner string) (domain.QueueItem, ClaimOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var next *domain.QueueItem
	for _, item := range m.items {
		if item.Kind != domain.KindActivity || *item.ProspectID != prospectID {
			continue
		}
		switch item.Status {
		case domain.StatusProcessing:
			return domain.QueueItem{}, ClaimBusy, nil
		case domain.StatusPending:
			if next == nil || item.Priority < next.Priority ||
				(item.Priority == next.Priority && item.AddedAt.Before(next.AddedAt)) {
				candidate := item
				next = &candidate
			}
		}
	}
	if next == nil {
		return domain.QueueItem{}, ClaimEmpty, nil
	}
	now := m.now()
	next.Status = domain.StatusProcessing
	next.ProcessingOwner = ptr(owner)
	next.ProcessingStartedAt = ptr(now)
	next.HeartbeatAt = ptr(now)
	next.Version++
	m.items[next.ID] = *next
	return *next, ClaimAcquired, nil
}

func (m *MemoryStore) CompletePendingActivityForProspect(_ context.Context, prospectID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	now := m.now()
	for id, item := range m.items {
		if item.Kind != domain.KindActivity || *item.ProspectID != prospectID || item.Status != domain.StatusPending {
			continue
		}
		item.Status = domain.StatusCompleted
		item.CompletedByBatch = true
		item.ProcessingCompletedAt = ptr(now)
		item.Version++
		m.items[id] = item
		n++
	}
	return n, nil
}

func (m *MemoryStore) findBatch(opportunityID uuid.UUID) (domain.QueueItem, bool) {
	for _, item := range m.items {
		if item.Kind == domain.KindBatchReprocess && *item.OpportunityID == opportunityID {
			return item, true
		}
	}
	return domain.QueueItem{}, false
}

func (m *MemoryStore) GetBatchByOpportunity(_ context.Context, opportunityID uuid.UUID) (domain.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item, ok := m.findBatch(opportunityID); ok {
		return item, nil
	}
	return domain.QueueItem{}, ErrNotFound
}

func (m *MemoryStore) InsertBatch(_ context.Context, p InsertBatchParams) (domain.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.findBatch(p.OpportunityID); ok {
		return domain.QueueItem{}, ErrDuplicate
	}
	item := domain.QueueItem{
		ID:             uuid.New(),
		Kind:           domain.KindBatchReprocess,
		ProspectID:     p.ProspectID,
		OrganizationID: p.OrganizationID,
		OpportunityID:  ptr(p.OpportunityID),
		ScheduledFor:   ptr(p.ScheduledFor),
		DebounceReason: ptr(p.Reason),
		Status:         domain.StatusPending,
		Priority:       p.Priority,
		AddedAt:        m.now(),
		MaxRetries:     p.MaxRetries,
		Version:        1,
	}
	m.items[item.ID] = item
	return item, nil
}

func (m *MemoryStore) RescheduleBatch(_ context.Context, p RescheduleBatchParams) (domain.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[p.ID]
	if !ok || item.Version != p.Version || !statusIn(item.Status, p.ExpectStatuses) {
		return domain.QueueItem{}, ErrStale
	}
	switch {
	case item.Status == domain.StatusProcessing:
		item.ErrorMessage = ptr(domain.CancelledMessage)
	case p.ResetRetries:
		item.ErrorMessage = nil
	}
	if p.ResetRetries {
		item.RetryCount = 0
	}
	item.Status = domain.StatusPending
	item.ScheduledFor = ptr(p.ScheduledFor)
	item.DebounceReason = ptr(p.Reason)
	item.Priority = p.Priority
	item.ProcessingOwner = nil
	item.ProcessingStartedAt = nil
	item.ProcessingCompletedAt = nil
	item.HeartbeatAt = nil
	item.Version++
	m.items[item.ID] = item
	return item, nil
}

func (m *MemoryStore) DeletePendingBatch(_ context.Context, opportunityID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.findBatch(opportunityID)
	if !ok || item.Status != domain.StatusPending {
		return false, nil
	}
	delete(m.items, item.ID)
	return true, nil
}

func (m *MemoryStore) ListDueBatches(_ context.Context, now time.Time, limit int) ([]domain.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit < 1 {
		limit = 50
	}
	var due []domain.QueueItem
	for _, item := range m.items {
		if item.Kind == domain.KindBatchReprocess && item.Status == domain.StatusPending && !item.ScheduledFor.After(now) {
			due = append(due, item)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledFor.Before(*due[j].ScheduledFor) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *MemoryStore) ClaimBatch(_ context.Context, id uuid.UUID, owner string) (domain.QueueItem, ClaimOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	item, ok := m.items[id]
	if !ok || item.Kind != domain.KindBatchReprocess || item.Status != domain.StatusPending || item.ScheduledFor.After(now) {
		return domain.QueueItem{}, ClaimEmpty, nil
	}
	item.Status = domain.StatusProcessing
	item.ProcessingOwner = ptr(owner)
	item.ProcessingStartedAt = ptr(now)
	item.HeartbeatAt = ptr(now)
	item.Version++
	m.items[id] = item
	return item, ClaimAcquired, nil
}

func (m *MemoryStore) BatchConflictFor(_ context.Context, opportunityIDs []uuid.UUID) (domain.BatchConflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var conflict domain.BatchConflict
	for _, id := range opportunityIDs {
		item, ok := m.findBatch(id)
		if !ok {
			continue
		}
		switch item.Status {
		case domain.StatusPending:
			conflict.Pending = true
		case domain.StatusProcessing:
			conflict.Running = true
		}
	}
	return conflict, nil
}

func (m *MemoryStore) GetByID(_ context.Context, id uuid.UUID) (domain.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return domain.QueueItem{}, ErrNotFound
	}
	return item, nil
}

// claimed returns the stored item when it still matches the caller's claim.
func (m *MemoryStore) claimed(ref domain.QueueItem) (domain.QueueItem, error) {
	item, ok := m.items[ref.ID]
	if !ok || item.Version != ref.Version || item.Status != domain.StatusProcessing {
		return domain.QueueItem{}, ErrStale
	}
	return item, nil
}

func (m *MemoryStore) MarkCompleted(_ context.Context, ref domain.QueueItem) (domain.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, err := m.claimed(ref)
	if err != nil {
		return domain.QueueItem{}, err
	}
	item.Status = domain.StatusCompleted
	item.ProcessingCompletedAt = ptr(m.now())
	item.ErrorMessage = nil
	item.Version++
	m.items[item.ID] = item
	return item, nil
}

func (m *MemoryStore) MarkFailed(_ context.Context, ref domain.QueueItem, message string) (domain.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, err := m.claimed(ref)
	if err != nil {
		return domain.QueueItem{}, err
	}
	now := m.now()
	item.RetryCount, item.Status = domain.FailureOutcome(item.RetryCount, item.MaxRetries)
	if item.Status == domain.StatusFailed {
		item.ProcessingCompletedAt = ptr(now)
	} else if item.Kind == domain.KindBatchReprocess {
		item.ScheduledFor = ptr(now)
	}
	item.ErrorMessage = ptr(message)
	item.ProcessingOwner = nil
	item.ProcessingStartedAt = nil
	item.HeartbeatAt = nil
	item.Version++
	m.items[item.ID] = item
	return item, nil
}

func (m *MemoryStore) MarkCancelled(_ context.Context, ref domain.QueueItem) (domain.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, err := m.claimed(ref)
	if err != nil {
		return domain.QueueItem{}, err
	}
	item.Status = domain.StatusFailed
	item.ErrorMessage = ptr(domain.CancelledMessage)
	item.ProcessingCompletedAt = ptr(m.now())
	item.ProcessingOwner = nil
	item.HeartbeatAt = nil
	item.Version++
	m.items[item.ID] = item
	return item, nil
}

func (m *MemoryStore) Release(_ context.Context, ref domain.QueueItem) (domain.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, err := m.claimed(ref)
	if err != nil {
		return domain.QueueItem{}, err
	}
	item.Status = domain.StatusPending
	item.ProcessingOwner = nil
	item.ProcessingStartedAt = nil
	item.HeartbeatAt = nil
	item.Version++
	m.items[item.ID] = item
	return item, nil
}

func (m *MemoryStore) Touch(_ context.Context, ref domain.QueueItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, err := m.claimed(ref)
	if err != nil {
		return err
	}
	item.HeartbeatAt = ptr(m.now())
	m.items[item.ID] = item
	return nil
}

func (m *MemoryStore) Retry(_ context.Context, id uuid.UUID) (domain.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return domain.QueueItem{}, ErrNotFound
	}
	if item.Status != domain.StatusFailed {
		return domain.QueueItem{}, ErrStale
	}
	item.Status = domain.StatusPending
	item.RetryCount = 0
	item.ErrorMessage = nil
	item.ProcessingCompletedAt = nil
	item.ProcessingOwner = nil
	item.ProcessingStartedAt = nil
	if item.Kind == domain.KindBatchReprocess {
		item.ScheduledFor = ptr(m.now())
	}
	item.Version++
	m.items[id] = item
	return item, nil
}

func (m *MemoryStore) ResetStuck(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, item := range m.items {
		if item.Status != domain.StatusProcessing {
			continue
		}
		lastSeen := item.ProcessingStartedAt
		if item.HeartbeatAt != nil {
			lastSeen = item.HeartbeatAt
		}
		if lastSeen == nil || !lastSeen.Before(before) {
			continue
		}
		item.Status = domain.StatusPending
		item.ProcessingOwner = nil
		item.ProcessingStartedAt = nil
		item.HeartbeatAt = nil
		item.Version++
		m.items[id] = item
		n++
	}
	return n, nil
}

func (m *MemoryStore) PurgeCompleted(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, item := range m.items {
		if item.Status == domain.StatusCompleted && item.ProcessingCompletedAt != nil && item.ProcessingCompletedAt.Before(before) {
			delete(m.items, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Stats(_ context.Context) ([]domain.StatusCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	type key struct {
		kind   domain.ItemKind
		status domain.ItemStatus
	}
	counts := make(map[key]int64)
	for _, item := range m.items {
		counts[key{item.Kind, item.Status}]++
	}
	out := make([]domain.StatusCount, 0, len(counts))
	for k, n := range counts {
		out = append(out, domain.StatusCount{Kind: k.kind, Status: k.status, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Status < out[j].Status
	})
	return out, nil
}

func statusIn(status domain.ItemStatus, set []domain.ItemStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}
