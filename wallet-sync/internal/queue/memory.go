package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stampwise/loyalty/wallet-sync/internal/models"
)

type pairKey struct {
	cardID   string
	platform models.Platform
}

// MemoryQueue is an in-process Queue. Entries are kept in submission order so
// Claim is FIFO.
type MemoryQueue struct {
	mu       sync.Mutex
	order    []uuid.UUID
	entries  map[uuid.UUID]*models.UpdateQueueEntry
	active   map[pairKey]uuid.UUID
	requests map[uuid.UUID]models.ProvisioningRequest

	NowFunc func() time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		entries:  map[uuid.UUID]*models.UpdateQueueEntry{},
		active:   map[pairKey]uuid.UUID{},
		requests: map[uuid.UUID]models.ProvisioningRequest{},
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func copyEntry(e *models.UpdateQueueEntry) models.UpdateQueueEntry {
	out := *e
	if e.Result != nil {
		res := *e.Result
		out.Result = &res
	}
	return out
}

func (q *MemoryQueue) Enqueue(ctx context.Context, in EntryInput) (models.UpdateQueueEntry, bool, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	key := pairKey{cardID: in.CardID, platform: in.Platform}

	q.mu.Lock()
	defer q.mu.Unlock()
	if id, ok := q.active[key]; ok {
		return copyEntry(q.entries[id]), true, nil
	}
	now := q.NowFunc()
	entry := &models.UpdateQueueEntry{
		ID:         in.ID,
		RequestID:  in.RequestID,
		CardID:     in.CardID,
		Platform:   in.Platform,
		UpdateType: in.UpdateType,
		Status:     models.EntryPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	q.entries[entry.ID] = entry
	q.order = append(q.order, entry.ID)
	q.active[key] = entry.ID
	return copyEntry(entry), false, nil
}

func (q *MemoryQueue) Claim(ctx context.Context) (models.UpdateQueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range q.order {
		entry := q.entries[id]
		if entry.Status != models.EntryPending {
			continue
		}
		entry.Status = models.EntryProcessing
		entry.UpdatedAt = q.NowFunc()
		return copyEntry(entry), nil
	}
	return models.UpdateQueueEntry{}, ErrEmpty
}

func (q *MemoryQueue) finish(id uuid.UUID, apply func(*models.UpdateQueueEntry)) (models.UpdateQueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.entries[id]
	if !ok {
		return models.UpdateQueueEntry{}, ErrNotFound
	}
	if entry.Status != models.EntryProcessing {
		return copyEntry(entry), ErrNotProcessing
	}
	apply(entry)
	entry.UpdatedAt = q.NowFunc()
	delete(q.active, pairKey{cardID: entry.CardID, platform: entry.Platform})
	return copyEntry(entry), nil
}

func (q *MemoryQueue) Complete(ctx context.Context, id uuid.UUID, result models.BuildResult, attempts int) (models.UpdateQueueEntry, error) {
	return q.finish(id, func(e *models.UpdateQueueEntry) {
		e.Status = models.EntryCompleted
		e.Result = &result
		e.Attempts = attempts
		e.Error = ""
		e.Retryable = false
	})
}

func (q *MemoryQueue) Fail(ctx context.Context, id uuid.UUID, msg string, retryable bool, attempts int) (models.UpdateQueueEntry, error) {
	return q.finish(id, func(e *models.UpdateQueueEntry) {
		e.Status = models.EntryFailed
		e.Error = msg
		e.Retryable = retryable
		e.Attempts = attempts
	})
}

func (q *MemoryQueue) Get(ctx context.Context, id uuid.UUID) (models.UpdateQueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.entries[id]
	if !ok {
		return models.UpdateQueueEntry{}, ErrNotFound
	}
	return copyEntry(entry), nil
}

func (q *MemoryQueue) ListByRequest(ctx context.Context, requestID uuid.UUID) ([]models.UpdateQueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []models.UpdateQueueEntry
	for _, id := range q.order {
		if e := q.entries[id]; e.RequestID == requestID {
			out = append(out, copyEntry(e))
		}
	}
	return out, nil
}

func (q *MemoryQueue) CreateRequest(ctx context.Context, req models.ProvisioningRequest) error {
	if req.CreatedAt.IsZero() {
		req.CreatedAt = q.NowFunc()
	}
	entries := make(map[models.Platform]uuid.UUID, len(req.Entries))
	for k, v := range req.Entries {
		entries[k] = v
	}
	req.Entries = entries
	req.Platforms = append([]models.Platform(nil), req.Platforms...)

	q.mu.Lock()
	q.requests[req.ID] = req
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) GetRequest(ctx context.Context, id uuid.UUID) (models.ProvisioningRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	req, ok := q.requests[id]
	if !ok {
		return models.ProvisioningRequest{}, ErrNotFound
	}
	return req, nil
}

func (q *MemoryQueue) Reclaim(ctx context.Context, olderThan time.Time, msg string) ([]models.UpdateQueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []models.UpdateQueueEntry
	for _, id := range q.order {
		entry := q.entries[id]
		if entry.Status != models.EntryProcessing || !entry.UpdatedAt.Before(olderThan) {
			continue
		}
		entry.Status = models.EntryFailed
		entry.Error = msg
		entry.Retryable = true
		entry.UpdatedAt = q.NowFunc()
		delete(q.active, pairKey{cardID: entry.CardID, platform: entry.Platform})
		out = append(out, copyEntry(entry))
	}
	return out, nil
}

func (q *MemoryQueue) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, req := range q.requests {
		if req.CreatedAt.Before(olderThan) && !q.hasActive(req) {
			delete(q.requests, id)
		}
	}
	kept := q.order[:0]
	removed := 0
	for _, id := range q.order {
		e := q.entries[id]
		if e.Status.Terminal() && e.UpdatedAt.Before(olderThan) {
			delete(q.entries, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	q.order = kept
	return removed, nil
}

// hasActive reports whether any entry the request points at, including
// joined entries of other requests, is still pending or processing.
func (q *MemoryQueue) hasActive(req models.ProvisioningRequest) bool {
	for _, id := range req.Entries {
		if e, ok := q.entries[id]; ok && !e.Status.Terminal() {
			return true
		}
	}
	return false
}
