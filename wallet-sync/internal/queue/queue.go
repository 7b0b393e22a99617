// Package queue holds the update queue: one entry per (card, platform) unit of
// work, with at most one active entry per pair. Enqueueing a pair that already
// has a pending or processing entry joins that entry instead of creating a
// second one.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/stampwise/loyalty/wallet-sync/internal/models"
)

var (
	// ErrEmpty is returned by Claim when no entry is claimable.
	ErrEmpty = errors.New("queue empty")
	// ErrNotFound is returned for unknown entry or request ids.
	ErrNotFound = errors.New("not found")
	// ErrNotProcessing is returned when completing or failing an entry the
	// caller does not hold.
	ErrNotProcessing = errors.New("entry is not processing")
)

type EntryInput struct {
	ID         uuid.UUID
	RequestID  uuid.UUID
	CardID     string
	Platform   models.Platform
	UpdateType string
}

type Queue interface {
	// Enqueue creates a pending entry, or returns the active entry for the
	// same pair with joined=true.
	Enqueue(ctx context.Context, in EntryInput) (entry models.UpdateQueueEntry, joined bool, err error)
	// Claim moves the oldest pending entry to processing.
	Claim(ctx context.Context) (models.UpdateQueueEntry, error)
	Complete(ctx context.Context, id uuid.UUID, result models.BuildResult, attempts int) (models.UpdateQueueEntry, error)
	Fail(ctx context.Context, id uuid.UUID, msg string, retryable bool, attempts int) (models.UpdateQueueEntry, error)
	Get(ctx context.Context, id uuid.UUID) (models.UpdateQueueEntry, error)
	ListByRequest(ctx context.Context, requestID uuid.UUID) ([]models.UpdateQueueEntry, error)

	CreateRequest(ctx context.Context, req models.ProvisioningRequest) error
	GetRequest(ctx context.Context, id uuid.UUID) (models.ProvisioningRequest, error)

	// Reclaim fails processing entries last updated before olderThan with a
	// retryable msg and returns them. Their pairs become free again.
	Reclaim(ctx context.Context, olderThan time.Time, msg string) ([]models.UpdateQueueEntry, error)

	// Purge deletes terminal entries last updated before olderThan, and
	// requests created before it whose entries are all terminal. It returns
	// the number of entries removed.
	Purge(ctx context.Context, olderThan time.Time) (int, error)
}
