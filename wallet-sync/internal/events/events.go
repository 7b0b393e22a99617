// Package events carries provisioning status changes out of the service
// (Kafka) and card-state change notifications into it (NATS).
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stampwise/loyalty/wallet-sync/internal/models"
)

// StatusEvent describes one provisioning transition for a (card, platform) pair.
type StatusEvent struct {
	RequestID uuid.UUID       `json:"requestId"`
	EntryID   uuid.UUID       `json:"entryId"`
	CardID    string          `json:"cardId"`
	Platform  models.Platform `json:"platform"`
	Status    string          `json:"status"`
	Error     string          `json:"error,omitempty"`
	At        time.Time       `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, ev StatusEvent) error
	Close() error
}

// Noop discards events. Used when no broker is configured.
type Noop struct{}

func (Noop) Publish(ctx context.Context, ev StatusEvent) error { return nil }
func (Noop) Close() error                                      { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []StatusEvent
}

func (r *Recorder) Publish(ctx context.Context, ev StatusEvent) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []StatusEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StatusEvent(nil), r.events...)
}
