package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stampwise/loyalty/wallet-sync/internal/models"
)

// PGCardReader reads card state from the wallet_card_states table.
type PGCardReader struct {
	db *sql.DB
}

func NewPGCardReader(db *sql.DB) *PGCardReader {
	return &PGCardReader{db: db}
}

func (r *PGCardReader) GetCard(ctx context.Context, cardID string) (models.CardState, error) {
	const query = `
		SELECT card_id, card_type, progress_current, progress_target, reward_description, session_cost,
		       business_id, business_name, description, color_hex, icon_glyph, customer_name, auth_token, updated_at
		FROM wallet_card_states
		WHERE card_id=$1
	`
	var (
		card     models.CardState
		cardType string
	)
	err := r.db.QueryRowContext(ctx, query, cardID).Scan(
		&card.CardID,
		&cardType,
		&card.ProgressCurrent,
		&card.ProgressTarget,
		&card.RewardDescription,
		&card.SessionCost,
		&card.BusinessID,
		&card.BusinessName,
		&card.Description,
		&card.ColorHex,
		&card.IconGlyph,
		&card.CustomerName,
		&card.AuthToken,
		&card.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.CardState{}, ErrNotFound
		}
		return models.CardState{}, fmt.Errorf("get card state: %w", err)
	}
	card.CardType = models.CardType(cardType)
	card.UpdatedAt = card.UpdatedAt.UTC()
	return card, nil
}

// MemoryCards is an in-process CardReader for development and tests.
type MemoryCards struct {
	mu    sync.RWMutex
	cards map[string]models.CardState
}

func NewMemoryCards(cards ...models.CardState) *MemoryCards {
	m := &MemoryCards{cards: make(map[string]models.CardState, len(cards))}
	for _, c := range cards {
		m.Put(c)
	}
	return m
}

// Put stores card, stamping UpdatedAt when unset.
func (m *MemoryCards) Put(card models.CardState) {
	if card.UpdatedAt.IsZero() {
		card.UpdatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	m.cards[card.CardID] = card
	m.mu.Unlock()
}

func (m *MemoryCards) GetCard(ctx context.Context, cardID string) (models.CardState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	card, ok := m.cards[cardID]
	if !ok {
		return models.CardState{}, ErrNotFound
	}
	return card, nil
}
