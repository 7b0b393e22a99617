package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stampwise/loyalty/wallet-sync/internal/models"
)

// PGQueue stores entries in wallet_update_queue. The partial unique index
// wallet_update_queue_active_pair backs the single-flight rule.
type PGQueue struct {
	db *sql.DB
}

func NewPGQueue(db *sql.DB) *PGQueue {
	return &PGQueue{db: db}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

const entryColumns = `id, request_id, card_id, platform, update_type, status, attempts, result, error, retryable, created_at, updated_at`

func scanEntry(row rowScanner) (models.UpdateQueueEntry, error) {
	var (
		entry    models.UpdateQueueEntry
		platform string
		status   string
		result   []byte
	)
	if err := row.Scan(
		&entry.ID,
		&entry.RequestID,
		&entry.CardID,
		&platform,
		&entry.UpdateType,
		&status,
		&entry.Attempts,
		&result,
		&entry.Error,
		&entry.Retryable,
		&entry.CreatedAt,
		&entry.UpdatedAt,
	); err != nil {
		return models.UpdateQueueEntry{}, err
	}
	entry.Platform = models.Platform(platform)
	entry.Status = models.EntryStatus(status)
	if len(result) > 0 && string(result) != "null" {
		var res models.BuildResult
		if err := json.Unmarshal(result, &res); err != nil {
			return models.UpdateQueueEntry{}, fmt.Errorf("decode result: %w", err)
		}
		entry.Result = &res
	}
	return entry, nil
}

// Enqueue inserts a pending entry unless the pair already has an active one.
// A lost race against a finishing entry is retried a few times.
func (q *PGQueue) Enqueue(ctx context.Context, in EntryInput) (models.UpdateQueueEntry, bool, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	const insert = `
		INSERT INTO wallet_update_queue (id, request_id, card_id, platform, update_type, status)
		VALUES ($1,$2,$3,$4,$5,'pending')
		ON CONFLICT (card_id, platform) WHERE status IN ('pending', 'processing') DO NOTHING
		RETURNING ` + entryColumns
	const selectActive = `
		SELECT ` + entryColumns + `
		FROM wallet_update_queue
		WHERE card_id=$1 AND platform=$2 AND status IN ('pending', 'processing')
	`
	for attempt := 0; attempt < 3; attempt++ {
		entry, err := scanEntry(q.db.QueryRowContext(ctx, insert, in.ID, in.RequestID, in.CardID, string(in.Platform), in.UpdateType))
		if err == nil {
			return entry, false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return models.UpdateQueueEntry{}, false, fmt.Errorf("insert queue entry: %w", err)
		}
		entry, err = scanEntry(q.db.QueryRowContext(ctx, selectActive, in.CardID, string(in.Platform)))
		if err == nil {
			return entry, true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return models.UpdateQueueEntry{}, false, fmt.Errorf("select active entry: %w", err)
		}
	}
	return models.UpdateQueueEntry{}, false, fmt.Errorf("enqueue %s/%s: active entry kept changing", in.CardID, in.Platform)
}

func (q *PGQueue) Claim(ctx context.Context) (models.UpdateQueueEntry, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return models.UpdateQueueEntry{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	const selectPending = `
		SELECT id FROM wallet_update_queue p
		WHERE status='pending'
		  AND NOT EXISTS (
		    SELECT 1 FROM wallet_update_queue r
		    WHERE r.card_id=p.card_id AND r.platform=p.platform AND r.status='processing'
		  )
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`
	var id uuid.UUID
	if err := tx.QueryRowContext(ctx, selectPending).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.UpdateQueueEntry{}, ErrEmpty
		}
		return models.UpdateQueueEntry{}, fmt.Errorf("select pending entry: %w", err)
	}

	const claim = `
		UPDATE wallet_update_queue
		SET status='processing', updated_at=NOW()
		WHERE id=$1
		RETURNING ` + entryColumns
	entry, err := scanEntry(tx.QueryRowContext(ctx, claim, id))
	if err != nil {
		return models.UpdateQueueEntry{}, fmt.Errorf("claim entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.UpdateQueueEntry{}, fmt.Errorf("commit claim: %w", err)
	}
	return entry, nil
}

func (q *PGQueue) finish(ctx context.Context, id uuid.UUID, status models.EntryStatus, result []byte, msg string, retryable bool, attempts int) (models.UpdateQueueEntry, error) {
	const query = `
		UPDATE wallet_update_queue
		SET status=$2, result=$3, error=$4, retryable=$5, attempts=$6, updated_at=NOW()
		WHERE id=$1 AND status='processing'
		RETURNING ` + entryColumns
	entry, err := scanEntry(q.db.QueryRowContext(ctx, query, id, string(status), result, msg, retryable, attempts))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			current, getErr := q.Get(ctx, id)
			if getErr != nil {
				return models.UpdateQueueEntry{}, getErr
			}
			return current, ErrNotProcessing
		}
		return models.UpdateQueueEntry{}, fmt.Errorf("finish queue entry: %w", err)
	}
	return entry, nil
}

func (q *PGQueue) Complete(ctx context.Context, id uuid.UUID, result models.BuildResult, attempts int) (models.UpdateQueueEntry, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return models.UpdateQueueEntry{}, fmt.Errorf("encode result: %w", err)
	}
	return q.finish(ctx, id, models.EntryCompleted, raw, "", false, attempts)
}

func (q *PGQueue) Fail(ctx context.Context, id uuid.UUID, msg string, retryable bool, attempts int) (models.UpdateQueueEntry, error) {
	return q.finish(ctx, id, models.EntryFailed, nil, msg, retryable, attempts)
}

func (q *PGQueue) Get(ctx context.Context, id uuid.UUID) (models.UpdateQueueEntry, error) {
	const query = `SELECT ` + entryColumns + ` FROM wallet_update_queue WHERE id=$1`
	entry, err := scanEntry(q.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.UpdateQueueEntry{}, ErrNotFound
		}
		return models.UpdateQueueEntry{}, fmt.Errorf("get queue entry: %w", err)
	}
	return entry, nil
}

func (q *PGQueue) ListByRequest(ctx context.Context, requestID uuid.UUID) ([]models.UpdateQueueEntry, error) {
	const query = `SELECT ` + entryColumns + ` FROM wallet_update_queue WHERE request_id=$1 ORDER BY created_at`
	rows, err := q.db.QueryContext(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("list queue entries: %w", err)
	}
	defer rows.Close()

	var entries []models.UpdateQueueEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue entries: %w", err)
	}
	return entries, nil
}

func (q *PGQueue) CreateRequest(ctx context.Context, req models.ProvisioningRequest) error {
	platforms, err := json.Marshal(req.Platforms)
	if err != nil {
		return fmt.Errorf("encode platforms: %w", err)
	}
	entries, err := json.Marshal(req.Entries)
	if err != nil {
		return fmt.Errorf("encode entries: %w", err)
	}
	const query = `
		INSERT INTO wallet_provisioning_requests (id, card_id, platforms, entries)
		VALUES ($1,$2,$3,$4)
	`
	if _, err := q.db.ExecContext(ctx, query, req.ID, req.CardID, platforms, entries); err != nil {
		return fmt.Errorf("insert provisioning request: %w", err)
	}
	return nil
}

func (q *PGQueue) GetRequest(ctx context.Context, id uuid.UUID) (models.ProvisioningRequest, error) {
	const query = `SELECT id, card_id, platforms, entries, created_at FROM wallet_provisioning_requests WHERE id=$1`
	var (
		req       models.ProvisioningRequest
		platforms []byte
		entries   []byte
	)
	if err := q.db.QueryRowContext(ctx, query, id).Scan(&req.ID, &req.CardID, &platforms, &entries, &req.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ProvisioningRequest{}, ErrNotFound
		}
		return models.ProvisioningRequest{}, fmt.Errorf("get provisioning request: %w", err)
	}
	if err := json.Unmarshal(platforms, &req.Platforms); err != nil {
		return models.ProvisioningRequest{}, fmt.Errorf("decode platforms: %w", err)
	}
	if err := json.Unmarshal(entries, &req.Entries); err != nil {
		return models.ProvisioningRequest{}, fmt.Errorf("decode entries: %w", err)
	}
	return req, nil
}

func (q *PGQueue) Reclaim(ctx context.Context, olderThan time.Time, msg string) ([]models.UpdateQueueEntry, error) {
	const query = `
		UPDATE wallet_update_queue
		SET status='failed', error=$2, retryable=TRUE, updated_at=NOW()
		WHERE status='processing' AND updated_at < $1
		RETURNING ` + entryColumns
	rows, err := q.db.QueryContext(ctx, query, olderThan, msg)
	if err != nil {
		return nil, fmt.Errorf("reclaim queue entries: %w", err)
	}
	defer rows.Close()

	var entries []models.UpdateQueueEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reclaimed entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reclaimed entries: %w", err)
	}
	return entries, nil
}

func (q *PGQueue) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	const purgeRequests = `
		DELETE FROM wallet_provisioning_requests r
		WHERE r.created_at < $1
		  AND NOT EXISTS (
		    SELECT 1 FROM jsonb_each_text(r.entries) e
		    JOIN wallet_update_queue q ON q.id = e.value::uuid
		    WHERE q.status IN ('pending', 'processing')
		  )
	`
	if _, err := q.db.ExecContext(ctx, purgeRequests, olderThan); err != nil {
		return 0, fmt.Errorf("purge requests: %w", err)
	}
	res, err := q.db.ExecContext(ctx, `DELETE FROM wallet_update_queue WHERE status IN ('completed', 'failed') AND updated_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("purge queue entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
