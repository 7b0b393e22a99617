package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stampwise/loyalty/wallet-sync/internal/models"
)

var ErrNotFound = errors.New("not found")

//go:embed schema.sql
var Schema string

// Store persists provisioning status, the audit trail and device registrations.
type Store interface {
	UpsertRecord(ctx context.Context, rec models.ProvisioningRecord) (models.ProvisioningRecord, error)
	GetRecord(ctx context.Context, cardID string, platform models.Platform) (models.ProvisioningRecord, error)
	ListRecords(ctx context.Context, cardID string) ([]models.ProvisioningRecord, error)
	AppendAudit(ctx context.Context, in AuditInput) (models.AuditEntry, error)
	ListAudit(ctx context.Context, cardID string, limit int) ([]models.AuditEntry, error)
	RegisterDevice(ctx context.Context, reg models.DeviceRegistration) (bool, error)
	UnregisterDevice(ctx context.Context, deviceID, passTypeID, serial string) error
	ListRegistrations(ctx context.Context, deviceID, passTypeID string) ([]models.DeviceRegistration, error)
	Ping(ctx context.Context) error
}

// CardReader is the read-only view of card state owned by the
// card-management subsystem.
type CardReader interface {
	GetCard(ctx context.Context, cardID string) (models.CardState, error)
}

type AuditInput struct {
	ID        uuid.UUID
	CardID    string
	Platform  models.Platform
	RequestID string
	Action    string
	Detail    json.RawMessage
}

type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// Migrate applies the embedded schema. Statements are idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func ensureJSON(raw json.RawMessage, fallback string) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(fallback)
	}
	return raw
}

const recordColumns = `card_id, platform, status, error, fingerprint, request_id, last_updated_at`

func scanRecord(row rowScanner) (models.ProvisioningRecord, error) {
	var (
		rec      models.ProvisioningRecord
		platform string
		status   string
	)
	if err := row.Scan(
		&rec.CardID,
		&platform,
		&status,
		&rec.Error,
		&rec.Fingerprint,
		&rec.RequestID,
		&rec.LastUpdatedAt,
	); err != nil {
		return models.ProvisioningRecord{}, err
	}
	rec.Platform = models.Platform(platform)
	rec.Status = models.ProvisioningStatus(status)
	return rec, nil
}

func scanAudit(row rowScanner) (models.AuditEntry, error) {
	var (
		entry    models.AuditEntry
		platform string
		detail   []byte
	)
	if err := row.Scan(
		&entry.ID,
		&entry.CardID,
		&platform,
		&entry.RequestID,
		&entry.Action,
		&detail,
		&entry.CreatedAt,
	); err != nil {
		return models.AuditEntry{}, err
	}
	entry.Platform = models.Platform(platform)
	entry.Detail = append(json.RawMessage(nil), detail...)
	return entry, nil
}

func scanRegistration(row rowScanner) (models.DeviceRegistration, error) {
	var reg models.DeviceRegistration
	if err := row.Scan(
		&reg.DeviceLibraryID,
		&reg.PassTypeID,
		&reg.SerialNumber,
		&reg.PushToken,
		&reg.CreatedAt,
	); err != nil {
		return models.DeviceRegistration{}, err
	}
	return reg, nil
}

// UpsertRecord writes the (card, platform) row. Writes older than the stored
// row are ignored and the stored row is returned.
func (s *PGStore) UpsertRecord(ctx context.Context, rec models.ProvisioningRecord) (models.ProvisioningRecord, error) {
	if rec.LastUpdatedAt.IsZero() {
		rec.LastUpdatedAt = time.Now().UTC()
	}
	const query = `
		INSERT INTO wallet_provisioning_records (card_id, platform, status, error, fingerprint, request_id, last_updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (card_id, platform) DO UPDATE
		SET status=EXCLUDED.status,
		    error=EXCLUDED.error,
		    fingerprint=CASE WHEN EXCLUDED.fingerprint = '' THEN wallet_provisioning_records.fingerprint ELSE EXCLUDED.fingerprint END,
		    request_id=EXCLUDED.request_id,
		    last_updated_at=EXCLUDED.last_updated_at
		WHERE wallet_provisioning_records.last_updated_at <= EXCLUDED.last_updated_at
		RETURNING ` + recordColumns
	row := s.db.QueryRowContext(ctx, query, rec.CardID, string(rec.Platform), string(rec.Status), rec.Error, rec.Fingerprint, rec.RequestID, rec.LastUpdatedAt)
	out, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s.GetRecord(ctx, rec.CardID, rec.Platform)
		}
		return models.ProvisioningRecord{}, fmt.Errorf("upsert provisioning record: %w", err)
	}
	return out, nil
}

func (s *PGStore) GetRecord(ctx context.Context, cardID string, platform models.Platform) (models.ProvisioningRecord, error) {
	const query = `SELECT ` + recordColumns + ` FROM wallet_provisioning_records WHERE card_id=$1 AND platform=$2`
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, cardID, string(platform)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ProvisioningRecord{}, ErrNotFound
		}
		return models.ProvisioningRecord{}, fmt.Errorf("get provisioning record: %w", err)
	}
	return rec, nil
}

func (s *PGStore) ListRecords(ctx context.Context, cardID string) ([]models.ProvisioningRecord, error) {
	const query = `SELECT ` + recordColumns + ` FROM wallet_provisioning_records WHERE card_id=$1 ORDER BY platform`
	rows, err := s.db.QueryContext(ctx, query, cardID)
	if err != nil {
		return nil, fmt.Errorf("list provisioning records: %w", err)
	}
	defer rows.Close()

	var records []models.ProvisioningRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan provisioning record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate provisioning records: %w", err)
	}
	return records, nil
}

func (s *PGStore) AppendAudit(ctx context.Context, in AuditInput) (models.AuditEntry, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	const query = `
		INSERT INTO wallet_audit_entries (id, card_id, platform, request_id, action, detail)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id, card_id, platform, request_id, action, detail, created_at
	`
	row := s.db.QueryRowContext(ctx, query, in.ID, in.CardID, string(in.Platform), in.RequestID, in.Action, []byte(ensureJSON(in.Detail, "{}")))
	entry, err := scanAudit(row)
	if err != nil {
		return models.AuditEntry{}, fmt.Errorf("insert audit entry: %w", err)
	}
	return entry, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func (s *PGStore) ListAudit(ctx context.Context, cardID string, limit int) ([]models.AuditEntry, error) {
	const query = `
		SELECT id, card_id, platform, request_id, action, detail, created_at
		FROM wallet_audit_entries
		WHERE card_id=$1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, cardID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		entry, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}

// RegisterDevice reports true when the registration is new. Re-registering
// refreshes the push token.
func (s *PGStore) RegisterDevice(ctx context.Context, reg models.DeviceRegistration) (bool, error) {
	const query = `
		INSERT INTO wallet_device_registrations (device_library_id, pass_type_id, serial_number, push_token)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (device_library_id, pass_type_id, serial_number) DO UPDATE
		SET push_token=EXCLUDED.push_token
		RETURNING (xmax = 0)
	`
	var inserted bool
	if err := s.db.QueryRowContext(ctx, query, reg.DeviceLibraryID, reg.PassTypeID, reg.SerialNumber, reg.PushToken).Scan(&inserted); err != nil {
		return false, fmt.Errorf("register device: %w", err)
	}
	return inserted, nil
}

func (s *PGStore) UnregisterDevice(ctx context.Context, deviceID, passTypeID, serial string) error {
	const query = `
		DELETE FROM wallet_device_registrations
		WHERE device_library_id=$1 AND pass_type_id=$2 AND serial_number=$3
	`
	res, err := s.db.ExecContext(ctx, query, deviceID, passTypeID, serial)
	if err != nil {
		return fmt.Errorf("unregister device: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) ListRegistrations(ctx context.Context, deviceID, passTypeID string) ([]models.DeviceRegistration, error) {
	const query = `
		SELECT device_library_id, pass_type_id, serial_number, push_token, created_at
		FROM wallet_device_registrations
		WHERE device_library_id=$1 AND pass_type_id=$2
		ORDER BY serial_number
	`
	rows, err := s.db.QueryContext(ctx, query, deviceID, passTypeID)
	if err != nil {
		return nil, fmt.Errorf("list registrations: %w", err)
	}
	defer rows.Close()

	var regs []models.DeviceRegistration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, fmt.Errorf("scan registration: %w", err)
		}
		regs = append(regs, reg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate registrations: %w", err)
	}
	return regs, nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}
