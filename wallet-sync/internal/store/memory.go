package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stampwise/loyalty/wallet-sync/internal/models"
)

type recordKey struct {
	cardID   string
	platform models.Platform
}

type registrationKey struct {
	deviceID   string
	passTypeID string
	serial     string
}

type MemoryStore struct {
	mu            sync.RWMutex
	records       map[recordKey]models.ProvisioningRecord
	audit         []models.AuditEntry
	registrations map[registrationKey]models.DeviceRegistration

	// NowFunc allows tests to control timestamps.
	NowFunc func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:       map[recordKey]models.ProvisioningRecord{},
		registrations: map[registrationKey]models.DeviceRegistration{},
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func copyJSON(raw json.RawMessage, fallback string) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(fallback)
	}
	return append(json.RawMessage(nil), raw...)
}

func (m *MemoryStore) UpsertRecord(ctx context.Context, rec models.ProvisioningRecord) (models.ProvisioningRecord, error) {
	if rec.LastUpdatedAt.IsZero() {
		rec.LastUpdatedAt = m.NowFunc()
	}
	key := recordKey{cardID: rec.CardID, platform: rec.Platform}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.records[key]; ok {
		if existing.LastUpdatedAt.After(rec.LastUpdatedAt) {
			return existing, nil
		}
		if rec.Fingerprint == "" {
			rec.Fingerprint = existing.Fingerprint
		}
	}
	m.records[key] = rec
	return rec, nil
}

func (m *MemoryStore) GetRecord(ctx context.Context, cardID string, platform models.Platform) (models.ProvisioningRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[recordKey{cardID: cardID, platform: platform}]
	if !ok {
		return models.ProvisioningRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) ListRecords(ctx context.Context, cardID string) ([]models.ProvisioningRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ProvisioningRecord
	for key, rec := range m.records {
		if key.cardID == cardID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Platform < out[j].Platform })
	return out, nil
}

func (m *MemoryStore) AppendAudit(ctx context.Context, in AuditInput) (models.AuditEntry, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	entry := models.AuditEntry{
		ID:        in.ID,
		CardID:    in.CardID,
		Platform:  in.Platform,
		RequestID: in.RequestID,
		Action:    in.Action,
		Detail:    copyJSON(in.Detail, "{}"),
		CreatedAt: m.NowFunc(),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, entry)
	return entry, nil
}

func (m *MemoryStore) ListAudit(ctx context.Context, cardID string, limit int) ([]models.AuditEntry, error) {
	limit = normalizeLimit(limit)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.AuditEntry
	for i := len(m.audit) - 1; i >= 0 && len(out) < limit; i-- {
		if m.audit[i].CardID == cardID {
			out = append(out, m.audit[i])
		}
	}
	return out, nil
}

func (m *MemoryStore) RegisterDevice(ctx context.Context, reg models.DeviceRegistration) (bool, error) {
	key := registrationKey{deviceID: reg.DeviceLibraryID, passTypeID: reg.PassTypeID, serial: reg.SerialNumber}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.registrations[key]; ok {
		existing.PushToken = reg.PushToken
		m.registrations[key] = existing
		return false, nil
	}
	reg.CreatedAt = m.NowFunc()
	m.registrations[key] = reg
	return true, nil
}

func (m *MemoryStore) UnregisterDevice(ctx context.Context, deviceID, passTypeID, serial string) error {
	key := registrationKey{deviceID: deviceID, passTypeID: passTypeID, serial: serial}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.registrations[key]; !ok {
		return ErrNotFound
	}
	delete(m.registrations, key)
	return nil
}

func (m *MemoryStore) ListRegistrations(ctx context.Context, deviceID, passTypeID string) ([]models.DeviceRegistration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.DeviceRegistration
	for key, reg := range m.registrations {
		if key.deviceID == deviceID && key.passTypeID == passTypeID {
			out = append(out, reg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SerialNumber < out[j].SerialNumber })
	return out, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}
