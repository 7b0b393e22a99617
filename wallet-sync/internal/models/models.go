package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Platform identifies a wallet ecosystem.
type Platform string

const (
	// PlatformApple is the signed-bundle ecosystem (A).
	PlatformApple Platform = "apple"
	// PlatformGoogle is the signed-token wallet object ecosystem (B).
	PlatformGoogle Platform = "google"
	// PlatformPWA is the universal web-manifest fallback (C).
	PlatformPWA Platform = "pwa"
)

// AllPlatforms lists every supported platform in processing order.
var AllPlatforms = []Platform{PlatformApple, PlatformGoogle, PlatformPWA}

// ParsePlatform accepts the canonical names plus the letter aliases A/B/C.
func ParsePlatform(s string) (Platform, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "apple", "a":
		return PlatformApple, nil
	case "google", "b":
		return PlatformGoogle, nil
	case "pwa", "c":
		return PlatformPWA, nil
	}
	return "", fmt.Errorf("unknown platform %q", s)
}

type CardType string

const (
	CardTypeStamp      CardType = "stamp"
	CardTypeMembership CardType = "membership"
)

// CardState is the read-only snapshot of a loyalty card supplied by the
// card-management subsystem.
type CardState struct {
	CardID            string    `json:"cardId"`
	CardType          CardType  `json:"cardType"`
	ProgressCurrent   int       `json:"progressCurrent"`
	ProgressTarget    int       `json:"progressTarget"`
	RewardDescription string    `json:"rewardDescription,omitempty"`
	SessionCost       int       `json:"sessionCost,omitempty"`
	BusinessID        string    `json:"businessId,omitempty"`
	BusinessName      string    `json:"businessName"`
	Description       string    `json:"description,omitempty"`
	ColorHex          string    `json:"colorHex,omitempty"`
	IconGlyph         string    `json:"iconGlyph,omitempty"`
	CustomerName      string    `json:"customerName,omitempty"`
	AuthToken         string    `json:"-"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Validate rejects card states that would put undefined values into signed artifacts.
func (c CardState) Validate() error {
	if strings.TrimSpace(c.CardID) == "" {
		return fmt.Errorf("cardId required")
	}
	switch c.CardType {
	case CardTypeStamp, CardTypeMembership:
	default:
		return fmt.Errorf("unsupported card type %q", c.CardType)
	}
	if c.ProgressTarget <= 0 {
		return fmt.Errorf("progress target must be positive, got %d", c.ProgressTarget)
	}
	if c.SessionCost < 0 {
		return fmt.Errorf("session cost must not be negative")
	}
	return nil
}

// WalletToken returns the shared secret wallet devices present for this card.
// Cards without a dedicated token fall back to the serial number.
func (c CardState) WalletToken() string {
	if c.AuthToken != "" {
		return c.AuthToken
	}
	return c.CardID
}

// Field is a label/value pair rendered on a pass.
type Field struct {
	Key   string `json:"key"`
	Label string `json:"label"`
	Value string `json:"value"`
}

// PassContent is the platform-neutral rendering of a card.
type PassContent struct {
	SerialNumber        string    `json:"serialNumber"`
	CardType            CardType  `json:"cardType"`
	BusinessID          string    `json:"businessId,omitempty"`
	OrganizationName    string    `json:"organizationName"`
	Description         string    `json:"description"`
	PrimaryLabel        string    `json:"primaryLabel"`
	PrimaryValue        string    `json:"primaryValue"`
	HeaderFields        []Field   `json:"headerFields"`
	SecondaryFields     []Field   `json:"secondaryFields"`
	AuxiliaryFields     []Field   `json:"auxiliaryFields"`
	BackFields          []Field   `json:"backFields"`
	BarcodePayload      string    `json:"barcodePayload"`
	BackgroundColor     string    `json:"backgroundColor"`
	ForegroundColor     string    `json:"foregroundColor"`
	LabelColor          string    `json:"labelColor"`
	IconGlyph           string    `json:"iconGlyph,omitempty"`
	ProgressPercent     int       `json:"progressPercent"`
	IsCompleted         bool      `json:"isCompleted"`
	RemainingLabel      string    `json:"remainingLabel"`
	RemainingValue      string    `json:"remainingValue"`
	AuthenticationToken string    `json:"-"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

type ProvisioningStatus string

const (
	ProvisioningPending      ProvisioningStatus = "pending"
	ProvisioningProvisioned  ProvisioningStatus = "provisioned"
	ProvisioningFailed       ProvisioningStatus = "failed"
	ProvisioningNotSupported ProvisioningStatus = "not_supported"
)

// ProvisioningRecord is the durable per-card, per-platform status row.
type ProvisioningRecord struct {
	CardID        string             `json:"cardId"`
	Platform      Platform           `json:"platform"`
	Status        ProvisioningStatus `json:"status"`
	Error         string             `json:"error,omitempty"`
	Fingerprint   string             `json:"fingerprint,omitempty"`
	RequestID     string             `json:"requestId,omitempty"`
	LastUpdatedAt time.Time          `json:"lastUpdatedAt"`
}

// AuditEntry records one provisioning transition.
type AuditEntry struct {
	ID        uuid.UUID       `json:"id"`
	CardID    string          `json:"cardId"`
	Platform  Platform        `json:"platform"`
	RequestID string          `json:"requestId,omitempty"`
	Action    string          `json:"action"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

type EntryStatus string

const (
	EntryPending    EntryStatus = "pending"
	EntryProcessing EntryStatus = "processing"
	EntryCompleted  EntryStatus = "completed"
	EntryFailed     EntryStatus = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s EntryStatus) Terminal() bool {
	return s == EntryCompleted || s == EntryFailed
}

// BuildResult is what a platform builder hands back on success.
type BuildResult struct {
	DownloadURL string          `json:"downloadUrl,omitempty"`
	ObjectID    string          `json:"objectId,omitempty"`
	SaveURL     string          `json:"saveUrl,omitempty"`
	Manifest    json.RawMessage `json:"manifest,omitempty"`
	Fingerprint string          `json:"fingerprint,omitempty"`
	Detail      string          `json:"detail,omitempty"`
}

// UpdateQueueEntry is a unit of work for one (card, platform) pair.
type UpdateQueueEntry struct {
	ID         uuid.UUID    `json:"id"`
	RequestID  uuid.UUID    `json:"requestId"`
	CardID     string       `json:"cardId"`
	Platform   Platform     `json:"platform"`
	UpdateType string       `json:"updateType"`
	Status     EntryStatus  `json:"status"`
	Attempts   int          `json:"attempts"`
	Result     *BuildResult `json:"result,omitempty"`
	Error      string       `json:"error,omitempty"`
	Retryable  bool         `json:"retryable,omitempty"`
	CreatedAt  time.Time    `json:"createdAt"`
	UpdatedAt  time.Time    `json:"updatedAt"`
}

// ProvisioningRequest groups the queue entries created (or joined) by one
// provisioning call. Entries maps each requested platform to its entry.
type ProvisioningRequest struct {
	ID        uuid.UUID              `json:"requestId"`
	CardID    string                 `json:"cardId"`
	Platforms []Platform             `json:"platforms"`
	Entries   map[Platform]uuid.UUID `json:"entries"`
	CreatedAt time.Time              `json:"createdAt"`
}

// DeviceRegistration links a wallet device to a pass for update polling.
type DeviceRegistration struct {
	DeviceLibraryID string    `json:"deviceLibraryIdentifier"`
	PushToken       string    `json:"pushToken"`
	PassTypeID      string    `json:"passTypeIdentifier"`
	SerialNumber    string    `json:"serialNumber"`
	CreatedAt       time.Time `json:"createdAt"`
}
