// Package passcontent derives the platform-neutral pass rendering from a card.
package passcontent

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stampwise/loyalty/wallet-sync/internal/apperr"
	"github.com/stampwise/loyalty/wallet-sync/internal/canonical"
	"github.com/stampwise/loyalty/wallet-sync/internal/models"
)

const (
	DefaultBackground   = "#1F2937"
	defaultOrganization = "Loyalty Card"
	lightText           = "#FFFFFF"
	darkText            = "#111827"
)

// Build renders card into PassContent. It performs no I/O and is
// deterministic: identical card states produce identical content.
func Build(card models.CardState) (models.PassContent, error) {
	if err := card.Validate(); err != nil {
		return models.PassContent{}, apperr.New(apperr.InvalidCardState, "build pass content", err)
	}

	current := card.ProgressCurrent
	if current < 0 {
		current = 0
	}
	target := card.ProgressTarget
	completed := current >= target

	percent := current * 100 / target
	if percent > 100 {
		percent = 100
	}

	org := strings.TrimSpace(card.BusinessName)
	if org == "" {
		org = defaultOrganization
	}
	bg := NormalizeColor(card.ColorHex)
	fg := contrastColor(bg)

	content := models.PassContent{
		SerialNumber:        card.CardID,
		CardType:            card.CardType,
		BusinessID:          card.BusinessID,
		OrganizationName:    org,
		BarcodePayload:      card.CardID,
		BackgroundColor:     bg,
		ForegroundColor:     fg,
		LabelColor:          fg,
		IconGlyph:           card.IconGlyph,
		ProgressPercent:     percent,
		IsCompleted:         completed,
		PrimaryValue:        fmt.Sprintf("%d/%d", current, target),
		AuthenticationToken: card.WalletToken(),
		UpdatedAt:           card.UpdatedAt.UTC(),
	}

	sessionBased := card.CardType == models.CardTypeMembership && card.SessionCost > 0
	switch {
	case sessionBased:
		content.Description = org + " membership"
		content.PrimaryLabel = "Sessions"
		content.RemainingLabel = "Sessions remaining"
		if completed {
			content.RemainingValue = "Renew membership"
		} else {
			content.RemainingValue = strconv.Itoa((target - current) / card.SessionCost)
		}
	case card.CardType == models.CardTypeMembership:
		content.Description = org + " membership"
		content.PrimaryLabel = "Visits"
		content.RemainingLabel = "Visits remaining"
		content.RemainingValue = remaining(target-current, completed, "Renew membership")
	default:
		content.Description = org + " stamp card"
		content.PrimaryLabel = "Stamps"
		content.RemainingLabel = "Stamps remaining"
		content.RemainingValue = remaining(target-current, completed, "Reward ready!")
	}

	content.HeaderFields = []models.Field{
		{Key: "progress", Label: "PROGRESS", Value: strconv.Itoa(percent) + "%"},
	}
	content.SecondaryFields = []models.Field{
		{Key: "remaining", Label: content.RemainingLabel, Value: content.RemainingValue},
	}
	if name := strings.TrimSpace(card.CustomerName); name != "" {
		content.SecondaryFields = append(content.SecondaryFields, models.Field{Key: "member", Label: "Member", Value: name})
	}
	content.AuxiliaryFields = []models.Field{
		{Key: "status", Label: "Status", Value: statusText(completed)},
	}

	content.BackFields = backFields(card, sessionBased)
	return content, nil
}

// Fingerprint identifies the visible content of a pass, ignoring timestamps.
func Fingerprint(content models.PassContent) (string, error) {
	content.UpdatedAt = time.Time{}
	return canonical.Fingerprint(content)
}

func remaining(n int, completed bool, done string) string {
	if completed {
		return done
	}
	return strconv.Itoa(n)
}

func statusText(completed bool) string {
	if completed {
		return "Completed"
	}
	return "In progress"
}

func backFields(card models.CardState, sessionBased bool) []models.Field {
	var fields []models.Field
	if sessionBased {
		fields = append(fields, models.Field{
			Key:   "session_cost",
			Label: "Session cost",
			Value: fmt.Sprintf("%d per session", card.SessionCost),
		})
	}
	if reward := strings.TrimSpace(card.RewardDescription); reward != "" {
		label := "Reward"
		if card.CardType == models.CardTypeMembership {
			label = "Benefits"
		}
		fields = append(fields, models.Field{Key: "reward", Label: label, Value: reward})
	}
	if desc := strings.TrimSpace(card.Description); desc != "" {
		fields = append(fields, models.Field{Key: "about", Label: "About", Value: desc})
	}
	fields = append(fields,
		models.Field{Key: "terms", Label: "Terms", Value: "Present this card at checkout. Progress updates automatically."},
		models.Field{Key: "card_id", Label: "Card ID", Value: card.CardID},
	)
	return fields
}

// NormalizeColor returns an upper-case #RRGGBB colour, expanding #RGB and
// replacing anything unparseable with the default background.
func NormalizeColor(hex string) string {
	h := strings.TrimPrefix(strings.TrimSpace(hex), "#")
	if len(h) == 3 {
		h = string([]byte{h[0], h[0], h[1], h[1], h[2], h[2]})
	}
	if len(h) != 6 {
		return DefaultBackground
	}
	if _, err := strconv.ParseUint(h, 16, 32); err != nil {
		return DefaultBackground
	}
	return "#" + strings.ToUpper(h)
}

// RGB splits a normalized colour into its channels.
func RGB(color string) (uint8, uint8, uint8) {
	v, err := strconv.ParseUint(strings.TrimPrefix(NormalizeColor(color), "#"), 16, 32)
	if err != nil {
		return 0x1F, 0x29, 0x37
	}
	return uint8(v >> 16), uint8(v >> 8), uint8(v)
}

// CSSRGB formats a colour the way the signed-bundle schema expects it.
func CSSRGB(color string) string {
	r, g, b := RGB(color)
	return fmt.Sprintf("rgb(%d, %d, %d)", r, g, b)
}

func contrastColor(bg string) string {
	r, g, b := RGB(bg)
	// ITU-R BT.601 luma
	luma := (299*int(r) + 587*int(g) + 114*int(b)) / 1000
	if luma > 150 {
		return darkText
	}
	return lightText
}
