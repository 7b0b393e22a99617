package passcontent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stampwise/loyalty/wallet-sync/internal/apperr"
	"github.com/stampwise/loyalty/wallet-sync/internal/models"
)

func stampCard(current, target int) models.CardState {
	return models.CardState{
		CardID:            "card-123",
		CardType:          models.CardTypeStamp,
		ProgressCurrent:   current,
		ProgressTarget:    target,
		RewardDescription: "Free coffee",
		BusinessName:      "Bean There",
		ColorHex:          "#0ea5e9",
		UpdatedAt:         time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestBuildHalfwayStampCard(t *testing.T) {
	content, err := Build(stampCard(5, 10))
	require.NoError(t, err)

	assert.Equal(t, "5/10", content.PrimaryValue)
	assert.Equal(t, 50, content.ProgressPercent)
	assert.False(t, content.IsCompleted)
	assert.Equal(t, "Stamps remaining", content.RemainingLabel)
	assert.Equal(t, "5", content.RemainingValue)
	assert.Equal(t, "card-123", content.SerialNumber)
	assert.Equal(t, "card-123", content.BarcodePayload)
	assert.Equal(t, "#0EA5E9", content.BackgroundColor)
}

func TestBuildCompletedCardShowsCompletionState(t *testing.T) {
	content, err := Build(stampCard(10, 10))
	require.NoError(t, err)

	assert.True(t, content.IsCompleted)
	assert.Equal(t, 100, content.ProgressPercent)
	assert.Equal(t, "Reward ready!", content.RemainingValue)
}

func TestBuildClampsOvershoot(t *testing.T) {
	content, err := Build(stampCard(14, 10))
	require.NoError(t, err)
	assert.Equal(t, 100, content.ProgressPercent)
	assert.Equal(t, "14/10", content.PrimaryValue)
	assert.True(t, content.IsCompleted)
}

func TestBuildSessionMembership(t *testing.T) {
	card := stampCard(4, 10)
	card.CardType = models.CardTypeMembership
	card.SessionCost = 2

	content, err := Build(card)
	require.NoError(t, err)
	assert.Equal(t, "Sessions remaining", content.RemainingLabel)
	assert.Equal(t, "3", content.RemainingValue)
	assert.Equal(t, "session_cost", content.BackFields[0].Key)
}

func TestBuildRejectsNonPositiveTarget(t *testing.T) {
	for _, target := range []int{0, -3} {
		_, err := Build(stampCard(1, target))
		require.Error(t, err)
		assert.ErrorIs(t, err, apperr.E(apperr.InvalidCardState))
	}
}

func TestBuildRejectsUnknownCardType(t *testing.T) {
	card := stampCard(1, 10)
	card.CardType = "punch"
	_, err := Build(card)
	assert.ErrorIs(t, err, apperr.E(apperr.InvalidCardState))
}

func TestBuildIsDeterministic(t *testing.T) {
	card := stampCard(3, 8)
	a, err := Build(card)
	require.NoError(t, err)
	b, err := Build(card)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	fa, err := Fingerprint(a)
	require.NoError(t, err)
	card.UpdatedAt = card.UpdatedAt.Add(time.Hour)
	c, _ := Build(card)
	fc, err := Fingerprint(c)
	require.NoError(t, err)
	assert.Equal(t, fa, fc, "timestamps must not change the fingerprint")

	card.ProgressCurrent++
	d, _ := Build(card)
	fd, _ := Fingerprint(d)
	assert.NotEqual(t, fa, fd)
}

func TestBuildDefaults(t *testing.T) {
	card := stampCard(0, 5)
	card.BusinessName = "  "
	card.ColorHex = "not-a-colour"

	content, err := Build(card)
	require.NoError(t, err)
	assert.Equal(t, "Loyalty Card", content.OrganizationName)
	assert.Equal(t, DefaultBackground, content.BackgroundColor)
	assert.Equal(t, "#FFFFFF", content.ForegroundColor)
	assert.Equal(t, "card-123", content.AuthenticationToken)
}

func TestNormalizeColor(t *testing.T) {
	assert.Equal(t, "#AABBCC", NormalizeColor("abc"))
	assert.Equal(t, "#FFFFFF", NormalizeColor("#ffffff"))
	assert.Equal(t, DefaultBackground, NormalizeColor("#12345G"))
	assert.Equal(t, "rgb(255, 0, 16)", CSSRGB("#FF0010"))
}
