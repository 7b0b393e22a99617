package fallback

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stampwise/loyalty/wallet-sync/internal/models"
	"github.com/stampwise/loyalty/wallet-sync/internal/passcontent"
)

func content(t *testing.T) models.PassContent {
	t.Helper()
	c, err := passcontent.Build(models.CardState{
		CardID:            "card-123",
		CardType:          models.CardTypeStamp,
		ProgressCurrent:   7,
		ProgressTarget:    10,
		BusinessName:      "Bean There <Coffee>",
		RewardDescription: "Free flat white",
		ColorHex:          "#0EA5E9",
	})
	require.NoError(t, err)
	return c
}

func assertValid(t *testing.T, m Manifest) {
	t.Helper()
	assert.NotEmpty(t, m.Name)
	assert.NotEmpty(t, m.StartURL)
	assert.Equal(t, "standalone", m.Display)
	assert.Len(t, m.Icons, 2)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(m.JSON(), &decoded))
	assert.Contains(t, decoded, "start_url")
}

func TestRenderManifestForCard(t *testing.T) {
	r := NewRenderer(Options{})
	m := r.RenderManifest(content(t))

	assertValid(t, m)
	assert.Equal(t, "/cards/card-123", m.StartURL)
	assert.Equal(t, "/cards/card-123", m.Scope)
	assert.Equal(t, "#0EA5E9", m.ThemeColor)
	assert.Equal(t, "Bean There <", m.ShortName)
	require.Len(t, m.Shortcuts, 2)
	assert.Equal(t, "/cards/card-123?view=qr", m.Shortcuts[1].URL)
	assert.Contains(t, m.Description, "Stamps 7/10")
}

func TestRenderManifestNeverFails(t *testing.T) {
	r := NewRenderer(Options{BasePath: "/app/"})
	inputs := []models.PassContent{
		{},
		{SerialNumber: "  "},
		{SerialNumber: "x", BackgroundColor: "chartreuse", OrganizationName: ""},
		{SerialNumber: "weird/../id", Description: "", PrimaryValue: "1/2"},
	}
	for _, in := range inputs {
		assertValid(t, r.RenderManifest(in))
	}
	assert.Equal(t, Minimal(), r.RenderManifest(models.PassContent{}))
	assert.Equal(t, "/app/cards/weird%2F..%2Fid", r.RenderManifest(inputs[3]).StartURL)
}

func TestRenderCardViewEscapes(t *testing.T) {
	r := NewRenderer(Options{})
	var buf bytes.Buffer
	require.NoError(t, r.RenderCardView(&buf, content(t), true))

	html := buf.String()
	assert.Contains(t, html, "Bean There &lt;Coffee&gt;")
	assert.NotContains(t, html, "<Coffee>")
	assert.Contains(t, html, `href="/cards/card-123/manifest.webmanifest"`)
	assert.Contains(t, html, "Free flat white")
	assert.Contains(t, html, `class="code"`)
}

func TestCardContentDegradesInvalidCards(t *testing.T) {
	content, ok := CardContent(models.CardState{CardID: "card-9", CardType: "punch", BusinessName: "Bean There", ColorHex: "#ff0000"})
	assert.False(t, ok)
	assert.Equal(t, "card-9", content.SerialNumber)
	assert.Equal(t, "Bean There", content.OrganizationName)
	assertValid(t, NewRenderer(Options{}).RenderManifest(content))

	content, ok = CardContent(models.CardState{CardID: "card-1", CardType: models.CardTypeStamp, ProgressCurrent: 2, ProgressTarget: 4, BusinessName: "Bean There"})
	assert.True(t, ok)
	assert.Equal(t, "2/4", content.PrimaryValue)
}
