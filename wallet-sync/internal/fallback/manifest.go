// Package fallback renders the installable web card used when no native
// wallet is available. Nothing in this package returns an error to callers.
package fallback

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/stampwise/loyalty/wallet-sync/internal/models"
	"github.com/stampwise/loyalty/wallet-sync/internal/passcontent"
)

type Icon struct {
	Src     string `json:"src"`
	Sizes   string `json:"sizes"`
	Type    string `json:"type"`
	Purpose string `json:"purpose,omitempty"`
}

type Shortcut struct {
	Name      string `json:"name"`
	ShortName string `json:"short_name,omitempty"`
	URL       string `json:"url"`
	Icons     []Icon `json:"icons,omitempty"`
}

// Manifest is a W3C web app manifest.
type Manifest struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	ShortName       string     `json:"short_name"`
	Description     string     `json:"description"`
	StartURL        string     `json:"start_url"`
	Scope           string     `json:"scope"`
	Display         string     `json:"display"`
	Orientation     string     `json:"orientation"`
	BackgroundColor string     `json:"background_color"`
	ThemeColor      string     `json:"theme_color"`
	Icons           []Icon     `json:"icons"`
	Shortcuts       []Shortcut `json:"shortcuts,omitempty"`
}

type Options struct {
	// BasePath prefixes card URLs, e.g. "" or "/app".
	BasePath string
	// IconBaseURL serves the 192/512 app icons.
	IconBaseURL string
	Logger      *logrus.Entry
}

type Renderer struct {
	basePath string
	iconBase string
	log      *logrus.Entry
}

func NewRenderer(opts Options) *Renderer {
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	iconBase := strings.TrimSuffix(opts.IconBaseURL, "/")
	if iconBase == "" {
		iconBase = "/static/icons"
	}
	return &Renderer{
		basePath: strings.TrimSuffix(opts.BasePath, "/"),
		iconBase: iconBase,
		log:      log.WithField("component", "fallback"),
	}
}

// Minimal is the hardcoded manifest returned when derivation fails.
func Minimal() Manifest {
	return Manifest{
		ID:              "/",
		Name:            "Loyalty Card",
		ShortName:       "Loyalty",
		Description:     "Your loyalty card",
		StartURL:        "/",
		Scope:           "/",
		Display:         "standalone",
		Orientation:     "portrait",
		BackgroundColor: passcontent.DefaultBackground,
		ThemeColor:      passcontent.DefaultBackground,
		Icons: []Icon{
			{Src: "/static/icons/icon-192.png", Sizes: "192x192", Type: "image/png", Purpose: "any maskable"},
			{Src: "/static/icons/icon-512.png", Sizes: "512x512", Type: "image/png", Purpose: "any maskable"},
		},
	}
}

// RenderManifest derives the card's manifest. Any problem, including a
// panic during derivation, yields Minimal().
func (r *Renderer) RenderManifest(content models.PassContent) (m Manifest) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.WithField("panic", rec).Error("manifest derivation panicked; serving minimal manifest")
			m = Minimal()
		}
	}()
	built, err := r.derive(content)
	if err != nil {
		r.log.WithError(err).WithField("serial", content.SerialNumber).Warn("serving minimal manifest")
		return Minimal()
	}
	return built
}

func (r *Renderer) derive(content models.PassContent) (Manifest, error) {
	serial := strings.TrimSpace(content.SerialNumber)
	if serial == "" {
		return Manifest{}, fmt.Errorf("serial number is empty")
	}
	name := strings.TrimSpace(content.OrganizationName)
	if name == "" {
		name = "Loyalty Card"
	}
	cardPath := r.CardPath(serial)
	bg := passcontent.NormalizeColor(content.BackgroundColor)

	desc := strings.TrimSpace(content.Description)
	if content.PrimaryValue != "" {
		progress := strings.TrimSpace(content.PrimaryLabel + " " + content.PrimaryValue)
		if desc == "" {
			desc = progress
		} else {
			desc += " · " + progress
		}
	}

	return Manifest{
		ID:              cardPath,
		Name:            name,
		ShortName:       shortName(name),
		Description:     desc,
		StartURL:        cardPath,
		Scope:           cardPath,
		Display:         "standalone",
		Orientation:     "portrait",
		BackgroundColor: bg,
		ThemeColor:      bg,
		Icons: []Icon{
			{Src: r.iconBase + "/icon-192.png", Sizes: "192x192", Type: "image/png", Purpose: "any maskable"},
			{Src: r.iconBase + "/icon-512.png", Sizes: "512x512", Type: "image/png", Purpose: "any maskable"},
		},
		Shortcuts: []Shortcut{
			{Name: "View card", ShortName: "Card", URL: cardPath},
			{Name: "Show QR code", ShortName: "QR", URL: cardPath + "?view=qr"},
		},
	}, nil
}

// CardContent builds the card's content. When the card state is invalid it
// degrades to the card id, business name and colour and reports false.
func CardContent(card models.CardState) (models.PassContent, bool) {
	content, err := passcontent.Build(card)
	if err == nil {
		return content, true
	}
	return models.PassContent{
		SerialNumber:     card.CardID,
		OrganizationName: card.BusinessName,
		BackgroundColor:  passcontent.NormalizeColor(card.ColorHex),
	}, false
}

// CardPath is the scope and start URL for a card.
func (r *Renderer) CardPath(serial string) string {
	return r.basePath + "/cards/" + url.PathEscape(serial)
}

// JSON encodes m, falling back to the minimal manifest.
func (m Manifest) JSON() json.RawMessage {
	b, err := json.Marshal(m)
	if err != nil {
		b, _ = json.Marshal(Minimal())
	}
	return b
}

func shortName(name string) string {
	const max = 12
	runes := []rune(name)
	if len(runes) <= max {
		return name
	}
	return strings.TrimSpace(string(runes[:max]))
}
