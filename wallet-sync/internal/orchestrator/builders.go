package orchestrator

import (
	"context"
	"net/url"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/stampwise/loyalty/wallet-sync/internal/archive"
	"github.com/stampwise/loyalty/wallet-sync/internal/bundle"
	"github.com/stampwise/loyalty/wallet-sync/internal/credentials"
	"github.com/stampwise/loyalty/wallet-sync/internal/fallback"
	"github.com/stampwise/loyalty/wallet-sync/internal/models"
	"github.com/stampwise/loyalty/wallet-sync/internal/passcontent"
	"github.com/stampwise/loyalty/wallet-sync/internal/walletobject"
)

// Builder produces the artifact for one platform. Implementations must honour
// ctx; the orchestrator enforces the deadline regardless.
type Builder interface {
	Platform() models.Platform
	Build(ctx context.Context, card models.CardState) (models.BuildResult, error)
}

// BuilderFunc adapts a function to Builder.
type BuilderFunc struct {
	For models.Platform
	Fn  func(ctx context.Context, card models.CardState) (models.BuildResult, error)
}

func (b BuilderFunc) Platform() models.Platform { return b.For }

func (b BuilderFunc) Build(ctx context.Context, card models.CardState) (models.BuildResult, error) {
	return b.Fn(ctx, card)
}

func contentFor(card models.CardState) (models.PassContent, string, error) {
	content, err := passcontent.Build(card)
	if err != nil {
		return models.PassContent{}, "", err
	}
	fp, err := passcontent.Fingerprint(content)
	if err != nil {
		return models.PassContent{}, "", err
	}
	return content, fp, nil
}

// AppleBuilder signs a bundle and, when an archiver is configured, uploads it.
// Without an archive the download URL points at the device web service.
type AppleBuilder struct {
	Packager    *bundle.Packager
	Credentials *credentials.Provider
	Archiver    archive.Archiver
	// PassURLBase is the public base of the wallet web service, e.g.
	// https://wallet.example.com/wallet.
	PassURLBase string
	Logger      *log.Entry
}

func (b *AppleBuilder) Platform() models.Platform { return models.PlatformApple }

func (b *AppleBuilder) Build(ctx context.Context, card models.CardState) (models.BuildResult, error) {
	creds, err := b.Credentials.Apple()
	if err != nil {
		return models.BuildResult{}, err
	}
	content, fp, err := contentFor(card)
	if err != nil {
		return models.BuildResult{}, err
	}
	signed, err := b.Packager.Build(ctx, content, creds)
	if err != nil {
		return models.BuildResult{}, err
	}

	result := models.BuildResult{
		DownloadURL: PassURL(b.PassURLBase, creds.PassTypeID, content.SerialNumber),
		Manifest:    signed.ManifestJSON,
		Fingerprint: fp,
	}
	if len(signed.Degraded) > 0 {
		result.Detail = "placeholder assets: " + strings.Join(signed.Degraded, ",")
	}
	if b.Archiver != nil {
		link, err := b.Archiver.ArchiveBundle(ctx, content.SerialNumber, fp, signed.Data)
		if err != nil {
			// The device web service still serves the pass.
			if b.Logger != nil {
				b.Logger.WithError(err).WithField("card_id", card.CardID).Warn("bundle archive failed")
			}
		} else {
			result.DownloadURL = link
		}
	}
	return result, nil
}

// PassURL is the protocol endpoint that serves the latest signed bundle.
func PassURL(base, passTypeID, serial string) string {
	if base == "" {
		return ""
	}
	return strings.TrimSuffix(base, "/") + "/v1/passes/" + url.PathEscape(passTypeID) + "/" + url.PathEscape(serial)
}

// GoogleBuilder creates or updates the card's wallet object.
type GoogleBuilder struct {
	Issuer      GoogleIssuer
	Credentials *credentials.Provider
}

// GoogleIssuer is satisfied by *walletobject.Issuer.
type GoogleIssuer interface {
	Issue(ctx context.Context, content models.PassContent, creds *credentials.GoogleMaterial) (*walletobject.Descriptor, error)
}

func (b *GoogleBuilder) Platform() models.Platform { return models.PlatformGoogle }

func (b *GoogleBuilder) Build(ctx context.Context, card models.CardState) (models.BuildResult, error) {
	creds, err := b.Credentials.Google()
	if err != nil {
		return models.BuildResult{}, err
	}
	content, fp, err := contentFor(card)
	if err != nil {
		return models.BuildResult{}, err
	}
	obj, err := b.Issuer.Issue(ctx, content, creds)
	if err != nil {
		return models.BuildResult{}, err
	}
	detail := "updated"
	if obj.Created {
		detail = "created"
	}
	return models.BuildResult{
		ObjectID:    obj.ObjectID,
		SaveURL:     obj.SaveURL,
		DownloadURL: obj.SaveURL,
		Fingerprint: fp,
		Detail:      detail,
	}, nil
}

// PWABuilder renders the web manifest. It never fails for a card that exists:
// content problems degrade to a manifest derived from the card id alone.
type PWABuilder struct {
	Renderer *fallback.Renderer
	// PublicBaseURL is prepended to the card path for the download URL.
	PublicBaseURL string
	Logger        *log.Entry
}

func (b *PWABuilder) Platform() models.Platform { return models.PlatformPWA }

func (b *PWABuilder) Build(ctx context.Context, card models.CardState) (models.BuildResult, error) {
	content, valid := fallback.CardContent(card)
	fp := ""
	if valid {
		fp, _ = passcontent.Fingerprint(content)
	} else if b.Logger != nil {
		b.Logger.WithField("card_id", card.CardID).Warn("rendering fallback from card id only")
	}
	manifest := b.Renderer.RenderManifest(content)
	return models.BuildResult{
		DownloadURL: strings.TrimSuffix(b.PublicBaseURL, "/") + b.Renderer.CardPath(card.CardID),
		Manifest:    manifest.JSON(),
		Fingerprint: fp,
	}, nil
}
