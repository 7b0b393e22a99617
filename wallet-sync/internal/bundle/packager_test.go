package bundle

import (
	"bytes"
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"image/png"
	"io"
	"sort"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stampwise/loyalty/wallet-sync/internal/apperr"
	"github.com/stampwise/loyalty/wallet-sync/internal/credentials"
	"github.com/stampwise/loyalty/wallet-sync/internal/models"
	"github.com/stampwise/loyalty/wallet-sync/internal/passcontent"
	"github.com/stampwise/loyalty/wallet-sync/internal/signing"
)

// digestSigner stands in for openssl: the "signature" is the SHA-256 of the manifest.
var digestSigner = signing.SignerFunc(func(_ context.Context, manifest []byte, _ *credentials.AppleMaterial) ([]byte, error) {
	sum := sha256.Sum256(manifest)
	return sum[:], nil
})

func testMaterial() *credentials.AppleMaterial {
	return &credentials.AppleMaterial{
		PassTypeID: "pass.com.example.loyalty",
		TeamID:     "TEAM123",
		CertPEM:    []byte("cert"),
		KeyPEM:     []byte("key"),
		WWDRPEM:    []byte("wwdr"),
	}
}

func testContent(t *testing.T, current int) models.PassContent {
	t.Helper()
	content, err := passcontent.Build(models.CardState{
		CardID:          "card-123",
		CardType:        models.CardTypeStamp,
		ProgressCurrent: current,
		ProgressTarget:  10,
		BusinessName:    "Bean There",
		ColorHex:        "#0EA5E9",
		AuthToken:       "a1b2c3d4e5f6a7b8c9d0",
		UpdatedAt:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return content
}

func unzip(t *testing.T, data []byte) map[string][]byte {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	out := make(map[string][]byte)
	for _, f := range zr.File {
		assert.Equal(t, zip.Deflate, f.Method, f.Name)
		rc, err := f.Open()
		require.NoError(t, err)
		b, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		out[f.Name] = b
	}
	return out
}

func TestBuildManifestIntegrity(t *testing.T) {
	p := NewPackager(digestSigner, Options{WebServiceURL: "https://wallet.example.com/wallet"})
	b, err := p.Build(context.Background(), testContent(t, 5), testMaterial())
	require.NoError(t, err)

	files := unzip(t, b.Data)
	var names []string
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	assert.Equal(t, []string{
		"icon.png", "icon@2x.png", "icon@3x.png",
		"logo.png", "logo@2x.png", "logo@3x.png",
		"manifest.json", "pass.json", "signature",
	}, names)

	var manifest map[string]string
	require.NoError(t, json.Unmarshal(files[ManifestFile], &manifest))
	assert.Len(t, manifest, 7)
	for name, data := range files {
		if name == SignatureFile || name == ManifestFile {
			continue
		}
		sum := sha1.Sum(data)
		assert.Equal(t, hex.EncodeToString(sum[:]), manifest[name], name)
	}

	sig := sha256.Sum256(files[ManifestFile])
	assert.Equal(t, sig[:], files[SignatureFile])
}

func TestBuildPassJSON(t *testing.T) {
	p := NewPackager(digestSigner, Options{WebServiceURL: "https://wallet.example.com/wallet"})
	b, err := p.Build(context.Background(), testContent(t, 10), testMaterial())
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(unzip(t, b.Data)[PassFile], &doc))
	assert.Equal(t, float64(1), doc["formatVersion"])
	assert.Equal(t, "pass.com.example.loyalty", doc["passTypeIdentifier"])
	assert.Equal(t, "card-123", doc["serialNumber"])
	assert.Equal(t, "a1b2c3d4e5f6a7b8c9d0", doc["authenticationToken"])
	assert.Equal(t, "rgb(14, 165, 233)", doc["backgroundColor"])

	barcodes := doc["barcodes"].([]interface{})
	assert.Equal(t, "card-123", barcodes[0].(map[string]interface{})["message"])

	store := doc["storeCard"].(map[string]interface{})
	secondary := store["secondaryFields"].([]interface{})
	assert.Equal(t, "Reward ready!", secondary[0].(map[string]interface{})["value"])
}

func TestBuildIsDeterministic(t *testing.T) {
	p := NewPackager(digestSigner, Options{})
	content := testContent(t, 3)
	a, err := p.Build(context.Background(), content, testMaterial())
	require.NoError(t, err)

	content.UpdatedAt = content.UpdatedAt.Add(time.Hour)
	b, err := p.Build(context.Background(), content, testMaterial())
	require.NoError(t, err)

	assert.Equal(t, a.ManifestJSON, b.ManifestJSON)
	assert.Equal(t, a.Data, b.Data)
}

func TestBuildMissingCredentials(t *testing.T) {
	p := NewPackager(digestSigner, Options{})
	m := testMaterial()
	m.KeyPEM = nil

	_, err := p.Build(context.Background(), testContent(t, 1), m)
	assert.ErrorIs(t, err, apperr.E(apperr.CredentialsMissing))
	assert.False(t, apperr.Retryable(err))

	_, err = p.Build(context.Background(), testContent(t, 1), nil)
	assert.ErrorIs(t, err, apperr.E(apperr.CredentialsMissing))
}

func TestBuildSignerFailureIsRetryable(t *testing.T) {
	failing := signing.SignerFunc(func(context.Context, []byte, *credentials.AppleMaterial) ([]byte, error) {
		return nil, errors.New("exit status 1")
	})
	p := NewPackager(failing, Options{})

	_, err := p.Build(context.Background(), testContent(t, 1), testMaterial())
	assert.ErrorIs(t, err, apperr.E(apperr.SigningFailed))
	assert.True(t, apperr.Retryable(err))
}

func TestBuildFallsBackToPlaceholderAssets(t *testing.T) {
	p := NewPackager(digestSigner, Options{})
	p.render = func(spec assetSpec, _, _ string) ([]byte, error) {
		if spec.Name == "logo@3x.png" {
			panic("font cache corrupted")
		}
		return nil, errors.New("render failed")
	}

	b, err := p.Build(context.Background(), testContent(t, 1), testMaterial())
	require.NoError(t, err)
	assert.Len(t, b.Degraded, len(assetSpecs))
	files := unzip(t, b.Data)
	assert.Equal(t, placeholderPNG, files["icon.png"])
}

func TestRenderedAssetSizes(t *testing.T) {
	for _, spec := range assetSpecs {
		data, err := renderSolid(spec, "#112233", "#FFFFFF")
		require.NoError(t, err)
		img, err := png.Decode(bytes.NewReader(data))
		require.NoError(t, err)
		assert.Equal(t, spec.Width, img.Bounds().Dx(), spec.Name)
		assert.Equal(t, spec.Height, img.Bounds().Dy(), spec.Name)
	}
}
