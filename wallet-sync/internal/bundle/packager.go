// Package bundle builds signed, compressed pass bundles.
package bundle

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
	"github.com/sirupsen/logrus"

	"github.com/stampwise/loyalty/wallet-sync/internal/apperr"
	"github.com/stampwise/loyalty/wallet-sync/internal/canonical"
	"github.com/stampwise/loyalty/wallet-sync/internal/credentials"
	"github.com/stampwise/loyalty/wallet-sync/internal/models"
	"github.com/stampwise/loyalty/wallet-sync/internal/passcontent"
	"github.com/stampwise/loyalty/wallet-sync/internal/signing"
)

const (
	PassFile      = "pass.json"
	ManifestFile  = "manifest.json"
	SignatureFile = "signature"
	ContentType   = "application/vnd.apple.pkpass"
)

var errRenderPanic = errors.New("asset renderer panicked")

// archiveModTime is stamped on every zip entry so identical inputs produce
// identical archives.
var archiveModTime = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// SignedBundle is the in-memory bundle. It is not persisted by the packager.
type SignedBundle struct {
	Data         []byte
	Manifest     map[string]string
	ManifestJSON []byte
	Files        []string
	// Degraded lists assets that fell back to the placeholder image.
	Degraded []string
}

type Options struct {
	// WebServiceURL is advertised to devices for update polling. Empty
	// disables device updates for the pass.
	WebServiceURL string
	Logger        *logrus.Entry
}

type Packager struct {
	signer        signing.Signer
	webServiceURL string
	render        renderFunc
	log           *logrus.Entry
}

func NewPackager(signer signing.Signer, opts Options) *Packager {
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Packager{
		signer:        signer,
		webServiceURL: opts.WebServiceURL,
		render:        renderSolid,
		log:           log.WithField("component", "bundle"),
	}
}

// Build serializes content, renders assets, signs the manifest and zips the
// result. creds must be non-nil; it is never mutated.
func (p *Packager) Build(ctx context.Context, content models.PassContent, creds *credentials.AppleMaterial) (*SignedBundle, error) {
	if creds == nil || creds.PassTypeID == "" || creds.TeamID == "" || len(creds.CertPEM) == 0 || len(creds.KeyPEM) == 0 || len(creds.WWDRPEM) == 0 {
		return nil, apperr.Newf(apperr.CredentialsMissing, "build bundle", "signing credentials incomplete")
	}
	if content.SerialNumber == "" {
		return nil, apperr.Newf(apperr.InvalidCardState, "build bundle", "serial number required")
	}

	passBytes, err := MarshalPass(content, creds.PassTypeID, creds.TeamID, p.webServiceURL)
	if err != nil {
		return nil, apperr.New(apperr.PackagingFailed, "encode pass.json", err)
	}

	assets, degraded := renderAssets(p.render, content.BackgroundColor, content.ForegroundColor)
	if len(degraded) > 0 {
		p.log.WithFields(logrus.Fields{"serial": content.SerialNumber, "assets": degraded}).Warn("asset rendering failed; using placeholder")
	}

	files := map[string][]byte{PassFile: passBytes}
	order := []string{PassFile}
	for _, spec := range assetSpecs {
		files[spec.Name] = assets[spec.Name]
		order = append(order, spec.Name)
	}

	manifest := Manifest(files)
	manifestJSON, err := canonical.Marshal(manifest)
	if err != nil {
		return nil, apperr.New(apperr.PackagingFailed, "encode manifest", err)
	}

	if p.signer == nil {
		return nil, apperr.Newf(apperr.CredentialsMissing, "sign manifest", "no signer configured")
	}
	signature, err := p.signer.Sign(ctx, manifestJSON, creds)
	if err != nil {
		if apperr.KindOf(err) == "" {
			err = apperr.New(apperr.SigningFailed, "sign manifest", err)
		}
		return nil, err
	}

	files[ManifestFile] = manifestJSON
	files[SignatureFile] = signature
	order = append(order, ManifestFile, SignatureFile)

	data, err := writeArchive(order, files)
	if err != nil {
		return nil, apperr.New(apperr.PackagingFailed, "write archive", err)
	}

	return &SignedBundle{
		Data:         data,
		Manifest:     manifest,
		ManifestJSON: manifestJSON,
		Files:        order,
		Degraded:     degraded,
	}, nil
}

// Manifest maps every file name to the lowercase hex SHA-1 of its bytes.
func Manifest(files map[string][]byte) map[string]string {
	out := make(map[string]string, len(files))
	for name, data := range files {
		sum := sha1.Sum(data)
		out[name] = hex.EncodeToString(sum[:])
	}
	return out
}

func writeArchive(order []string, files map[string][]byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.BestCompression)
	})
	for _, name := range order {
		hdr := &zip.FileHeader{
			Name:     name,
			Method:   zip.Deflate,
			Modified: archiveModTime,
		}
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", name, err)
		}
		if _, err := w.Write(files[name]); err != nil {
			return nil, fmt.Errorf("write %s: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close archive: %w", err)
	}
	return buf.Bytes(), nil
}

// pass.json layout. Field order is fixed by the struct so encoding/json output
// is stable.
type passDocument struct {
	FormatVersion       int          `json:"formatVersion"`
	PassTypeIdentifier  string       `json:"passTypeIdentifier"`
	TeamIdentifier      string       `json:"teamIdentifier"`
	SerialNumber        string       `json:"serialNumber"`
	AuthenticationToken string       `json:"authenticationToken,omitempty"`
	WebServiceURL       string       `json:"webServiceURL,omitempty"`
	OrganizationName    string       `json:"organizationName"`
	Description         string       `json:"description"`
	LogoText            string       `json:"logoText"`
	ForegroundColor     string       `json:"foregroundColor"`
	BackgroundColor     string       `json:"backgroundColor"`
	LabelColor          string       `json:"labelColor"`
	StoreCard           passFields   `json:"storeCard"`
	Barcodes            []passCode   `json:"barcodes"`
	Barcode             passCode     `json:"barcode"`
	UserInfo            passUserInfo `json:"userInfo"`
}

type passFields struct {
	HeaderFields    []passField `json:"headerFields"`
	PrimaryFields   []passField `json:"primaryFields"`
	SecondaryFields []passField `json:"secondaryFields"`
	AuxiliaryFields []passField `json:"auxiliaryFields"`
	BackFields      []passField `json:"backFields"`
}

type passField struct {
	Key   string `json:"key"`
	Label string `json:"label"`
	Value string `json:"value"`
}

type passCode struct {
	Format          string `json:"format"`
	Message         string `json:"message"`
	MessageEncoding string `json:"messageEncoding"`
	AltText         string `json:"altText"`
}

type passUserInfo struct {
	CardType        models.CardType `json:"cardType"`
	ProgressPercent int             `json:"progressPercent"`
	IsCompleted     bool            `json:"isCompleted"`
}

// MarshalPass renders the pass.json document. It contains no timestamps.
func MarshalPass(content models.PassContent, passTypeID, teamID, webServiceURL string) ([]byte, error) {
	code := passCode{
		Format:          "PKBarcodeFormatQR",
		Message:         content.BarcodePayload,
		MessageEncoding: "iso-8859-1",
		AltText:         content.SerialNumber,
	}
	doc := passDocument{
		FormatVersion:      1,
		PassTypeIdentifier: passTypeID,
		TeamIdentifier:     teamID,
		SerialNumber:       content.SerialNumber,
		OrganizationName:   content.OrganizationName,
		Description:        content.Description,
		LogoText:           content.OrganizationName,
		ForegroundColor:    passcontent.CSSRGB(content.ForegroundColor),
		BackgroundColor:    passcontent.CSSRGB(content.BackgroundColor),
		LabelColor:         passcontent.CSSRGB(content.LabelColor),
		StoreCard: passFields{
			HeaderFields:    toPassFields(content.HeaderFields),
			PrimaryFields:   []passField{{Key: "progress", Label: content.PrimaryLabel, Value: content.PrimaryValue}},
			SecondaryFields: toPassFields(content.SecondaryFields),
			AuxiliaryFields: toPassFields(content.AuxiliaryFields),
			BackFields:      toPassFields(content.BackFields),
		},
		Barcodes: []passCode{code},
		Barcode:  code,
		UserInfo: passUserInfo{
			CardType:        content.CardType,
			ProgressPercent: content.ProgressPercent,
			IsCompleted:     content.IsCompleted,
		},
	}
	if webServiceURL != "" && content.AuthenticationToken != "" {
		doc.AuthenticationToken = content.AuthenticationToken
		doc.WebServiceURL = webServiceURL
	}
	return json.MarshalIndent(doc, "", "  ")
}

func toPassFields(in []models.Field) []passField {
	out := make([]passField, 0, len(in))
	for _, f := range in {
		out = append(out, passField{Key: f.Key, Label: f.Label, Value: f.Value})
	}
	return out
}
