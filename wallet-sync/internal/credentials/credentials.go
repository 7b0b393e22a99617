// Package credentials loads the signing material used by the wallet builders.
//
// Values may arrive as file paths, raw PEM, or base64-encoded PEM, and are
// frequently mangled by secret managers (surrounding quotes, literal "\n").
// Everything is normalized once at load; the resulting material is read-only
// and shared by concurrent builders.
package credentials

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/stampwise/loyalty/wallet-sync/internal/apperr"
	"github.com/stampwise/loyalty/wallet-sync/internal/models"
)

// Source is the raw, unvalidated configuration.
type Source struct {
	PassTypeID       string
	TeamID           string
	AppleCert        string
	AppleKey         string
	AppleKeyPassword string
	AppleWWDR        string

	GoogleServiceAccountEmail string
	GooglePrivateKey          string
	GoogleIssuerID            string
}

// AppleMaterial is everything needed to sign a bundle.
type AppleMaterial struct {
	PassTypeID  string
	TeamID      string
	CertPEM     []byte
	KeyPEM      []byte
	KeyPassword string
	WWDRPEM     []byte
}

// GoogleMaterial is the service-account identity used for the JWT-bearer flow.
type GoogleMaterial struct {
	ServiceAccountEmail string
	IssuerID            string
	PrivateKey          *rsa.PrivateKey
}

// PlatformStatus is safe to expose on health endpoints.
type PlatformStatus struct {
	Configured bool   `json:"configured"`
	Reason     string `json:"reason,omitempty"`
}

// Provider holds the validated material for each platform. A platform whose
// material failed validation keeps the error and reports it on every access.
type Provider struct {
	apple     *AppleMaterial
	appleErr  error
	google    *GoogleMaterial
	googleErr error
}

// Load validates src. It never fails as a whole: platforms are configured
// independently so a broken Apple certificate does not disable Google.
func Load(src Source) *Provider {
	p := &Provider{}
	p.apple, p.appleErr = loadApple(src)
	p.google, p.googleErr = loadGoogle(src)
	return p
}

// Static builds a provider from already-parsed material. Nil material marks
// the platform as not configured.
func Static(apple *AppleMaterial, google *GoogleMaterial) *Provider {
	p := &Provider{apple: apple, google: google}
	if apple == nil {
		p.appleErr = apperr.Newf(apperr.CredentialsMissing, "apple credentials", "not configured")
	}
	if google == nil {
		p.googleErr = apperr.Newf(apperr.CredentialsMissing, "google credentials", "not configured")
	}
	return p
}

// Apple returns the bundle-signing material or a CredentialsMissing error.
func (p *Provider) Apple() (*AppleMaterial, error) {
	if p == nil {
		return nil, apperr.Newf(apperr.CredentialsMissing, "apple credentials", "no provider")
	}
	if p.appleErr != nil {
		return nil, p.appleErr
	}
	return p.apple, nil
}

// Google returns the service-account material or the load error.
func (p *Provider) Google() (*GoogleMaterial, error) {
	if p == nil {
		return nil, apperr.Newf(apperr.CredentialsMissing, "google credentials", "no provider")
	}
	if p.googleErr != nil {
		return nil, p.googleErr
	}
	return p.google, nil
}

// Configured reports whether builds for platform can be attempted.
func (p *Provider) Configured(platform models.Platform) bool {
	switch platform {
	case models.PlatformApple:
		_, err := p.Apple()
		return err == nil
	case models.PlatformGoogle:
		_, err := p.Google()
		return err == nil
	case models.PlatformPWA:
		return true
	}
	return false
}

// Status reports per-platform configuration without exposing secret values.
func (p *Provider) Status() map[models.Platform]PlatformStatus {
	out := make(map[models.Platform]PlatformStatus, len(models.AllPlatforms))
	for _, platform := range models.AllPlatforms {
		st := PlatformStatus{Configured: p.Configured(platform)}
		if !st.Configured {
			st.Reason = string(apperr.KindOf(p.errFor(platform)))
		}
		out[platform] = st
	}
	return out
}

func (p *Provider) errFor(platform models.Platform) error {
	switch platform {
	case models.PlatformApple:
		_, err := p.Apple()
		return err
	case models.PlatformGoogle:
		_, err := p.Google()
		return err
	}
	return nil
}

func loadApple(src Source) (*AppleMaterial, error) {
	const op = "load apple credentials"
	var missing []string
	if src.PassTypeID == "" {
		missing = append(missing, "pass type id")
	}
	if src.TeamID == "" {
		missing = append(missing, "team id")
	}
	if src.AppleCert == "" {
		missing = append(missing, "signing certificate")
	}
	if src.AppleKey == "" {
		missing = append(missing, "signing key")
	}
	if src.AppleWWDR == "" {
		missing = append(missing, "intermediate certificate")
	}
	if len(missing) > 0 {
		return nil, apperr.Newf(apperr.CredentialsMissing, op, "missing %s", strings.Join(missing, ", "))
	}

	cert, err := ReadPEM(src.AppleCert)
	if err != nil {
		return nil, apperr.New(apperr.CredentialsMissing, op, fmt.Errorf("signing certificate: %w", err))
	}
	if err := checkCertificate(cert); err != nil {
		return nil, apperr.New(apperr.CredentialsMissing, op, fmt.Errorf("signing certificate: %w", err))
	}
	wwdr, err := ReadPEM(src.AppleWWDR)
	if err != nil {
		return nil, apperr.New(apperr.CredentialsMissing, op, fmt.Errorf("intermediate certificate: %w", err))
	}
	if err := checkCertificate(wwdr); err != nil {
		return nil, apperr.New(apperr.CredentialsMissing, op, fmt.Errorf("intermediate certificate: %w", err))
	}
	key, err := ReadPEM(src.AppleKey)
	if err != nil {
		return nil, apperr.New(apperr.CredentialsMissing, op, fmt.Errorf("signing key: %w", err))
	}
	if block, _ := pem.Decode(key); block == nil || !strings.Contains(block.Type, "PRIVATE KEY") {
		return nil, apperr.Newf(apperr.CredentialsMissing, op, "signing key is not a PEM private key")
	}

	return &AppleMaterial{
		PassTypeID:  src.PassTypeID,
		TeamID:      src.TeamID,
		CertPEM:     cert,
		KeyPEM:      key,
		KeyPassword: src.AppleKeyPassword,
		WWDRPEM:     wwdr,
	}, nil
}

func loadGoogle(src Source) (*GoogleMaterial, error) {
	const op = "load google credentials"
	var missing []string
	if src.GoogleServiceAccountEmail == "" {
		missing = append(missing, "service account email")
	}
	if src.GooglePrivateKey == "" {
		missing = append(missing, "private key")
	}
	if src.GoogleIssuerID == "" {
		missing = append(missing, "issuer id")
	}
	if len(missing) > 0 {
		return nil, apperr.Newf(apperr.CredentialsMissing, op, "missing %s", strings.Join(missing, ", "))
	}
	key, err := ParseRSAPrivateKey(src.GooglePrivateKey)
	if err != nil {
		return nil, err
	}
	return &GoogleMaterial{
		ServiceAccountEmail: strings.TrimSpace(src.GoogleServiceAccountEmail),
		IssuerID:            strings.TrimSpace(src.GoogleIssuerID),
		PrivateKey:          key,
	}, nil
}

// ParseRSAPrivateKey normalizes key material and parses a PKCS#1 or PKCS#8
// RSA private key. Any failure is reported as InvalidKeyFormat.
func ParseRSAPrivateKey(raw string) (*rsa.PrivateKey, error) {
	const op = "parse service account key"
	data, err := ReadPEM(raw)
	if err != nil {
		return nil, apperr.New(apperr.InvalidKeyFormat, op, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, apperr.Newf(apperr.InvalidKeyFormat, op, "no PEM block found")
	}
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, apperr.New(apperr.InvalidKeyFormat, op, err)
	}
	k, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, apperr.Newf(apperr.InvalidKeyFormat, op, "key is %T, want RSA", parsed)
	}
	return k, nil
}

// ReadPEM resolves value to PEM bytes. It accepts a file path, inline PEM
// (optionally quoted, with escaped newlines), or base64-encoded PEM.
func ReadPEM(value string) ([]byte, error) {
	v := Normalize(value)
	if v == "" {
		return nil, errors.New("value is empty")
	}
	if !strings.Contains(v, "\n") && !strings.Contains(v, "BEGIN") {
		if _, err := os.Stat(v); err == nil {
			b, err := os.ReadFile(v)
			if err != nil {
				return nil, err
			}
			return []byte(Normalize(string(b))), nil
		}
	}
	if strings.Contains(v, "-----BEGIN") {
		return []byte(v), nil
	}
	compact := strings.Join(strings.Fields(v), "")
	decoded, err := base64.StdEncoding.DecodeString(compact)
	if err != nil {
		return nil, fmt.Errorf("not a path, PEM or base64 value: %w", err)
	}
	out := Normalize(string(decoded))
	if !strings.Contains(out, "-----BEGIN") {
		return nil, errors.New("decoded value is not PEM")
	}
	return []byte(out), nil
}

// Normalize strips surrounding quotes and whitespace and expands literal
// "\n" sequences.
func Normalize(value string) string {
	v := strings.TrimSpace(value)
	for len(v) >= 2 && (v[0] == '"' && v[len(v)-1] == '"' || v[0] == '\'' && v[len(v)-1] == '\'') {
		v = strings.TrimSpace(v[1 : len(v)-1])
	}
	v = strings.ReplaceAll(v, `\r\n`, "\n")
	v = strings.ReplaceAll(v, `\n`, "\n")
	v = strings.ReplaceAll(v, "\r\n", "\n")
	if v != "" && strings.Contains(v, "-----END") && !strings.HasSuffix(v, "\n") {
		v += "\n"
	}
	return v
}

func checkCertificate(data []byte) error {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return errors.New("no CERTIFICATE block")
	}
	_, err := x509.ParseCertificate(block.Bytes)
	return err
}
