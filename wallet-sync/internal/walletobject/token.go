package walletobject

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/jwt"

	"github.com/stampwise/loyalty/wallet-sync/internal/apperr"
	"github.com/stampwise/loyalty/wallet-sync/internal/credentials"
)

const (
	WalletScope      = "https://www.googleapis.com/auth/wallet_object.issuer"
	maxErrorBodySize = 4096
)

// tokenSource exchanges JWT-bearer assertions for access tokens and caches
// them per service account until shortly before expiry.
type tokenSource struct {
	tokenURL string
	client   *http.Client

	mu    sync.Mutex
	cache map[string]*oauth2.Token
}

func newTokenSource(tokenURL string, client *http.Client) *tokenSource {
	return &tokenSource{
		tokenURL: tokenURL,
		client:   client,
		cache:    make(map[string]*oauth2.Token),
	}
}

func (s *tokenSource) config(creds *credentials.GoogleMaterial) *jwt.Config {
	return &jwt.Config{
		Email: creds.ServiceAccountEmail,
		PrivateKey: pem.EncodeToMemory(&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(creds.PrivateKey),
		}),
		Scopes:   []string{WalletScope},
		TokenURL: s.tokenURL,
	}
}

func (s *tokenSource) Token(ctx context.Context, creds *credentials.GoogleMaterial) (string, error) {
	if creds == nil || creds.PrivateKey == nil {
		return "", apperr.Newf(apperr.CredentialsMissing, "token exchange", "service account key not configured")
	}
	key := creds.ServiceAccountEmail
	s.mu.Lock()
	cached := s.cache[key]
	s.mu.Unlock()

	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.client)
	tok, err := oauth2.ReuseTokenSource(cached, s.config(creds).TokenSource(ctx)).Token()
	if err != nil {
		return "", tokenError(err)
	}

	s.mu.Lock()
	s.cache[key] = tok
	s.mu.Unlock()
	return tok.AccessToken, nil
}

// Invalidate drops a cached token, e.g. after the object API rejects it.
func (s *tokenSource) Invalidate(creds *credentials.GoogleMaterial) {
	s.mu.Lock()
	delete(s.cache, creds.ServiceAccountEmail)
	s.mu.Unlock()
}

func tokenError(err error) error {
	var rerr *oauth2.RetrieveError
	if !errors.As(err, &rerr) {
		return apperr.New(apperr.TokenExchangeFailed, "token exchange", err)
	}
	body := rerr.Body
	if len(body) > maxErrorBodySize {
		body = body[:maxErrorBodySize]
	}
	out := &apperr.Error{
		Kind: apperr.TokenExchangeFailed,
		Op:   "token exchange",
		Body: strings.TrimSpace(string(body)),
	}
	if rerr.Response != nil {
		out.StatusCode = rerr.Response.StatusCode
	}
	return out
}
