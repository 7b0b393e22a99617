package signing

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/stampwise/loyalty/wallet-sync/internal/apperr"
	"github.com/stampwise/loyalty/wallet-sync/internal/credentials"
)

type HTTPSignerConfig struct {
	Endpoint   string
	SignerID   string
	HTTPClient *http.Client
	Timeout    time.Duration
	Retries    int
}

// HTTPSigner delegates PKCS#7 signing to a remote signing service that holds
// the pass certificate. The local material is only used for the pass type id.
type HTTPSigner struct {
	endpoint string
	signerID string
	client   *http.Client
	timeout  time.Duration
	retries  int

	mu       sync.RWMutex
	lastUsed string
}

func NewHTTPSigner(cfg HTTPSignerConfig) (*HTTPSigner, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("signing endpoint required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{
			Timeout: 10 * time.Second,
		}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	return &HTTPSigner{
		endpoint: strings.TrimSuffix(cfg.Endpoint, "/"),
		signerID: cfg.SignerID,
		client:   client,
		timeout:  timeout,
		retries:  retries,
	}, nil
}

type remoteSignRequest struct {
	PayloadB64 string `json:"payload_b64"`
	SignerID   string `json:"signer_id,omitempty"`
	PassTypeID string `json:"pass_type_id,omitempty"`
	Format     string `json:"format"`
}

type remoteSignResponse struct {
	SignatureB64 string `json:"signature_b64"`
	SignerID     string `json:"signer_id"`
}

func (s *HTTPSigner) Sign(ctx context.Context, manifest []byte, material *credentials.AppleMaterial) ([]byte, error) {
	const op = "remote sign"
	reqBody := remoteSignRequest{
		PayloadB64: base64.StdEncoding.EncodeToString(manifest),
		SignerID:   s.signerID,
		Format:     "pkcs7-detached-der",
	}
	if material != nil {
		reqBody.PassTypeID = material.PassTypeID
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, apperr.New(apperr.SigningFailed, op, fmt.Errorf("marshal request: %w", err))
	}

	attempts := s.retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return nil, apperr.New(apperr.Timeout, op, err)
		}
		sig, retry, err := s.post(ctx, bodyBytes)
		if err == nil {
			return sig, nil
		}
		lastErr = err
		if !retry {
			break
		}
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return nil, apperr.New(apperr.Timeout, op, ctx.Err())
			case <-time.After(time.Duration(i+1) * 100 * time.Millisecond):
			}
		}
	}
	return nil, apperr.New(apperr.SigningFailed, op, lastErr)
}

func (s *HTTPSigner) post(ctx context.Context, body []byte) ([]byte, bool, error) {
	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, s.endpoint+"/sign", bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("request build: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("signer unavailable: %s", resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, false, fmt.Errorf("signer rejected request: %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	var out remoteSignResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, false, fmt.Errorf("decode response: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(out.SignatureB64)
	if err != nil || len(sig) == 0 {
		return nil, false, fmt.Errorf("response missing signature")
	}
	if out.SignerID != "" {
		s.mu.Lock()
		s.lastUsed = out.SignerID
		s.mu.Unlock()
	}
	return sig, false, nil
}

// SignerID reports the key id the remote service last signed with.
func (s *HTTPSigner) SignerID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUsed
}
