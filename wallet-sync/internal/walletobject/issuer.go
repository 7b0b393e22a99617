// Package walletobject publishes loyalty classes and objects to the Google
// Wallet objects API.
package walletobject

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stampwise/loyalty/wallet-sync/internal/apperr"
	"github.com/stampwise/loyalty/wallet-sync/internal/credentials"
	"github.com/stampwise/loyalty/wallet-sync/internal/models"
)

const (
	DefaultTokenURL    = "https://oauth2.googleapis.com/token"
	DefaultAPIBaseURL  = "https://walletobjects.googleapis.com/walletobjects/v1"
	DefaultSaveURLBase = "https://pay.google.com/gp/v/save/"
	defaultClassSuffix = "loyalty"
)

type Config struct {
	TokenURL    string
	APIBaseURL  string
	SaveURLBase string
	// Origins are embedded in save-to-wallet links for the web button.
	Origins        []string
	ProgramLogoURL string
	HTTPClient     *http.Client
	Timeout        time.Duration
	Logger         *logrus.Entry
	Now            func() time.Time
}

// Descriptor is the outcome of one Issue call. It is not persisted.
type Descriptor struct {
	ClassID    string        `json:"classId"`
	ObjectID   string        `json:"objectId"`
	Class      LoyaltyClass  `json:"class"`
	Object     LoyaltyObject `json:"object"`
	Created    bool          `json:"created"`
	StatusCode int           `json:"statusCode"`
	SaveURL    string        `json:"saveUrl"`
}

type Issuer struct {
	apiBase     string
	saveURLBase string
	origins     []string
	logoURL     string
	client      *http.Client
	timeout     time.Duration
	now         func() time.Time
	tokens      *tokenSource
	log         *logrus.Entry

	classMu sync.Mutex
	classes map[string]struct{}
}

func NewIssuer(cfg Config) *Issuer {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	tokenURL := firstNonEmpty(cfg.TokenURL, DefaultTokenURL)
	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Issuer{
		apiBase:     strings.TrimSuffix(firstNonEmpty(cfg.APIBaseURL, DefaultAPIBaseURL), "/"),
		saveURLBase: firstNonEmpty(cfg.SaveURLBase, DefaultSaveURLBase),
		origins:     cfg.Origins,
		logoURL:     cfg.ProgramLogoURL,
		client:      client,
		timeout:     timeout,
		now:         now,
		tokens:      newTokenSource(tokenURL, client),
		log:         log.WithField("component", "walletobject"),
		classes:     make(map[string]struct{}),
	}
}

// Issue ensures the business's class exists and creates or updates the
// card's object so it matches content. A conflict on create is folded into a
// patch; the end state is the same either way.
func (i *Issuer) Issue(ctx context.Context, content models.PassContent, creds *credentials.GoogleMaterial) (*Descriptor, error) {
	if creds == nil || creds.PrivateKey == nil || creds.IssuerID == "" || creds.ServiceAccountEmail == "" {
		return nil, apperr.Newf(apperr.CredentialsMissing, "issue wallet object", "service account not configured")
	}
	if content.SerialNumber == "" {
		return nil, apperr.Newf(apperr.InvalidCardState, "issue wallet object", "serial number required")
	}

	classID := ClassID(creds.IssuerID, content.BusinessID)
	objectID := ObjectID(creds.IssuerID, content.SerialNumber)
	class := buildClass(classID, content, i.logoURL)
	object := buildObject(objectID, classID, content)

	token, err := i.tokens.Token(ctx, creds)
	if err != nil {
		return nil, err
	}

	if err := i.ensureClass(ctx, creds, token, class); err != nil {
		return nil, err
	}

	status, created, err := i.upsertObject(ctx, creds, token, object)
	if err != nil {
		return nil, err
	}

	saveURL, err := i.SaveURL(creds, objectID, classID)
	if err != nil {
		return nil, err
	}

	i.log.WithFields(logrus.Fields{"object": objectID, "created": created, "status": status}).Debug("wallet object synced")
	return &Descriptor{
		ClassID:    classID,
		ObjectID:   objectID,
		Class:      class,
		Object:     object,
		Created:    created,
		StatusCode: status,
		SaveURL:    saveURL,
	}, nil
}

func (i *Issuer) ensureClass(ctx context.Context, creds *credentials.GoogleMaterial, token string, class LoyaltyClass) error {
	i.classMu.Lock()
	_, known := i.classes[class.ID]
	i.classMu.Unlock()
	if known {
		return nil
	}

	status, body, err := i.do(ctx, http.MethodPost, i.apiBase+"/loyaltyClass", token, class)
	if err != nil {
		return err
	}
	switch {
	case status == http.StatusConflict, status >= 200 && status < 300:
	default:
		i.rejectAuth(status, creds)
		return apperr.API("insert loyalty class", status, body)
	}

	i.classMu.Lock()
	i.classes[class.ID] = struct{}{}
	i.classMu.Unlock()
	return nil
}

func (i *Issuer) upsertObject(ctx context.Context, creds *credentials.GoogleMaterial, token string, object LoyaltyObject) (int, bool, error) {
	status, body, err := i.do(ctx, http.MethodPost, i.apiBase+"/loyaltyObject", token, object)
	if err != nil {
		return 0, false, err
	}
	if status >= 200 && status < 300 {
		return status, true, nil
	}
	if status != http.StatusConflict {
		i.rejectAuth(status, creds)
		return status, false, apperr.API("insert loyalty object", status, body)
	}

	status, body, err = i.do(ctx, http.MethodPatch, i.apiBase+"/loyaltyObject/"+url.PathEscape(object.ID), token, object)
	if err != nil {
		return 0, false, err
	}
	if status < 200 || status >= 300 {
		i.rejectAuth(status, creds)
		return status, false, apperr.API("patch loyalty object", status, body)
	}
	return status, false, nil
}

func (i *Issuer) rejectAuth(status int, creds *credentials.GoogleMaterial) {
	if status == http.StatusUnauthorized {
		i.tokens.Invalidate(creds)
	}
}

// do sends a JSON request with the bearer token. Transport failures are
// classified as ObjectAPIError without a status so they stay retryable.
func (i *Issuer) do(ctx context.Context, method, endpoint, token string, payload interface{}) (int, string, error) {
	op := strings.ToLower(method) + " " + strings.TrimPrefix(endpoint, i.apiBase)
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, "", apperr.New(apperr.ObjectAPIError, op, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, method, endpoint, bytes.NewReader(data))
	if err != nil {
		return 0, "", apperr.New(apperr.ObjectAPIError, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := i.client.Do(req)
	if err != nil {
		return 0, "", apperr.New(apperr.ObjectAPIError, op, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	return resp.StatusCode, strings.TrimSpace(string(body)), nil
}

// ClassID is "{issuerId}.{businessId}", or the shared loyalty class when the
// card has no business id.
func ClassID(issuerID, businessID string) string {
	suffix := sanitizeID(businessID)
	if suffix == "" {
		suffix = defaultClassSuffix
	}
	return fmt.Sprintf("%s.%s", issuerID, suffix)
}

// ObjectID is "{issuerId}.{serialNumber}".
func ObjectID(issuerID, serial string) string {
	return fmt.Sprintf("%s.%s", issuerID, sanitizeID(serial))
}

// sanitizeID keeps the characters the objects API accepts in id suffixes.
func sanitizeID(s string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
