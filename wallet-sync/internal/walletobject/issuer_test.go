package walletobject

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stampwise/loyalty/wallet-sync/internal/apperr"
	"github.com/stampwise/loyalty/wallet-sync/internal/credentials"
	"github.com/stampwise/loyalty/wallet-sync/internal/models"
	"github.com/stampwise/loyalty/wallet-sync/internal/passcontent"
	"github.com/stampwise/loyalty/wallet-sync/internal/testutil"
)

type fakeWallet struct {
	t   *testing.T
	key *rsa.PublicKey

	tokenStatus  int
	objectStatus int
	patchStatus  int

	tokenCalls int32
	mu         sync.Mutex
	requests   []string
	patched    LoyaltyObject
}

func (f *fakeWallet) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.tokenCalls, 1)
		assert.NoError(f.t, r.ParseForm())
		assert.Equal(f.t, "urn:ietf:params:oauth:grant-type:jwt-bearer", r.PostForm.Get("grant_type"))

		claims := jwt.MapClaims{}
		_, err := jwt.ParseWithClaims(r.PostForm.Get("assertion"), claims, func(tok *jwt.Token) (interface{}, error) {
			return f.key, nil
		}, jwt.WithValidMethods([]string{"RS256"}))
		assert.NoError(f.t, err)
		assert.Equal(f.t, WalletScope, claims["scope"])
		assert.Equal(f.t, "wallet@example.iam.gserviceaccount.com", claims["iss"])

		if f.tokenStatus != 0 {
			http.Error(w, `{"error":"invalid_grant"}`, f.tokenStatus)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "ya29.test", "expires_in": 3600, "token_type": "Bearer",
		})
	})
	mux.HandleFunc("/v1/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(f.t, "Bearer ya29.test", r.Header.Get("Authorization"))
		f.mu.Lock()
		f.requests = append(f.requests, r.Method+" "+r.URL.Path)
		f.mu.Unlock()

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/loyaltyClass":
			w.WriteHeader(http.StatusConflict)
		case r.Method == http.MethodPost && r.URL.Path == "/v1/loyaltyObject":
			status := f.objectStatus
			if status == 0 {
				status = http.StatusOK
			}
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"object state"}}`))
		case r.Method == http.MethodPatch && strings.HasPrefix(r.URL.Path, "/v1/loyaltyObject/"):
			var obj LoyaltyObject
			assert.NoError(f.t, json.NewDecoder(r.Body).Decode(&obj))
			f.mu.Lock()
			f.patched = obj
			f.mu.Unlock()
			status := f.patchStatus
			if status == 0 {
				status = http.StatusOK
			}
			w.WriteHeader(status)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	return mux
}

func setup(t *testing.T, fake *fakeWallet) (*Issuer, *credentials.GoogleMaterial) {
	t.Helper()
	key := testutil.RSAKey(t)
	fake.t = t
	fake.key = &key.PublicKey
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	issuer := NewIssuer(Config{
		TokenURL:   srv.URL + "/token",
		APIBaseURL: srv.URL + "/v1",
		HTTPClient: srv.Client(),
		Origins:    []string{"https://loyalty.example.com"},
	})
	creds := &credentials.GoogleMaterial{
		ServiceAccountEmail: "wallet@example.iam.gserviceaccount.com",
		IssuerID:            "3388000000012345",
		PrivateKey:          key,
	}
	return issuer, creds
}

func content(t *testing.T) models.PassContent {
	t.Helper()
	c, err := passcontent.Build(models.CardState{
		CardID:          "card 123",
		CardType:        models.CardTypeStamp,
		ProgressCurrent: 4,
		ProgressTarget:  10,
		BusinessID:      "biz-9",
		BusinessName:    "Bean There",
	})
	require.NoError(t, err)
	return c
}

func TestIssueCreatesObject(t *testing.T) {
	fake := &fakeWallet{}
	issuer, creds := setup(t, fake)

	desc, err := issuer.Issue(context.Background(), content(t), creds)
	require.NoError(t, err)
	assert.True(t, desc.Created)
	assert.Equal(t, "3388000000012345.biz-9", desc.ClassID)
	assert.Equal(t, "3388000000012345.card_123", desc.ObjectID)
	assert.Equal(t, "4/10", desc.Object.LoyaltyPoints.Balance.String)
	assert.True(t, strings.HasPrefix(desc.SaveURL, DefaultSaveURLBase))
	assert.Equal(t, []string{"POST /v1/loyaltyClass", "POST /v1/loyaltyObject"}, fake.requests)
}

func TestIssueFoldsConflictIntoPatch(t *testing.T) {
	fake := &fakeWallet{objectStatus: http.StatusConflict}
	issuer, creds := setup(t, fake)

	desc, err := issuer.Issue(context.Background(), content(t), creds)
	require.NoError(t, err)
	assert.False(t, desc.Created)
	assert.Equal(t, http.StatusOK, desc.StatusCode)
	assert.Equal(t, "POST /v1/loyaltyObject", fake.requests[1])
	assert.Equal(t, "PATCH /v1/loyaltyObject/3388000000012345.card_123", fake.requests[2])
	assert.Equal(t, desc.ObjectID, fake.patched.ID)
}

func TestIssueTokenCacheAndKnownClass(t *testing.T) {
	fake := &fakeWallet{}
	issuer, creds := setup(t, fake)

	for i := 0; i < 3; i++ {
		_, err := issuer.Issue(context.Background(), content(t), creds)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&fake.tokenCalls))
	classCalls := 0
	for _, r := range fake.requests {
		if r == "POST /v1/loyaltyClass" {
			classCalls++
		}
	}
	assert.Equal(t, 1, classCalls)
}

func TestIssueObjectErrorsClassified(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
	}{
		{http.StatusServiceUnavailable, true},
		{http.StatusTooManyRequests, true},
		{http.StatusBadRequest, false},
		{http.StatusForbidden, false},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			fake := &fakeWallet{objectStatus: tc.status}
			issuer, creds := setup(t, fake)

			_, err := issuer.Issue(context.Background(), content(t), creds)
			require.Error(t, err)
			var apiErr *apperr.Error
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, apperr.ObjectAPIError, apiErr.Kind)
			assert.Equal(t, tc.status, apiErr.StatusCode)
			assert.Contains(t, apiErr.Body, "object state")
			assert.Equal(t, tc.retryable, apperr.Retryable(err))
		})
	}
}

func TestIssueTokenExchangeFailure(t *testing.T) {
	fake := &fakeWallet{tokenStatus: http.StatusBadRequest}
	issuer, creds := setup(t, fake)

	_, err := issuer.Issue(context.Background(), content(t), creds)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.E(apperr.TokenExchangeFailed))
	assert.True(t, apperr.Retryable(err))
	var tokenErr *apperr.Error
	require.ErrorAs(t, err, &tokenErr)
	assert.Equal(t, http.StatusBadRequest, tokenErr.StatusCode)
	assert.Contains(t, tokenErr.Body, "invalid_grant")
	assert.Empty(t, fake.requests)
}

func TestInvalidatedTokenIsRefetched(t *testing.T) {
	fake := &fakeWallet{}
	issuer, creds := setup(t, fake)
	_, err := issuer.Issue(context.Background(), content(t), creds)
	require.NoError(t, err)

	issuer.tokens.Invalidate(creds)
	_, err = issuer.Issue(context.Background(), content(t), creds)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&fake.tokenCalls))
}

func TestIssueRequiresCredentials(t *testing.T) {
	issuer := NewIssuer(Config{})
	_, err := issuer.Issue(context.Background(), content(t), nil)
	assert.ErrorIs(t, err, apperr.E(apperr.CredentialsMissing))
}

func TestSaveURLClaims(t *testing.T) {
	key := testutil.RSAKey(t)
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	issuer := NewIssuer(Config{Now: func() time.Time { return now }, SaveURLBase: "https://save/"})
	creds := &credentials.GoogleMaterial{ServiceAccountEmail: "sa@example.com", IssuerID: "1", PrivateKey: key}

	link, err := issuer.SaveURL(creds, "1.card", "1.loyalty")
	require.NoError(t, err)
	raw := strings.TrimPrefix(link, "https://save/")

	claims := jwt.MapClaims{}
	_, _, err = jwt.NewParser().ParseUnverified(raw, claims)
	require.NoError(t, err)
	assert.Equal(t, "savetowallet", claims["typ"])
	assert.Equal(t, "google", claims["aud"])
	payload := claims["payload"].(map[string]interface{})
	objs := payload["loyaltyObjects"].([]interface{})
	assert.Equal(t, "1.card", objs[0].(map[string]interface{})["id"])
}
