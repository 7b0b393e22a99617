package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stampwise/loyalty/wallet-sync/internal/config"
	"github.com/stampwise/loyalty/wallet-sync/internal/credentials"
	"github.com/stampwise/loyalty/wallet-sync/internal/fallback"
	"github.com/stampwise/loyalty/wallet-sync/internal/models"
	"github.com/stampwise/loyalty/wallet-sync/internal/orchestrator"
	"github.com/stampwise/loyalty/wallet-sync/internal/queue"
	"github.com/stampwise/loyalty/wallet-sync/internal/store"
)

const debugToken = "test-debug-token"

type downStore struct {
	*store.MemoryStore
}

func (downStore) Ping(ctx context.Context) error { return errors.New("connection refused") }

type testServer struct {
	orch   *orchestrator.Orchestrator
	router http.Handler
}

func newTestServer(t *testing.T, st store.Store) *testServer {
	t.Helper()
	if st == nil {
		st = store.NewMemoryStore()
	}
	cards := store.NewMemoryCards(models.CardState{
		CardID:          "card-1",
		CardType:        models.CardTypeStamp,
		ProgressCurrent: 5,
		ProgressTarget:  10,
		BusinessName:    "Bean There <Cafe>",
		ColorHex:        "#1E3A8A",
		UpdatedAt:       time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC),
	})
	creds := credentials.Static(nil, nil)
	renderer := fallback.NewRenderer(fallback.Options{})
	orch, err := orchestrator.New(orchestrator.Deps{
		Queue:       queue.NewMemoryQueue(),
		Store:       st,
		Cards:       cards,
		Credentials: creds,
		Builders: []orchestrator.Builder{
			orchestrator.BuilderFunc{For: models.PlatformApple, Fn: func(ctx context.Context, card models.CardState) (models.BuildResult, error) {
				return models.BuildResult{DownloadURL: "https://wallet.example/" + card.CardID, Fingerprint: "fp"}, nil
			}},
			&orchestrator.PWABuilder{Renderer: renderer, PublicBaseURL: "https://cards.example"},
		},
	}, orchestrator.Config{PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)

	cfg := config.Config{
		AllowDebugToken: true,
		DebugToken:      debugToken,
		WaitTimeout:     2 * time.Second,
		MaxBodyBytes:    64 * 1024,
	}
	wallet := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	srv := New(cfg, Deps{
		Orchestrator: orch,
		Store:        st,
		Cards:        cards,
		Credentials:  creds,
		Renderer:     renderer,
		Wallet:       wallet,
	})
	return &testServer{orch: orch, router: srv.Router()}
}

func doRequest(router http.Handler, method, path string, body []byte, auth bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if auth {
		req.Header.Set("X-Debug-Token", debugToken)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func drain(t *testing.T, orch *orchestrator.Orchestrator) {
	t.Helper()
	for {
		processed, err := orch.ProcessNext(context.Background())
		require.NoError(t, err)
		if !processed {
			return
		}
	}
}

func TestHealthReportsPlatforms(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := doRequest(ts.router, http.MethodGet, "/health", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		OK        bool                              `json:"ok"`
		DB        string                            `json:"db"`
		Platforms map[models.Platform]platformHealth `json:"platforms"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.Equal(t, "up", resp.DB)
	assert.False(t, resp.Platforms[models.PlatformApple].Configured)
	assert.True(t, resp.Platforms[models.PlatformApple].Enabled)
	assert.False(t, resp.Platforms[models.PlatformGoogle].Enabled)
	assert.True(t, resp.Platforms[models.PlatformPWA].Configured)
	assert.NotContains(t, rec.Body.String(), "PRIVATE KEY")
}

func TestHealthDatabaseDown(t *testing.T) {
	ts := newTestServer(t, downStore{store.NewMemoryStore()})
	rec := doRequest(ts.router, http.MethodGet, "/health", nil, false)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"db":"down"`)
}

func TestProvisioningRequiresAuth(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := doRequest(ts.router, http.MethodPost, "/provisioning", []byte(`{"cardId":"card-1"}`), false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(ts.router, http.MethodGet, "/cards/card-1/provisioning", nil, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequestProvisioningAndPoll(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := doRequest(ts.router, http.MethodPost, "/provisioning", []byte(`{"cardId":"card-1"}`), true)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var accepted struct {
		RequestID uuid.UUID `json:"requestId"`
		StatusURL string    `json:"statusUrl"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
	assert.Equal(t, "/provisioning/"+accepted.RequestID.String(), accepted.StatusURL)

	rec = doRequest(ts.router, http.MethodGet, accepted.StatusURL, nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	var pending orchestrator.RequestStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pending))
	assert.Equal(t, models.EntryPending, pending.Status)
	assert.Len(t, pending.Platforms, 2)

	drain(t, ts.orch)

	rec = doRequest(ts.router, http.MethodGet, accepted.StatusURL, nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	var done orchestrator.RequestStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &done))
	assert.True(t, done.Done)
	assert.Equal(t, models.EntryCompleted, done.Status)

	rec = doRequest(ts.router, http.MethodGet, "/cards/card-1/provisioning", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	var records []models.ProvisioningRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	assert.Len(t, records, 2)

	rec = doRequest(ts.router, http.MethodGet, "/cards/card-1/audit?limit=2", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	var audit struct {
		Entries []models.AuditEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &audit))
	assert.Len(t, audit.Entries, 2)
}

func TestRequestProvisioningErrors(t *testing.T) {
	ts := newTestServer(t, nil)

	cases := []struct {
		name string
		body string
		code int
		err  string
	}{
		{"missing card id", `{}`, http.StatusBadRequest, "WALLET_BAD_REQUEST"},
		{"unknown field", `{"cardId":"card-1","force":true}`, http.StatusBadRequest, "WALLET_BAD_REQUEST"},
		{"unknown platform", `{"cardId":"card-1","platforms":["samsung"]}`, http.StatusBadRequest, "WALLET_BAD_REQUEST"},
		{"disabled platform", `{"cardId":"card-1","platforms":["google"]}`, http.StatusBadRequest, "WALLET_BAD_REQUEST"},
		{"unknown card", `{"cardId":"card-404"}`, http.StatusNotFound, "WALLET_NOT_FOUND"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(ts.router, http.MethodPost, "/provisioning", []byte(tc.body), true)
			assert.Equal(t, tc.code, rec.Code, rec.Body.String())
			assert.Contains(t, rec.Body.String(), tc.err)
		})
	}

	rec := doRequest(ts.router, http.MethodGet, "/provisioning/not-a-uuid", nil, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = doRequest(ts.router, http.MethodGet, "/provisioning/"+uuid.NewString(), nil, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequestProvisioningWait(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ts.orch.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	rec := doRequest(ts.router, http.MethodPost, "/provisioning", []byte(`{"cardId":"card-1","platforms":["apple","pwa"],"wait":true}`), true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var st orchestrator.RequestStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.True(t, st.Done)
	assert.Equal(t, models.EntryCompleted, st.Status)
}

func TestFallbackManifestAndView(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := doRequest(ts.router, http.MethodGet, "/cards/card-1/manifest.webmanifest", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/manifest+json", rec.Header().Get("Content-Type"))
	var manifest fallback.Manifest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &manifest))
	assert.Equal(t, "/cards/card-1", manifest.StartURL)

	rec = doRequest(ts.router, http.MethodGet, "/cards/card-1?view=qr", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/html"))
	assert.Contains(t, rec.Body.String(), "Bean There &lt;Cafe&gt;")

	rec = doRequest(ts.router, http.MethodGet, "/cards/nope/manifest.webmanifest", nil, false)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFallbackCORS(t *testing.T) {
	ts := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/cards/card-1/manifest.webmanifest", nil)
	req.Header.Set("Origin", "https://holder.example")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestWalletMounted(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := doRequest(ts.router, http.MethodGet, "/wallet/v1/passes/x/y", nil, false)
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestMTLSRequiredWithoutDebugToken(t *testing.T) {
	srv := New(config.Config{}, Deps{})
	rec := doRequest(srv.Router(), http.MethodGet, "/cards/card-1/provisioning", nil, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "mtls required")
}
