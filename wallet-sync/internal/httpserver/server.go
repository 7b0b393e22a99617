package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/stampwise/loyalty/wallet-sync/internal/apperr"
	"github.com/stampwise/loyalty/wallet-sync/internal/config"
	"github.com/stampwise/loyalty/wallet-sync/internal/credentials"
	"github.com/stampwise/loyalty/wallet-sync/internal/fallback"
	"github.com/stampwise/loyalty/wallet-sync/internal/logging"
	"github.com/stampwise/loyalty/wallet-sync/internal/models"
	"github.com/stampwise/loyalty/wallet-sync/internal/orchestrator"
	"github.com/stampwise/loyalty/wallet-sync/internal/store"
)

type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Store        store.Store
	Cards        store.CardReader
	Credentials  *credentials.Provider
	Renderer     *fallback.Renderer
	// Wallet serves the device web service under /wallet when set.
	Wallet http.Handler
	Logger *log.Entry
}

type Server struct {
	cfg      config.Config
	orch     *orchestrator.Orchestrator
	db       store.Store
	cards    store.CardReader
	creds    *credentials.Provider
	renderer *fallback.Renderer
	wallet   http.Handler
	log      *log.Entry
}

func New(cfg config.Config, deps Deps) *Server {
	renderer := deps.Renderer
	if renderer == nil {
		renderer = fallback.NewRenderer(fallback.Options{})
	}
	return &Server{
		cfg:      cfg,
		orch:     deps.Orchestrator,
		db:       deps.Store,
		cards:    deps.Cards,
		creds:    deps.Credentials,
		renderer: renderer,
		wallet:   deps.Wallet,
		log:      logging.OrDefault(deps.Logger, "http"),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(s.log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.cfg.WaitTimeout + 10*time.Second))

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.writeAuthMiddleware)
		r.Post("/provisioning", s.handleRequestProvisioning)
		r.Get("/provisioning/{requestId}", s.handleGetRequest)
		r.Get("/cards/{cardId}/provisioning", s.handleCardStatus)
		r.Get("/cards/{cardId}/audit", s.handleCardAudit)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.corsHandler())
		r.Get("/cards/{cardId}/manifest.webmanifest", s.handleManifest)
		r.Get("/cards/{cardId}", s.handleCardView)
	})

	if s.wallet != nil {
		r.Mount("/wallet", s.wallet)
	}
	return r
}

func (s *Server) corsHandler() func(http.Handler) http.Handler {
	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	})
}

type platformHealth struct {
	Configured bool   `json:"configured"`
	Enabled    bool   `json:"enabled"`
	Reason     string `json:"reason,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	enabled := map[models.Platform]bool{}
	for _, p := range s.orch.Platforms() {
		enabled[p] = true
	}
	platforms := map[models.Platform]platformHealth{}
	for p, st := range s.creds.Status() {
		platforms[p] = platformHealth{Configured: st.Configured, Enabled: enabled[p], Reason: st.Reason}
	}

	status := map[string]interface{}{
		"ok":        true,
		"time":      time.Now().UTC().Format(time.RFC3339Nano),
		"platforms": platforms,
	}
	if err := s.db.Ping(ctx); err != nil {
		status["ok"] = false
		status["db"] = "down"
		status["error"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	status["db"] = "up"
	respondJSON(w, http.StatusOK, status)
}

type provisioningRequest struct {
	CardID    string   `json:"cardId"`
	Platforms []string `json:"platforms"`
	Wait      bool     `json:"wait"`
}

func (s *Server) handleRequestProvisioning(w http.ResponseWriter, r *http.Request) {
	var req provisioningRequest
	if err := decodeJSON(w, r, &req, int64(s.cfg.MaxBodyBytes)); err != nil {
		respondError(w, http.StatusBadRequest, "WALLET_BAD_REQUEST", err.Error())
		return
	}
	if req.CardID == "" {
		respondError(w, http.StatusBadRequest, "WALLET_BAD_REQUEST", "cardId is required")
		return
	}
	platforms := make([]models.Platform, 0, len(req.Platforms))
	for _, p := range req.Platforms {
		platforms = append(platforms, models.Platform(p))
	}

	if !req.Wait {
		requestID, err := s.orch.RequestProvisioning(r.Context(), req.CardID, platforms)
		if err != nil {
			respondAppError(w, err)
			return
		}
		respondJSON(w, http.StatusAccepted, map[string]interface{}{
			"requestId": requestID,
			"statusUrl": "/provisioning/" + requestID.String(),
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.WaitTimeout)
	defer cancel()
	st, err := s.orch.ProvisionNow(ctx, req.CardID, platforms)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && st.RequestID != uuid.Nil {
			// Still running; the caller polls the status URL.
			respondJSON(w, http.StatusAccepted, st)
			return
		}
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	requestID, err := uuid.Parse(chi.URLParam(r, "requestId"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "WALLET_BAD_REQUEST", "invalid request id")
		return
	}
	st, err := s.orch.GetStatus(r.Context(), requestID)
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleCardStatus(w http.ResponseWriter, r *http.Request) {
	records, err := s.orch.CardStatus(r.Context(), chi.URLParam(r, "cardId"))
	if err != nil {
		respondAppError(w, err)
		return
	}
	if records == nil {
		records = []models.ProvisioningRecord{}
	}
	respondJSON(w, http.StatusOK, records)
}

func (s *Server) handleCardAudit(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	entries, err := s.orch.AuditTrail(r.Context(), chi.URLParam(r, "cardId"), limit)
	if err != nil {
		respondAppError(w, err)
		return
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
	})
}

func (s *Server) loadCard(w http.ResponseWriter, r *http.Request) (models.CardState, bool) {
	card, err := s.cards.GetCard(r.Context(), chi.URLParam(r, "cardId"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "WALLET_NOT_FOUND", "card not found")
			return models.CardState{}, false
		}
		respondError(w, http.StatusInternalServerError, "WALLET_INTERNAL", err.Error())
		return models.CardState{}, false
	}
	return card, true
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	card, ok := s.loadCard(w, r)
	if !ok {
		return
	}
	content, _ := fallback.CardContent(card)
	w.Header().Set("Content-Type", "application/manifest+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(s.renderer.RenderManifest(content).JSON())
}

func (s *Server) handleCardView(w http.ResponseWriter, r *http.Request) {
	card, ok := s.loadCard(w, r)
	if !ok {
		return
	}
	content, _ := fallback.CardContent(card)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.renderer.RenderCardView(w, content, r.URL.Query().Get("view") == "qr"); err != nil {
		s.log.WithError(err).WithField("card_id", card.CardID).Error("card view render failed")
	}
}

func (s *Server) writeAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AllowDebugToken {
			if token := r.Header.Get("X-Debug-Token"); token != "" && token == s.cfg.DebugToken {
				next.ServeHTTP(w, r)
				return
			}
			respondError(w, http.StatusUnauthorized, "WALLET_AUTH", "debug token required")
			return
		}
		if r.TLS == nil {
			respondError(w, http.StatusUnauthorized, "WALLET_AUTH", "mtls required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

var errorCodes = map[apperr.Kind]string{
	apperr.InvalidRequest:     "WALLET_BAD_REQUEST",
	apperr.InvalidCardState:   "WALLET_INVALID_CARD",
	apperr.NotFound:           "WALLET_NOT_FOUND",
	apperr.CredentialsMissing: "WALLET_NOT_CONFIGURED",
	apperr.InvalidKeyFormat:   "WALLET_NOT_CONFIGURED",
	apperr.Timeout:            "WALLET_TIMEOUT",
}

func respondAppError(w http.ResponseWriter, err error) {
	code, ok := errorCodes[apperr.KindOf(err)]
	if !ok {
		code = "WALLET_INTERNAL"
	}
	respondError(w, apperr.HTTPStatus(err), code, err.Error())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}, limit int64) error {
	if limit <= 0 {
		limit = 1 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, code, msg string) {
	respondJSON(w, status, map[string]string{
		"error": msg,
		"code":  code,
	})
}
