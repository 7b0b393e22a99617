// Package protocol serves the wallet device web service: pass downloads with
// conditional GET, lightweight update checks, device registrations and the
// device log sink.
package protocol

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/stampwise/loyalty/wallet-sync/internal/apperr"
	"github.com/stampwise/loyalty/wallet-sync/internal/bundle"
	"github.com/stampwise/loyalty/wallet-sync/internal/credentials"
	"github.com/stampwise/loyalty/wallet-sync/internal/logging"
	"github.com/stampwise/loyalty/wallet-sync/internal/models"
	"github.com/stampwise/loyalty/wallet-sync/internal/passcontent"
	"github.com/stampwise/loyalty/wallet-sync/internal/store"
)

const (
	authScheme  = "ApplePass "
	pkpassType  = "application/vnd.apple.pkpass"
	maxLogBytes = 64 * 1024
)

type Options struct {
	Logger *log.Entry
}

type Handler struct {
	cards    store.CardReader
	store    store.Store
	packager *bundle.Packager
	creds    *credentials.Provider
	log      *log.Entry
}

func New(cards store.CardReader, st store.Store, packager *bundle.Packager, creds *credentials.Provider, opts Options) *Handler {
	return &Handler{
		cards:    cards,
		store:    st,
		packager: packager,
		creds:    creds,
		log:      logging.OrDefault(opts.Logger, "protocol"),
	}
}

// Routes returns the router to mount under the advertised web service URL.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Route("/v1", func(r chi.Router) {
		r.Get("/passes/{passTypeID}/{serial}", h.handleGetPass)
		r.Get("/passes/{passTypeID}/{serial}/status", h.handlePassStatus)
		r.Get("/devices/{deviceID}/registrations/{passTypeID}", h.handleListRegistrations)
		r.Post("/devices/{deviceID}/registrations/{passTypeID}/{serial}", h.handleRegister)
		r.Delete("/devices/{deviceID}/registrations/{passTypeID}/{serial}", h.handleUnregister)
		r.Post("/log", h.handleLog)
	})
	return r
}

// LastModified is the card's update time at HTTP-date precision.
func LastModified(card models.CardState) time.Time {
	return card.UpdatedAt.UTC().Truncate(time.Second)
}

// NotModified reports whether the request's If-Modified-Since covers
// lastModified. Missing or unparseable headers never match.
func NotModified(r *http.Request, lastModified time.Time) bool {
	since, ok := ifModifiedSince(r)
	if !ok {
		return false
	}
	return !lastModified.After(since)
}

func ifModifiedSince(r *http.Request) (time.Time, bool) {
	v := r.Header.Get("If-Modified-Since")
	if v == "" {
		return time.Time{}, false
	}
	since, err := http.ParseTime(v)
	if err != nil {
		return time.Time{}, false
	}
	return since, true
}

func (h *Handler) knownPassType(passTypeID string) bool {
	creds, err := h.creds.Apple()
	if err != nil {
		return false
	}
	return passTypeID == creds.PassTypeID
}

// authorize resolves the card named in the path and checks the device token.
// It writes the error response itself and reports false on failure.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) (models.CardState, bool) {
	passTypeID := chi.URLParam(r, "passTypeID")
	serial := chi.URLParam(r, "serial")
	if !h.knownPassType(passTypeID) {
		respondError(w, http.StatusNotFound, "WALLET_NOT_FOUND", "unknown pass type")
		return models.CardState{}, false
	}
	card, err := h.cards.GetCard(r.Context(), serial)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "WALLET_NOT_FOUND", "pass not found")
			return models.CardState{}, false
		}
		respondError(w, http.StatusInternalServerError, "WALLET_INTERNAL", err.Error())
		return models.CardState{}, false
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), authScheme)
	if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(card.WalletToken())) != 1 {
		respondError(w, http.StatusUnauthorized, "WALLET_AUTH", "invalid authentication token")
		return models.CardState{}, false
	}
	return card, true
}

func (h *Handler) handleGetPass(w http.ResponseWriter, r *http.Request) {
	card, ok := h.authorize(w, r)
	if !ok {
		return
	}
	lastModified := LastModified(card)
	if NotModified(r, lastModified) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	creds, err := h.creds.Apple()
	if err != nil {
		respondError(w, apperr.HTTPStatus(err), "WALLET_UNAVAILABLE", err.Error())
		return
	}
	content, err := passcontent.Build(card)
	if err != nil {
		respondError(w, apperr.HTTPStatus(err), "WALLET_INVALID_CARD", err.Error())
		return
	}
	signed, err := h.packager.Build(r.Context(), content, creds)
	if err != nil {
		h.log.WithError(err).WithField("serial", card.CardID).Error("bundle build failed")
		respondError(w, apperr.HTTPStatus(err), "WALLET_BUILD_FAILED", err.Error())
		return
	}

	w.Header().Set("Content-Type", pkpassType)
	w.Header().Set("Last-Modified", lastModified.Format(http.TimeFormat))
	w.Header().Set("Content-Length", strconv.Itoa(len(signed.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(signed.Data)
}

type passStatus struct {
	SerialNumber    string `json:"serialNumber"`
	LastModified    string `json:"lastModified"`
	UpdateAvailable bool   `json:"updateAvailable"`
}

// handlePassStatus answers the update check without signing anything.
func (h *Handler) handlePassStatus(w http.ResponseWriter, r *http.Request) {
	card, ok := h.authorize(w, r)
	if !ok {
		return
	}
	lastModified := LastModified(card)
	if NotModified(r, lastModified) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	since, hasSince := ifModifiedSince(r)
	w.Header().Set("Last-Modified", lastModified.Format(http.TimeFormat))
	respondJSON(w, http.StatusOK, passStatus{
		SerialNumber:    card.CardID,
		LastModified:    lastModified.Format(http.TimeFormat),
		UpdateAvailable: !hasSince || lastModified.After(since),
	})
}

type registerRequest struct {
	PushToken string `json:"pushToken"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	card, ok := h.authorize(w, r)
	if !ok {
		return
	}
	var req registerRequest
	if err := decodeJSON(w, r, &req, 16*1024); err != nil {
		respondError(w, http.StatusBadRequest, "WALLET_BAD_REQUEST", err.Error())
		return
	}
	if strings.TrimSpace(req.PushToken) == "" {
		respondError(w, http.StatusBadRequest, "WALLET_BAD_REQUEST", "pushToken required")
		return
	}
	created, err := h.store.RegisterDevice(r.Context(), models.DeviceRegistration{
		DeviceLibraryID: chi.URLParam(r, "deviceID"),
		PushToken:       req.PushToken,
		PassTypeID:      chi.URLParam(r, "passTypeID"),
		SerialNumber:    card.CardID,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "WALLET_INTERNAL", err.Error())
		return
	}
	if created {
		w.WriteHeader(http.StatusCreated)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleUnregister is idempotent: removing an unknown registration succeeds.
func (h *Handler) handleUnregister(w http.ResponseWriter, r *http.Request) {
	card, ok := h.authorize(w, r)
	if !ok {
		return
	}
	err := h.store.UnregisterDevice(r.Context(), chi.URLParam(r, "deviceID"), chi.URLParam(r, "passTypeID"), card.CardID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusInternalServerError, "WALLET_INTERNAL", err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
}

type registrationList struct {
	SerialNumbers []string `json:"serialNumbers"`
	LastUpdated   string   `json:"lastUpdated"`
}

func (h *Handler) handleListRegistrations(w http.ResponseWriter, r *http.Request) {
	passTypeID := chi.URLParam(r, "passTypeID")
	if !h.knownPassType(passTypeID) {
		respondError(w, http.StatusNotFound, "WALLET_NOT_FOUND", "unknown pass type")
		return
	}
	var since int64
	if v := r.URL.Query().Get("passesUpdatedSince"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 0 {
			respondError(w, http.StatusBadRequest, "WALLET_BAD_REQUEST", "passesUpdatedSince must be a unix timestamp")
			return
		}
		since = parsed
	}

	regs, err := h.store.ListRegistrations(r.Context(), chi.URLParam(r, "deviceID"), passTypeID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "WALLET_INTERNAL", err.Error())
		return
	}

	var (
		serials []string
		latest  int64
	)
	for _, reg := range regs {
		card, err := h.cards.GetCard(r.Context(), reg.SerialNumber)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				h.log.WithError(err).WithField("serial", reg.SerialNumber).Warn("registration lookup failed")
			}
			continue
		}
		updated := LastModified(card).Unix()
		if updated <= since {
			continue
		}
		serials = append(serials, card.CardID)
		if updated > latest {
			latest = updated
		}
	}
	if len(serials) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	sort.Strings(serials)
	respondJSON(w, http.StatusOK, registrationList{
		SerialNumbers: serials,
		LastUpdated:   strconv.FormatInt(latest, 10),
	})
}

type logRequest struct {
	Logs []string `json:"logs"`
}

func (h *Handler) handleLog(w http.ResponseWriter, r *http.Request) {
	var req logRequest
	if err := decodeJSON(w, r, &req, maxLogBytes); err != nil {
		respondError(w, http.StatusBadRequest, "WALLET_BAD_REQUEST", err.Error())
		return
	}
	for _, line := range req.Logs {
		h.log.WithField("source", "device").Warn(line)
	}
	w.WriteHeader(http.StatusOK)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}, limit int64) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
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
