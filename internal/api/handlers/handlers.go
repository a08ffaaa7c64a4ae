// Package handlers implements the HTTP handlers of the zenflo relay.
// Every /v1 handler is scoped to the account the auth middleware put in the
// request context; the relay itself never sees plaintext user data.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/quinnbmay/zenflo-sub001/internal/auth"
	"github.com/quinnbmay/zenflo-sub001/internal/bridge"
	"github.com/quinnbmay/zenflo-sub001/internal/feed"
	"github.com/quinnbmay/zenflo-sub001/internal/push"
	"github.com/quinnbmay/zenflo-sub001/internal/store"
	"github.com/quinnbmay/zenflo-sub001/pkg/contracts"
	"github.com/quinnbmay/zenflo-sub001/pkg/middleware"
	"github.com/quinnbmay/zenflo-sub001/pkg/models"
)

// Error codes in the "error" field of every error response.
const (
	CodeBadRequest       = "bad_request"
	CodeUnauthorized     = "unauthorized"
	CodeForbidden        = "forbidden"
	CodeNotFound         = "not_found"
	CodeVersionConflict  = "version_conflict"
	CodeInvalidCursor    = "invalid_cursor"
	CodeInvalidAction    = "invalid_action"
	CodeSessionNotFound  = "session_not_found"
	CodeDaemonOffline    = "daemon_offline"
	CodeTimeout          = "timeout"
	CodePushDisabled     = "push_disabled"
	CodeSignatureInvalid = "signature_invalid"
	CodeChallengeExpired = "challenge_expired"
	CodeReplayed         = "challenge_replayed"
	CodeKeyNotRecognized = "key_not_recognized"
	CodeInternal         = "internal"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 1 << 20

// Handlers holds all handler dependencies.
type Handlers struct {
	Store    store.Store
	Auth     *auth.Authenticator
	Feed     *feed.Service
	Hub      *feed.Hub
	Sessions contracts.SessionRouter
	Bridge   *bridge.Registry
	Push     *push.Service // nil when Web Push is disabled
	Version  string
}

// New creates a new Handlers instance with all dependencies.
func New(s store.Store, a *auth.Authenticator, fs *feed.Service, hub *feed.Hub, br *bridge.Registry, ps *push.Service, version string) *Handlers {
	return &Handlers{
		Store:    s,
		Auth:     a,
		Feed:     fs,
		Hub:      hub,
		Sessions: br,
		Bridge:   br,
		Push:     ps,
		Version:  version,
	}
}

// ── Health & info ───────────────────────────────────────────

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":  "unhealthy",
			"service": "zenflo-relay",
			"error":   err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "zenflo-relay",
	})
}

func (h *Handlers) VersionInfo(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"version": h.Version,
		"service": "zenflo-relay",
	})
}

// ── Helpers ─────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, models.ErrorResponse{Error: code, Message: message})
}

// respondStoreError maps store failures. Anything unexpected is logged and
// hidden behind a 500.
func respondStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case store.IsNotFound(err):
		respondError(w, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, store.ErrVersionConflict):
		respondError(w, http.StatusConflict, CodeVersionConflict, err.Error())
	default:
		log.Error().Err(err).Str("path", r.URL.Path).Msg("Store operation failed")
		respondError(w, http.StatusInternalServerError, CodeInternal, "internal error")
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	return dec.Decode(v)
}

// accountID returns the caller's account, writing a 401 when there is none.
func accountID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := middleware.AccountID(r.Context())
	if id == "" {
		respondError(w, http.StatusUnauthorized, CodeUnauthorized, "account credentials required")
		return "", false
	}
	return id, true
}
