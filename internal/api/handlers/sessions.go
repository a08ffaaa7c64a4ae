package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/quinnbmay/zenflo-sub001/internal/bridge"
	"github.com/quinnbmay/zenflo-sub001/pkg/models"
)

// SendAction forwards a device action to the account's daemon and answers
// only once the daemon acknowledged it.
// POST /v1/sessions/{sessionId}/actions
func (h *Handlers) SendAction(w http.ResponseWriter, r *http.Request) {
	userID, ok := accountID(w, r)
	if !ok {
		return
	}
	sessionID, err := url.PathUnescape(chi.URLParam(r, "sessionId"))
	if err != nil {
		respondError(w, http.StatusBadRequest, CodeBadRequest, "bad session id")
		return
	}

	var req struct {
		Kind    models.ActionKind `json:"kind"`
		Payload json.RawMessage   `json:"payload,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, CodeBadRequest, "invalid JSON body")
		return
	}

	action := models.Action{SessionID: sessionID, Kind: req.Kind, Payload: req.Payload}
	ack, err := h.Sessions.RouteAction(r.Context(), userID, action)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, ack)
	case errors.Is(err, models.ErrInvalidAction):
		respondError(w, http.StatusBadRequest, CodeInvalidAction, err.Error())
	case errors.Is(err, bridge.ErrDaemonOffline):
		respondError(w, http.StatusServiceUnavailable, CodeDaemonOffline, "no daemon is connected for this account")
	case errors.Is(err, bridge.ErrSessionNotFound):
		respondError(w, http.StatusNotFound, CodeSessionNotFound, err.Error())
	case errors.Is(err, bridge.ErrTimeout):
		respondError(w, http.StatusGatewayTimeout, CodeTimeout, err.Error())
	default:
		log.Warn().Err(err).Str("user", userID).Str("session", sessionID).Msg("Action delivery failed")
		respondError(w, http.StatusBadGateway, CodeInternal, err.Error())
	}
}

// DaemonConnect upgrades to the daemon bridge WebSocket and serves it until
// the daemon goes away.
// GET /v1/daemon/connect
func (h *Handlers) DaemonConnect(w http.ResponseWriter, r *http.Request) {
	userID, ok := accountID(w, r)
	if !ok {
		return
	}
	h.Bridge.ServeDaemon(w, r, userID)
}
