package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/quinnbmay/zenflo-sub001/internal/push"
	"github.com/quinnbmay/zenflo-sub001/pkg/models"
)

func (h *Handlers) pushEnabled(w http.ResponseWriter) bool {
	if h.Push == nil {
		respondError(w, http.StatusNotFound, CodePushDisabled, "web push is not enabled on this relay")
		return false
	}
	return true
}

// VAPIDKey returns the key browsers subscribe with.
// GET /v1/push/vapid-key
func (h *Handlers) VAPIDKey(w http.ResponseWriter, r *http.Request) {
	if !h.pushEnabled(w) {
		return
	}
	respondJSON(w, http.StatusOK, models.VAPIDKeyResponse{PublicKey: h.Push.VAPIDPublicKey()})
}

// SubscribePush registers a browser push subscription.
// POST /v1/push/subscriptions
func (h *Handlers) SubscribePush(w http.ResponseWriter, r *http.Request) {
	userID, ok := accountID(w, r)
	if !ok || !h.pushEnabled(w) {
		return
	}

	var req models.PushSubscription
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, CodeBadRequest, "invalid JSON body")
		return
	}
	req.ID = ""
	if req.UserAgent == "" {
		req.UserAgent = r.UserAgent()
	}

	sub, err := h.Push.Subscribe(r.Context(), userID, &req)
	if err != nil {
		if errors.Is(err, push.ErrInvalidSubscription) {
			respondError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
			return
		}
		respondStoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, sub)
}

// UnsubscribePush removes one of the caller's subscriptions.
// DELETE /v1/push/subscriptions/{id}
func (h *Handlers) UnsubscribePush(w http.ResponseWriter, r *http.Request) {
	userID, ok := accountID(w, r)
	if !ok || !h.pushEnabled(w) {
		return
	}
	if err := h.Push.Unsubscribe(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		respondStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
