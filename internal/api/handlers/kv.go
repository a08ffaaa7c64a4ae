package handlers

import (
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/quinnbmay/zenflo-sub001/internal/encryption"
	"github.com/quinnbmay/zenflo-sub001/pkg/models"
)

// maxKeyLen bounds KV keys. Keys are opaque to the relay.
const maxKeyLen = 256

// maxCiphertextLen bounds one stored value.
const maxCiphertextLen = 512 << 10

func kvKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key, err := url.PathUnescape(chi.URLParam(r, "key"))
	if err != nil || key == "" || len(key) > maxKeyLen {
		respondError(w, http.StatusBadRequest, CodeBadRequest, "key must be 1-256 bytes")
		return "", false
	}
	return key, true
}

// ListKV lists the caller's keys without their values.
// GET /v1/kv
func (h *Handlers) ListKV(w http.ResponseWriter, r *http.Request) {
	userID, ok := accountID(w, r)
	if !ok {
		return
	}
	entries, err := h.Store.ListKV(r.Context(), userID)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	keys := make([]models.KVKeyInfo, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, models.KVKeyInfo{Key: e.Key, Version: e.Version, UpdatedAt: e.UpdatedAt})
	}
	respondJSON(w, http.StatusOK, models.KVListResponse{Keys: keys})
}

// GetKV returns one sealed value.
// GET /v1/kv/{key}
func (h *Handlers) GetKV(w http.ResponseWriter, r *http.Request) {
	userID, ok := accountID(w, r)
	if !ok {
		return
	}
	key, ok := kvKey(w, r)
	if !ok {
		return
	}
	entry, err := h.Store.GetKV(r.Context(), userID, key)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

// PutKV stores a sealed value, optionally as a compare-and-swap on the
// stored version. The relay checks only the shape of the blob.
// PUT /v1/kv/{key}
func (h *Handlers) PutKV(w http.ResponseWriter, r *http.Request) {
	userID, ok := accountID(w, r)
	if !ok {
		return
	}
	key, ok := kvKey(w, r)
	if !ok {
		return
	}

	var req models.KVPutRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, CodeBadRequest, "invalid JSON body")
		return
	}
	if len(req.Nonce) != encryption.NonceSize {
		respondError(w, http.StatusBadRequest, CodeBadRequest, "nonce must be 24 bytes")
		return
	}
	if len(req.Ciphertext) == 0 || len(req.Ciphertext) > maxCiphertextLen {
		respondError(w, http.StatusBadRequest, CodeBadRequest, "ciphertext is empty or too large")
		return
	}
	if req.ExpectedVersion != nil && *req.ExpectedVersion < 0 {
		respondError(w, http.StatusBadRequest, CodeBadRequest, "expectedVersion must not be negative")
		return
	}

	entry, err := h.Store.PutKV(r.Context(), userID, key, req.EncryptedBlob, req.ExpectedVersion)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, models.KVPutResponse{Key: entry.Key, Version: entry.Version})
}

// DeleteKV removes a key.
// DELETE /v1/kv/{key}
func (h *Handlers) DeleteKV(w http.ResponseWriter, r *http.Request) {
	userID, ok := accountID(w, r)
	if !ok {
		return
	}
	key, ok := kvKey(w, r)
	if !ok {
		return
	}
	if err := h.Store.DeleteKV(r.Context(), userID, key); err != nil {
		respondStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
