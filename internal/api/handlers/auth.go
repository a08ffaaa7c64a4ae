package handlers

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/quinnbmay/zenflo-sub001/internal/auth"
	"github.com/quinnbmay/zenflo-sub001/pkg/middleware"
	"github.com/quinnbmay/zenflo-sub001/pkg/models"
)

// Authenticate exchanges a signed challenge for a bearer token.
// POST /v1/auth
func (h *Handlers) Authenticate(w http.ResponseWriter, r *http.Request) {
	var req auth.Proof
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, CodeBadRequest, "invalid JSON body")
		return
	}

	res, err := h.Auth.Verify(r.Context(), req)
	if err != nil {
		status, code := http.StatusUnauthorized, ""
		switch {
		case errors.Is(err, auth.ErrSignatureInvalid):
			code = CodeSignatureInvalid
		case errors.Is(err, auth.ErrChallengeExpired):
			code = CodeChallengeExpired
		case errors.Is(err, auth.ErrChallengeReplayed):
			code = CodeReplayed
		case errors.Is(err, auth.ErrKeyNotRecognized):
			code = CodeKeyNotRecognized
		default:
			log.Error().Err(err).Msg("Authentication failed unexpectedly")
			respondError(w, http.StatusInternalServerError, CodeInternal, "internal error")
			return
		}
		respondError(w, status, code, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, models.AuthResponse{
		Token:     res.Token,
		ExpiresAt: res.ExpiresAt,
		AccountID: res.Account.ID,
	})
}

// RegisterAccount binds a public key to an account ahead of its first
// login. Operators only; this is how the registered key policy admits keys.
// POST /v1/admin/accounts
func (h *Handlers) RegisterAccount(w http.ResponseWriter, r *http.Request) {
	if !middleware.IsOperator(r.Context()) {
		respondError(w, http.StatusForbidden, CodeForbidden, "operator key required")
		return
	}

	var req models.RegisterAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, CodeBadRequest, "invalid JSON body")
		return
	}
	pk, err := base64.StdEncoding.DecodeString(req.PublicKey)
	if err != nil || len(pk) != ed25519.PublicKeySize {
		respondError(w, http.StatusBadRequest, CodeBadRequest, "publicKey must be a base64 Ed25519 public key")
		return
	}

	acct, created, err := h.Store.EnsureAccount(r.Context(), pk)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		log.Info().Str("account", acct.ID).Msg("Account registered by operator")
	}
	respondJSON(w, status, acct)
}
