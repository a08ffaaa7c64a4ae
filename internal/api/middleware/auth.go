package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/quinnbmay/zenflo-sub001/internal/auth"
	"github.com/quinnbmay/zenflo-sub001/pkg/contracts"
	pkgmw "github.com/quinnbmay/zenflo-sub001/pkg/middleware"
	"github.com/rs/zerolog/log"
)

// AuthMiddleware authenticates requests with the AuthProviderChain and
// stores the resulting Identity in the request context.
//
// Every /v1 path except the login exchange needs an identity. Paths outside
// /v1 (health, version, metrics) stay anonymous.
type AuthMiddleware struct {
	chain contracts.AuthProviderChain
}

// NewAuthMiddleware creates the auth middleware.
func NewAuthMiddleware(chain contracts.AuthProviderChain) *AuthMiddleware {
	return &AuthMiddleware{chain: chain}
}

// Handler returns the HTTP handler middleware that authenticates requests.
func (am *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isAuthPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		identity, err := am.chain.Authenticate(r.Context(), r)
		if err != nil {
			log.Debug().Err(err).Str("path", r.URL.Path).Msg("Authentication failed")
			code := "authentication_failed"
			if errors.Is(err, auth.ErrExpiredToken) {
				code = "token_expired"
			}
			unauthorized(w, code, err.Error())
			return
		}

		if identity == nil && strings.HasPrefix(r.URL.Path, "/v1/") {
			unauthorized(w, "authentication_required",
				"This endpoint requires a bearer token from POST /v1/auth.")
			return
		}

		annotateSpan(r.Context(), identity)
		next.ServeHTTP(w, r.WithContext(pkgmw.WithIdentity(r.Context(), identity)))
	})
}

func unauthorized(w http.ResponseWriter, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="zenflo"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}

// isAuthPublicPath returns true for paths that should skip authentication.
func isAuthPublicPath(path string) bool {
	publicPaths := []string{
		"/health",
		"/version",
		"/metrics",
		"/v1/auth",
		"/v1/push/vapid-key",
	}
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
