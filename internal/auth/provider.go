package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/quinnbmay/zenflo-sub001/pkg/contracts"
)

// TokenProvider authenticates requests carrying a bearer token minted by
// TokenIssuer.
//
// The token is read from Authorization: Bearer <token>. Browsers cannot set
// headers on a WebSocket handshake, so upgrade requests may pass it as the
// token query parameter instead.
type TokenProvider struct {
	issuer *TokenIssuer
}

// NewTokenProvider creates a provider backed by issuer.
func NewTokenProvider(issuer *TokenIssuer) *TokenProvider {
	return &TokenProvider{issuer: issuer}
}

func (p *TokenProvider) Name() string  { return contracts.ProviderToken }
func (p *TokenProvider) Enabled() bool { return p.issuer != nil }

// Authenticate returns (nil, nil) when the request carries no token and
// (nil, error) when it carries a bad one.
func (p *TokenProvider) Authenticate(_ context.Context, r *http.Request) (*contracts.Identity, error) {
	raw := bearerToken(r)
	if raw == "" {
		return nil, nil
	}

	claims, err := p.issuer.Validate(raw)
	if err != nil {
		return nil, err
	}

	identity := &contracts.Identity{
		Subject:   claims.Subject,
		PublicKey: claims.PublicKey,
		Provider:  p.Name(),
		TokenID:   claims.ID,
	}
	if claims.ExpiresAt != nil {
		identity.ExpiresAt = claims.ExpiresAt.Time
	}
	return identity, nil
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	if websocket.IsWebSocketUpgrade(r) {
		return r.URL.Query().Get("token")
	}
	return ""
}
