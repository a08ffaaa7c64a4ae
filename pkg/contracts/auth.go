// Authentication interfaces for the pluggable auth layer.
//
// The relay ships a single bearer-token provider (JWTs minted by the
// challenge-response exchange). Further providers, such as operator keys
// for pre-registering accounts, plug into the same chain.
package contracts

import (
	"context"
	"net/http"
	"time"
)

// ── Identity ────────────────────────────────────────────────

// Identity represents an authenticated account.
// Produced by an AuthProvider, consumed by handlers through the request context.
//
// Handlers never know which provider produced it; they only read Subject.
type Identity struct {
	// Subject is the account ID. Every store call is scoped by it.
	Subject string `json:"subject"`

	// PublicKey is the base64 Ed25519 key the account is bound to.
	PublicKey string `json:"public_key,omitempty"`

	// Provider identifies which auth provider authenticated this identity.
	// Values: ProviderToken, ProviderOperator
	Provider string `json:"provider"`

	// TokenID is the jti of the bearer token, for audit logging.
	TokenID string `json:"token_id,omitempty"`

	// ExpiresAt is when this identity's credential expires.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Provider names.
const (
	// ProviderToken identifies account holders presenting a bearer token.
	ProviderToken = "token"
	// ProviderOperator identifies relay operators. Their Subject is not an
	// account ID.
	ProviderOperator = "operator"
)

// IsOperator reports whether the identity belongs to a relay operator.
func (i *Identity) IsOperator() bool {
	return i != nil && i.Provider == ProviderOperator
}

// ── AuthProvider ────────────────────────────────────────────

// AuthProvider authenticates an HTTP request and returns an Identity.
//
// The chain pattern:
//   - Return (*Identity, nil) → authenticated, stop chain
//   - Return (nil, nil) → this provider doesn't handle this request, try next
//   - Return (nil, error) → authentication was attempted but failed, reject
type AuthProvider interface {
	// Name returns the provider identifier (e.g. ProviderToken).
	Name() string

	// Authenticate inspects the request and returns an Identity.
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)

	// Enabled returns whether this provider is configured and active.
	Enabled() bool
}

// ── AuthProviderChain ───────────────────────────────────────

// AuthProviderChain tries providers in priority order until one returns an Identity.
// This is used by the auth middleware to support multiple concurrent auth strategies.
type AuthProviderChain interface {
	// Authenticate walks the chain of providers in order.
	// Returns the first successful Identity, or (nil, nil) if no provider matched.
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)

	// RegisterProvider adds a provider to the end of the chain.
	// Providers are tried in registration order.
	RegisterProvider(provider AuthProvider)
}
