// Package auth implements the relay's challenge-response login and the
// bearer-token provider chain.
//
// A client proves possession of its Ed25519 identity key by signing a
// timestamped random challenge. The relay verifies it, binds the public key
// to an account and mints a short-lived HS256 token. Later requests carry
// the token and are authenticated by walking the provider chain:
//   - TokenProvider: bearer tokens minted by TokenIssuer
//   - OperatorProvider: static operator keys (X-Operator-Key)
package auth

import (
	"context"
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/quinnbmay/zenflo-sub001/pkg/contracts"
)

// ProviderChain implements contracts.AuthProviderChain. Disabled providers
// are skipped; the first provider to claim a request decides it.
type ProviderChain struct {
	mu        sync.RWMutex
	providers []contracts.AuthProvider
}

func NewProviderChain() *ProviderChain {
	return &ProviderChain{}
}

// RegisterProvider appends provider to the chain.
func (c *ProviderChain) RegisterProvider(provider contracts.AuthProvider) {
	c.mu.Lock()
	c.providers = append(c.providers, provider)
	c.mu.Unlock()
	log.Debug().Str("provider", provider.Name()).Bool("enabled", provider.Enabled()).Msg("Auth provider registered")
}

// Authenticate returns the identity from the first provider that claims r,
// the error from the first that rejects it, or (nil, nil) when none of them
// recognizes the credentials. An identity without a Provider is stamped
// with the name of the provider that produced it.
func (c *ProviderChain) Authenticate(ctx context.Context, r *http.Request) (*contracts.Identity, error) {
	c.mu.RLock()
	providers := c.providers
	c.mu.RUnlock()

	for _, p := range providers {
		if !p.Enabled() {
			continue
		}
		id, err := p.Authenticate(ctx, r)
		switch {
		case err != nil:
			metricChainOutcome.WithLabelValues(p.Name(), "rejected").Inc()
			log.Debug().Err(err).Str("provider", p.Name()).Str("path", r.URL.Path).Msg("Credentials rejected")
			return nil, err
		case id != nil:
			if id.Provider == "" {
				id.Provider = p.Name()
			}
			metricChainOutcome.WithLabelValues(p.Name(), "authenticated").Inc()
			return id, nil
		}
	}
	metricChainOutcome.WithLabelValues("", "anonymous").Inc()
	return nil, nil
}

// ListProviders returns the names of the enabled providers in chain order.
func (c *ProviderChain) ListProviders() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var names []string
	for _, p := range c.providers {
		if p.Enabled() {
			names = append(names, p.Name())
		}
	}
	return names
}
