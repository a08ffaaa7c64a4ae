package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/quinnbmay/zenflo-sub001/pkg/contracts"
)

// OperatorHeader carries an operator key.
const OperatorHeader = "X-Operator-Key"

// OperatorProvider authenticates relay operators by static key. Operators
// may pre-register public keys when the relay runs with PolicyRegistered;
// they have no account and cannot read any feed.
//
// Config: ZENFLO_OPERATOR_KEYS (comma-separated).
type OperatorProvider struct {
	mu   sync.RWMutex
	keys map[string]bool
}

// NewOperatorProvider creates a provider accepting keys. Blank entries are
// ignored; with no keys the provider is disabled.
func NewOperatorProvider(keys []string) *OperatorProvider {
	p := &OperatorProvider{keys: make(map[string]bool)}
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			p.keys[k] = true
		}
	}
	return p
}

func (p *OperatorProvider) Name() string { return contracts.ProviderOperator }

func (p *OperatorProvider) Enabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.keys) > 0
}

// Authenticate returns (nil, nil) when no operator key is present.
func (p *OperatorProvider) Authenticate(_ context.Context, r *http.Request) (*contracts.Identity, error) {
	key := r.Header.Get(OperatorHeader)
	if key == "" {
		return nil, nil
	}
	if !p.validKey(key) {
		return nil, fmt.Errorf("invalid operator key")
	}

	sum := fmt.Sprintf("%x", sha256.Sum256([]byte(key)))
	return &contracts.Identity{
		Subject:  "operator:" + sum[:16],
		Provider: p.Name(),
	}, nil
}

func (p *OperatorProvider) validKey(candidate string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ok := false
	for key := range p.keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
			ok = true
		}
	}
	return ok
}
