package auth

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quinnbmay/zenflo-sub001/internal/store"
	"github.com/quinnbmay/zenflo-sub001/pkg/models"
)

// DefaultChallengeWindow is how far a challenge timestamp may be from the
// relay's clock in either direction.
const DefaultChallengeWindow = 5 * time.Minute

// Policy decides what happens when a valid proof comes from a public key
// with no account.
type Policy string

const (
	// PolicyAuto binds an unknown key to a fresh account.
	PolicyAuto Policy = "auto"
	// PolicyRegistered only accepts keys an operator registered beforehand.
	PolicyRegistered Policy = "registered"
)

// ParsePolicy validates a policy name. Empty means PolicyAuto.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyAuto:
		return PolicyAuto, nil
	case PolicyRegistered:
		return PolicyRegistered, nil
	default:
		return "", fmt.Errorf("auth: unknown account policy %q (want auto or registered)", s)
	}
}

// Result is a successful authentication.
type Result struct {
	Token     string          `json:"token"`
	ExpiresAt time.Time       `json:"expiresAt"`
	Account   *models.Account `json:"account"`
	Created   bool            `json:"created"`
}

// Authenticator verifies signed challenges and mints bearer tokens.
type Authenticator struct {
	accounts store.AccountStore
	issuer   *TokenIssuer
	policy   Policy
	window   time.Duration
	replay   *replayCache
	now      func() time.Time
}

// NewAuthenticator creates an authenticator. A zero window means
// DefaultChallengeWindow.
func NewAuthenticator(accounts store.AccountStore, issuer *TokenIssuer, policy Policy, window time.Duration) *Authenticator {
	if window <= 0 {
		window = DefaultChallengeWindow
	}
	if policy == "" {
		policy = PolicyAuto
	}
	return &Authenticator{
		accounts: accounts,
		issuer:   issuer,
		policy:   policy,
		window:   window,
		replay:   newReplayCache(),
		now:      time.Now,
	}
}

// Policy returns the account binding policy in force.
func (a *Authenticator) Policy() Policy { return a.policy }

// Verify checks a proof and, on success, returns a token for the account
// bound to the proof's public key.
func (a *Authenticator) Verify(ctx context.Context, p Proof) (*Result, error) {
	res, err := a.verify(ctx, p)
	if err != nil {
		metricAuthAttempts.WithLabelValues(outcomeLabel(err)).Inc()
		return nil, err
	}
	metricAuthAttempts.WithLabelValues("ok").Inc()
	return res, nil
}

func (a *Authenticator) verify(ctx context.Context, p Proof) (*Result, error) {
	d, err := p.decode()
	if err != nil {
		return nil, err
	}
	if !ed25519.Verify(d.publicKey, d.challenge, d.signature) {
		return nil, ErrSignatureInvalid
	}

	now := a.now()
	issued := challengeTime(d.challenge)
	if issued.Before(now.Add(-a.window)) || issued.After(now.Add(a.window)) {
		return nil, ErrChallengeExpired
	}
	if !a.replay.markUsed(d.challenge, issued.Add(a.window), now) {
		return nil, ErrChallengeReplayed
	}
	metricReplayCacheSize.Set(float64(a.replay.size()))

	account, created, err := a.bind(ctx, d.publicKey)
	if err != nil {
		return nil, err
	}

	token, expires, err := a.issuer.Issue(account)
	if err != nil {
		return nil, err
	}

	if created {
		log.Info().Str("account", account.ID).Msg("🔑 Account created on first authentication")
	}
	return &Result{Token: token, ExpiresAt: expires, Account: account, Created: created}, nil
}

func (a *Authenticator) bind(ctx context.Context, pk ed25519.PublicKey) (*models.Account, bool, error) {
	if a.policy == PolicyAuto {
		account, created, err := a.accounts.EnsureAccount(ctx, pk)
		if err != nil {
			return nil, false, fmt.Errorf("auth: bind account: %w", err)
		}
		return account, created, nil
	}

	account, err := a.accounts.GetAccountByPublicKey(ctx, pk)
	if store.IsNotFound(err) {
		return nil, false, ErrKeyNotRecognized
	}
	if err != nil {
		return nil, false, fmt.Errorf("auth: lookup account: %w", err)
	}
	return account, false, nil
}
