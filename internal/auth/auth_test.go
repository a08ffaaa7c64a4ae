package auth_test

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/quinnbmay/zenflo-sub001/internal/auth"
	"github.com/quinnbmay/zenflo-sub001/internal/keys"
	"github.com/quinnbmay/zenflo-sub001/internal/store"
	"github.com/quinnbmay/zenflo-sub001/pkg/contracts"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newKeyPair(t *testing.T) *keys.KeyPair {
	t.Helper()
	s, err := keys.GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret() error = %v", err)
	}
	return keys.Derive(s)
}

func newIssuer(t *testing.T) *auth.TokenIssuer {
	t.Helper()
	ti, err := auth.NewTokenIssuer(testSecret, time.Hour)
	if err != nil {
		t.Fatalf("NewTokenIssuer() error = %v", err)
	}
	return ti
}

func newAuthenticator(t *testing.T, policy auth.Policy) (*auth.Authenticator, *store.MemoryStore, *auth.TokenIssuer) {
	t.Helper()
	s := store.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })
	ti := newIssuer(t)
	return auth.NewAuthenticator(s, ti, policy, 0), s, ti
}

func TestVerify_BindsAccountAndIssuesToken(t *testing.T) {
	a, _, ti := newAuthenticator(t, auth.PolicyAuto)
	kp := newKeyPair(t)
	ctx := context.Background()

	proof, err := auth.NewProof(kp)
	if err != nil {
		t.Fatalf("NewProof() error = %v", err)
	}
	first, err := a.Verify(ctx, proof)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !first.Created {
		t.Error("first Verify() Created = false, want true")
	}

	claims, err := ti.Validate(first.Token)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if claims.Subject != first.Account.ID {
		t.Errorf("token subject = %q, want %q", claims.Subject, first.Account.ID)
	}
	if claims.PublicKey != base64.StdEncoding.EncodeToString(kp.PublicKey) {
		t.Errorf("token pk = %q, want the signer's key", claims.PublicKey)
	}

	proof2, _ := auth.NewProof(kp)
	second, err := a.Verify(ctx, proof2)
	if err != nil {
		t.Fatalf("second Verify() error = %v", err)
	}
	if second.Created || second.Account.ID != first.Account.ID {
		t.Errorf("second Verify() = account %s created %v, want %s false",
			second.Account.ID, second.Created, first.Account.ID)
	}
}

func TestVerify_SignatureInvalid(t *testing.T) {
	a, _, _ := newAuthenticator(t, auth.PolicyAuto)
	kp := newKeyPair(t)
	other := newKeyPair(t)

	good, _ := auth.NewProof(kp)

	tampered := good
	sig, _ := base64.StdEncoding.DecodeString(good.Signature)
	sig[0] ^= 0xff
	tampered.Signature = base64.StdEncoding.EncodeToString(sig)

	wrongKey := good
	wrongKey.PublicKey = base64.StdEncoding.EncodeToString(other.PublicKey)

	shortChallenge := good
	shortChallenge.Challenge = base64.StdEncoding.EncodeToString([]byte("short"))

	cases := map[string]auth.Proof{
		"tampered signature": tampered,
		"wrong public key":   wrongKey,
		"short challenge":    shortChallenge,
		"not base64":         {Challenge: "!!", Signature: good.Signature, PublicKey: good.PublicKey},
		"empty":              {},
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := a.Verify(context.Background(), p); !errors.Is(err, auth.ErrSignatureInvalid) {
				t.Errorf("Verify() error = %v, want ErrSignatureInvalid", err)
			}
		})
	}
}

func TestVerify_ChallengeOutsideWindow(t *testing.T) {
	a, _, _ := newAuthenticator(t, auth.PolicyAuto)
	kp := newKeyPair(t)

	for _, offset := range []time.Duration{-10 * time.Minute, 10 * time.Minute} {
		c, err := auth.NewChallenge(time.Now().Add(offset))
		if err != nil {
			t.Fatalf("NewChallenge() error = %v", err)
		}
		if _, err := a.Verify(context.Background(), auth.SignChallenge(kp, c)); !errors.Is(err, auth.ErrChallengeExpired) {
			t.Errorf("Verify(offset %v) error = %v, want ErrChallengeExpired", offset, err)
		}
	}
}

func TestVerify_Replay(t *testing.T) {
	a, _, _ := newAuthenticator(t, auth.PolicyAuto)
	kp := newKeyPair(t)
	proof, _ := auth.NewProof(kp)

	if _, err := a.Verify(context.Background(), proof); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if _, err := a.Verify(context.Background(), proof); !errors.Is(err, auth.ErrChallengeReplayed) {
		t.Errorf("replayed Verify() error = %v, want ErrChallengeReplayed", err)
	}
}

func TestVerify_ConcurrentReplayOneWins(t *testing.T) {
	a, _, _ := newAuthenticator(t, auth.PolicyAuto)
	proof, _ := auth.NewProof(newKeyPair(t))

	const n = 16
	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := a.Verify(context.Background(), proof); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if ok != 1 {
		t.Errorf("%d concurrent uses of one proof succeeded, want 1", ok)
	}
}

func TestVerify_RegisteredPolicy(t *testing.T) {
	a, s, _ := newAuthenticator(t, auth.PolicyRegistered)
	kp := newKeyPair(t)
	ctx := context.Background()

	proof, _ := auth.NewProof(kp)
	if _, err := a.Verify(ctx, proof); !errors.Is(err, auth.ErrKeyNotRecognized) {
		t.Fatalf("Verify(unregistered) error = %v, want ErrKeyNotRecognized", err)
	}

	account, _, err := s.EnsureAccount(ctx, kp.PublicKey)
	if err != nil {
		t.Fatalf("EnsureAccount() error = %v", err)
	}

	proof, _ = auth.NewProof(kp)
	res, err := a.Verify(ctx, proof)
	if err != nil {
		t.Fatalf("Verify(registered) error = %v", err)
	}
	if res.Account.ID != account.ID || res.Created {
		t.Errorf("Verify(registered) = %s created %v, want %s false", res.Account.ID, res.Created, account.ID)
	}
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    auth.Policy
		wantErr bool
	}{
		{"", auth.PolicyAuto, false},
		{"auto", auth.PolicyAuto, false},
		{" Registered ", auth.PolicyRegistered, false},
		{"open", "", true},
	}
	for _, tt := range tests {
		got, err := auth.ParsePolicy(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParsePolicy(%q) = %q, %v; want %q, err %v", tt.in, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestNewTokenIssuer_RejectsShortSecret(t *testing.T) {
	if _, err := auth.NewTokenIssuer([]byte("short"), time.Hour); err == nil {
		t.Error("NewTokenIssuer(short secret) error = nil")
	}
}

func TestValidate_RejectsBadTokens(t *testing.T) {
	ti := newIssuer(t)

	forge := func(secret []byte, method jwt.SigningMethod, exp time.Time) string {
		claims := &auth.Claims{RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "zenflo-relay",
			Subject:   "acct",
			ExpiresAt: jwt.NewNumericDate(exp),
		}}
		tok, err := jwt.NewWithClaims(method, claims).SignedString(secret)
		if err != nil {
			t.Fatalf("SignedString() error = %v", err)
		}
		return tok
	}

	if _, err := ti.Validate(forge(testSecret, jwt.SigningMethodHS256, time.Now().Add(-time.Minute))); !errors.Is(err, auth.ErrExpiredToken) {
		t.Errorf("Validate(expired) error = %v, want ErrExpiredToken", err)
	}

	bad := map[string]string{
		"garbage":      "not.a.token",
		"wrong secret": forge([]byte("ffffffffffffffffffffffffffffffff"), jwt.SigningMethodHS256, time.Now().Add(time.Hour)),
		"hs512":        forge(testSecret, jwt.SigningMethodHS512, time.Now().Add(time.Hour)),
		"empty":        "",
	}
	for name, tok := range bad {
		if _, err := ti.Validate(tok); !errors.Is(err, auth.ErrInvalidToken) {
			t.Errorf("Validate(%s) error = %v, want ErrInvalidToken", name, err)
		}
	}
}

func TestTokenProvider(t *testing.T) {
	a, _, ti := newAuthenticator(t, auth.PolicyAuto)
	proof, _ := auth.NewProof(newKeyPair(t))
	res, err := a.Verify(context.Background(), proof)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	p := auth.NewTokenProvider(ti)

	t.Run("no token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/feed", nil)
		id, err := p.Authenticate(req.Context(), req)
		if id != nil || err != nil {
			t.Errorf("Authenticate() = %v, %v; want nil, nil", id, err)
		}
	})

	t.Run("bearer", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/feed", nil)
		req.Header.Set("Authorization", "Bearer "+res.Token)
		id, err := p.Authenticate(req.Context(), req)
		if err != nil {
			t.Fatalf("Authenticate() error = %v", err)
		}
		if id.Subject != res.Account.ID || id.Provider != contracts.ProviderToken {
			t.Errorf("Authenticate() = %+v, want subject %s", id, res.Account.ID)
		}
	})

	t.Run("bad bearer", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/feed", nil)
		req.Header.Set("Authorization", "Bearer nope")
		if _, err := p.Authenticate(req.Context(), req); err == nil {
			t.Error("Authenticate(bad token) error = nil")
		}
	})

	t.Run("query param only on websocket upgrade", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/updates?token="+res.Token, nil)
		if id, _ := p.Authenticate(req.Context(), req); id != nil {
			t.Error("Authenticate() accepted a query token on a plain request")
		}

		req.Header.Set("Connection", "Upgrade")
		req.Header.Set("Upgrade", "websocket")
		id, err := p.Authenticate(req.Context(), req)
		if err != nil || id == nil {
			t.Errorf("Authenticate(upgrade) = %v, %v; want identity", id, err)
		}
	})
}

func TestOperatorProvider(t *testing.T) {
	p := auth.NewOperatorProvider([]string{"op-key", " "})
	if !p.Enabled() {
		t.Fatal("Enabled() = false")
	}
	if auth.NewOperatorProvider(nil).Enabled() {
		t.Error("NewOperatorProvider(nil).Enabled() = true")
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/admin/accounts", nil)
	req.Header.Set(auth.OperatorHeader, "op-key")
	id, err := p.Authenticate(req.Context(), req)
	if err != nil || !id.IsOperator() {
		t.Errorf("Authenticate() = %v, %v; want operator identity", id, err)
	}

	req.Header.Set(auth.OperatorHeader, "wrong")
	if _, err := p.Authenticate(req.Context(), req); err == nil {
		t.Error("Authenticate(wrong key) error = nil")
	}
}

type stubProvider struct {
	name string
	id   *contracts.Identity
	err  error
	hits int
}

func (s *stubProvider) Name() string  { return s.name }
func (s *stubProvider) Enabled() bool { return true }
func (s *stubProvider) Authenticate(context.Context, *http.Request) (*contracts.Identity, error) {
	s.hits++
	return s.id, s.err
}

func TestProviderChain(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	skip := &stubProvider{name: "skip"}
	match := &stubProvider{name: "match", id: &contracts.Identity{Subject: "acct"}}
	after := &stubProvider{name: "after", id: &contracts.Identity{Subject: "other"}}

	c := auth.NewProviderChain()
	c.RegisterProvider(skip)
	c.RegisterProvider(match)
	c.RegisterProvider(after)

	id, err := c.Authenticate(req.Context(), req)
	if err != nil || id == nil || id.Subject != "acct" {
		t.Errorf("Authenticate() = %v, %v; want acct", id, err)
	}
	if after.hits != 0 {
		t.Error("chain kept walking after a match")
	}

	reject := auth.NewProviderChain()
	reject.RegisterProvider(&stubProvider{name: "bad", err: errors.New("nope")})
	reject.RegisterProvider(match)
	if id, err := reject.Authenticate(req.Context(), req); err == nil || id != nil {
		t.Errorf("Authenticate() = %v, %v; want rejection", id, err)
	}

	if id, err := auth.NewProviderChain().Authenticate(req.Context(), req); id != nil || err != nil {
		t.Errorf("empty chain Authenticate() = %v, %v; want nil, nil", id, err)
	}
}

type disabledProvider struct{ stubProvider }

func (d *disabledProvider) Enabled() bool { return false }

// chainCount reads zenflo_auth_requests_total for one provider and outcome.
func chainCount(t *testing.T, provider, outcome string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != "zenflo_auth_requests_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			labels := map[string]string{}
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			if labels["provider"] == provider && labels["outcome"] == outcome {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestProviderChain_StampsProviderAndCounts(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/feed", nil)

	off := &disabledProvider{stubProvider{name: "off", id: &contracts.Identity{Subject: "never"}}}
	on := &stubProvider{name: "chain-stamp", id: &contracts.Identity{Subject: "acct"}}

	c := auth.NewProviderChain()
	c.RegisterProvider(off)
	c.RegisterProvider(on)

	if got := c.ListProviders(); len(got) != 1 || got[0] != "chain-stamp" {
		t.Errorf("ListProviders() = %v, want [chain-stamp]", got)
	}

	before := chainCount(t, "chain-stamp", "authenticated")
	id, err := c.Authenticate(req.Context(), req)
	if err != nil || id == nil {
		t.Fatalf("Authenticate() = %v, %v; want identity", id, err)
	}
	if off.hits != 0 {
		t.Error("disabled provider was consulted")
	}
	if id.Provider != "chain-stamp" {
		t.Errorf("Identity.Provider = %q, want chain-stamp", id.Provider)
	}
	if got := chainCount(t, "chain-stamp", "authenticated"); got != before+1 {
		t.Errorf("authenticated count = %v, want %v", got, before+1)
	}

	reject := auth.NewProviderChain()
	reject.RegisterProvider(&stubProvider{name: "chain-reject", err: errors.New("nope")})
	before = chainCount(t, "chain-reject", "rejected")
	reject.Authenticate(req.Context(), req)
	if got := chainCount(t, "chain-reject", "rejected"); got != before+1 {
		t.Errorf("rejected count = %v, want %v", got, before+1)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := auth.NewRateLimiter(1, 2)

	if !rl.Allow("10.0.0.1") || !rl.Allow("10.0.0.1") {
		t.Fatal("Allow() rejected within burst")
	}
	if rl.Allow("10.0.0.1") {
		t.Error("Allow() accepted past burst")
	}
	if !rl.Allow("10.0.0.2") {
		t.Error("Allow() rejected a different address")
	}

	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(http.MethodPost, "/v1/auth", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Middleware status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
}
