package push_test

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/quinnbmay/zenflo-sub001/internal/push"
	"github.com/quinnbmay/zenflo-sub001/internal/store"
	"github.com/quinnbmay/zenflo-sub001/pkg/models"
)

func newSubscription(t *testing.T, endpoint string) *models.PushSubscription {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	auth := make([]byte, 16)
	rand.Read(auth)
	return &models.PushSubscription{
		Endpoint: endpoint,
		Keys: models.PushKeys{
			P256dh: base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
			Auth:   base64.RawURLEncoding.EncodeToString(auth),
		},
	}
}

func newService(t *testing.T, srv *httptest.Server) (*push.Service, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })

	pub, priv, err := push.GenerateVAPIDKeys()
	if err != nil {
		t.Fatalf("GenerateVAPIDKeys() error = %v", err)
	}
	cfg := push.Config{
		Store:        s,
		VAPIDPublic:  pub,
		VAPIDPrivate: priv,
		Subject:      "mailto:ops@example.com",
	}
	if srv != nil {
		cfg.HTTPClient = srv.Client()
	}
	svc, err := push.NewService(cfg)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return svc, s
}

func TestNewService_RequiresSubject(t *testing.T) {
	if _, err := push.NewService(push.Config{Store: store.NewMemoryStore("")}); err == nil {
		t.Error("NewService(no subject) error = nil")
	}
}

func TestNewService_GeneratesKeys(t *testing.T) {
	svc, err := push.NewService(push.Config{Store: store.NewMemoryStore(""), Subject: "mailto:a@b.c"})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	raw, err := base64.RawURLEncoding.DecodeString(svc.VAPIDPublicKey())
	if err != nil || len(raw) != 65 {
		t.Errorf("VAPIDPublicKey() decodes to %d bytes (err %v), want 65", len(raw), err)
	}
}

func TestSubscribe_Validates(t *testing.T) {
	svc, _ := newService(t, nil)
	ctx := context.Background()

	plain := newSubscription(t, "http://push.example.com/x")
	if _, err := svc.Subscribe(ctx, "acct", plain); !errors.Is(err, push.ErrInvalidSubscription) {
		t.Errorf("Subscribe(http) error = %v, want ErrInvalidSubscription", err)
	}

	noKeys := &models.PushSubscription{Endpoint: "https://push.example.com/x"}
	if _, err := svc.Subscribe(ctx, "acct", noKeys); !errors.Is(err, push.ErrInvalidSubscription) {
		t.Errorf("Subscribe(no keys) error = %v, want ErrInvalidSubscription", err)
	}
}

func TestDeliver_SendsToEverySubscription(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Encoding") != "aes128gcm" {
			t.Errorf("Content-Encoding = %q, want aes128gcm", r.Header.Get("Content-Encoding"))
		}
		if !strings.HasPrefix(r.Header.Get("Authorization"), "vapid ") {
			t.Errorf("Authorization = %q, want vapid scheme", r.Header.Get("Authorization"))
		}
		hits.Add(1)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	svc, _ := newService(t, srv)
	ctx := context.Background()
	for _, path := range []string{"/a", "/b"} {
		if _, err := svc.Subscribe(ctx, "acct", newSubscription(t, srv.URL+path)); err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
	}
	svc.Subscribe(ctx, "someone-else", newSubscription(t, srv.URL+"/c"))

	item := models.FeedItem{ID: "01HF3Z5N6Q7R8S9T0V1W2X3Y4Z", Body: models.TextBody{Text: "hi"}}
	if err := svc.Deliver(ctx, "acct", item); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("push service received %d requests, want 2", got)
	}
}

func TestDeliver_RemovesExpiredSubscription(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	svc, s := newService(t, srv)
	ctx := context.Background()
	if _, err := svc.Subscribe(ctx, "acct", newSubscription(t, srv.URL+"/gone")); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if err := svc.Deliver(ctx, "acct", models.FeedItem{ID: "x", Body: models.TextBody{Text: "hi"}}); err != nil {
		t.Errorf("Deliver() error = %v, want nil for an expired subscription", err)
	}
	subs, _ := s.ListPushSubscriptions(ctx, "acct")
	if len(subs) != 0 {
		t.Errorf("ListPushSubscriptions() = %d, want 0 after 410", len(subs))
	}
}

func TestDeliver_ReportsServerError(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	svc, s := newService(t, srv)
	ctx := context.Background()
	svc.Subscribe(ctx, "acct", newSubscription(t, srv.URL+"/bad"))

	if err := svc.Deliver(ctx, "acct", models.FeedItem{ID: "x", Body: models.TextBody{Text: "hi"}}); err == nil {
		t.Error("Deliver() error = nil, want rejection")
	}
	if subs, _ := s.ListPushSubscriptions(ctx, "acct"); len(subs) != 1 {
		t.Errorf("subscription removed after 400, want kept")
	}
}

func TestNotificationFor(t *testing.T) {
	n := push.NotificationFor(models.FeedItem{
		ID:     "id1",
		Cursor: "c1",
		Body:   models.ClaudeMessageBody{Title: "Done", Message: strings.Repeat("x", 5000), SessionID: "s1"},
	})
	if n.Title != "Done" || n.Tag != "id1" {
		t.Errorf("NotificationFor() = %+v", n)
	}
	if n.Data["sessionId"] != "s1" || n.Data["kind"] != "claude-message" || n.Data["cursor"] != "c1" {
		t.Errorf("NotificationFor().Data = %v", n.Data)
	}
	if len([]rune(n.Body)) > 1000 {
		t.Errorf("NotificationFor() body has %d runes, want <= 1000", len([]rune(n.Body)))
	}
}
