package bridge_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quinnbmay/zenflo-sub001/internal/bridge"
	"github.com/quinnbmay/zenflo-sub001/pkg/models"
)

// fakeDaemon answers action frames. Sessions it knows are acked; others get
// session_not_found. When silent is set it never answers.
func fakeDaemon(t *testing.T, ws *websocket.Conn, sessions map[string]bool, silent bool) {
	t.Helper()
	go func() {
		for {
			var f bridge.Frame
			if err := ws.ReadJSON(&f); err != nil {
				return
			}
			if silent || f.Type != bridge.FrameAction {
				continue
			}
			resp := bridge.Frame{Type: bridge.FrameAck, ID: f.ID, Ack: &models.ActionAck{
				Delivered:   true,
				SessionID:   f.Action.SessionID,
				DeliveredAt: time.Now().UTC(),
			}}
			if !sessions[f.Action.SessionID] {
				resp = bridge.ErrorFrame(f.ID, bridge.ErrSessionNotFound)
			}
			if err := ws.WriteJSON(resp); err != nil {
				return
			}
		}
	}()
}

func connect(t *testing.T, reg *bridge.Registry, account string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reg.ServeDaemon(w, r, account)
	}))
	t.Cleanup(srv.Close)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { ws.Close() })

	waitFor(t, func() bool { return reg.Connected(account) })
	return ws
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 2s")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func quickReply(session, text string) models.Action {
	payload, _ := json.Marshal(models.QuickReplyPayload{Text: text})
	return models.Action{SessionID: session, Kind: models.ActionQuickReply, Payload: payload}
}

func TestRouteAction_Offline(t *testing.T) {
	reg := bridge.NewRegistry(time.Second)
	_, err := reg.RouteAction(context.Background(), "acct", quickReply("s1", "hi"))
	if !errors.Is(err, bridge.ErrDaemonOffline) {
		t.Errorf("RouteAction() error = %v, want ErrDaemonOffline", err)
	}
}

func TestRouteAction_Delivered(t *testing.T) {
	reg := bridge.NewRegistry(time.Second)
	fakeDaemon(t, connect(t, reg, "acct"), map[string]bool{"s1": true}, false)

	ack, err := reg.RouteAction(context.Background(), "acct", quickReply("s1", "ship it"))
	if err != nil {
		t.Fatalf("RouteAction() error = %v", err)
	}
	if !ack.Delivered || ack.SessionID != "s1" {
		t.Errorf("RouteAction() = %+v, want delivered to s1", ack)
	}
}

func TestRouteAction_SessionNotFound(t *testing.T) {
	reg := bridge.NewRegistry(time.Second)
	fakeDaemon(t, connect(t, reg, "acct"), map[string]bool{"s1": true}, false)

	_, err := reg.RouteAction(context.Background(), "acct", quickReply("ghost", "hi"))
	if !errors.Is(err, bridge.ErrSessionNotFound) {
		t.Errorf("RouteAction() error = %v, want ErrSessionNotFound", err)
	}
}

func TestRouteAction_OtherAccountIsOffline(t *testing.T) {
	reg := bridge.NewRegistry(time.Second)
	fakeDaemon(t, connect(t, reg, "acct"), map[string]bool{"s1": true}, false)

	if _, err := reg.RouteAction(context.Background(), "someone-else", quickReply("s1", "hi")); !errors.Is(err, bridge.ErrDaemonOffline) {
		t.Errorf("RouteAction() error = %v, want ErrDaemonOffline", err)
	}
}

func TestRouteAction_Timeout(t *testing.T) {
	reg := bridge.NewRegistry(100 * time.Millisecond)
	fakeDaemon(t, connect(t, reg, "acct"), nil, true)

	_, err := reg.RouteAction(context.Background(), "acct", quickReply("s1", "hi"))
	if !errors.Is(err, bridge.ErrTimeout) {
		t.Errorf("RouteAction() error = %v, want ErrTimeout", err)
	}
}

func TestRouteAction_InvalidAction(t *testing.T) {
	reg := bridge.NewRegistry(time.Second)
	bad := []models.Action{
		{Kind: models.ActionView, SessionID: ""},
		{Kind: "teleport", SessionID: "s1"},
		{Kind: models.ActionQuickReply, SessionID: "s1", Payload: json.RawMessage(`{"text":""}`)},
	}
	for _, a := range bad {
		if _, err := reg.RouteAction(context.Background(), "acct", a); !errors.Is(err, models.ErrInvalidAction) {
			t.Errorf("RouteAction(%+v) error = %v, want ErrInvalidAction", a, err)
		}
	}
}

func TestServeDaemon_DisconnectUnregisters(t *testing.T) {
	reg := bridge.NewRegistry(time.Second)
	ws := connect(t, reg, "acct")

	ws.Close()
	waitFor(t, func() bool { return !reg.Connected("acct") })

	if _, err := reg.RouteAction(context.Background(), "acct", quickReply("s1", "hi")); !errors.Is(err, bridge.ErrDaemonOffline) {
		t.Errorf("RouteAction() after disconnect error = %v, want ErrDaemonOffline", err)
	}
}

func TestServeDaemon_NewConnectionReplacesOld(t *testing.T) {
	reg := bridge.NewRegistry(time.Second)
	first := connect(t, reg, "acct")
	fakeDaemon(t, connect(t, reg, "acct"), map[string]bool{"s1": true}, false)

	// The first connection is closed by the relay.
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := first.ReadMessage(); err == nil {
		t.Error("old connection still open after replacement")
	}

	if n := reg.Count(); n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
	if _, err := reg.RouteAction(context.Background(), "acct", quickReply("s1", "hi")); err != nil {
		t.Errorf("RouteAction() via new connection error = %v", err)
	}
}
