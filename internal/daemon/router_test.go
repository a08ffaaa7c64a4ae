package daemon_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/quinnbmay/zenflo-sub001/internal/agentproto"
	"github.com/quinnbmay/zenflo-sub001/internal/daemon"
	"github.com/quinnbmay/zenflo-sub001/internal/sessions"
	"github.com/quinnbmay/zenflo-sub001/pkg/models"
)

type fakeAgent struct {
	sent []agentproto.Command
	err  error
}

func (f *fakeAgent) Send(c agentproto.Command) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, c)
	return nil
}

func TestRouter_QuickReply(t *testing.T) {
	reg := sessions.NewRegistry()
	reg.Open("s1", "")
	agent := &fakeAgent{}
	r := daemon.NewRouter(reg, agent)

	ack, err := r.Route(context.Background(), quickReply("s1", "yes, merge"))
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if !ack.Delivered || ack.SessionID != "s1" || ack.DeliveredAt.IsZero() {
		t.Errorf("Route() ack = %+v", ack)
	}

	want := agentproto.UserMessage{SessionID: "s1", Text: "yes, merge"}
	if len(agent.sent) != 1 || agent.sent[0] != want {
		t.Errorf("agent got %v, want [%v]", agent.sent, want)
	}
}

func TestRouter_UnknownSession(t *testing.T) {
	agent := &fakeAgent{}
	r := daemon.NewRouter(sessions.NewRegistry(), agent)

	_, err := r.Route(context.Background(), quickReply("gone", "hello?"))
	if !errors.Is(err, daemon.ErrSessionNotFound) {
		t.Errorf("Route() error = %v, want ErrSessionNotFound", err)
	}
	if len(agent.sent) != 0 {
		t.Errorf("agent got %v for an unknown session", agent.sent)
	}
}

func TestRouter_InvalidActions(t *testing.T) {
	reg := sessions.NewRegistry()
	reg.Open("s1", "")
	r := daemon.NewRouter(reg, &fakeAgent{})

	cases := []models.Action{
		{Kind: models.ActionQuickReply, Payload: json.RawMessage(`{"text":"x"}`)},
		{SessionID: "s1", Kind: models.ActionQuickReply},
		{SessionID: "s1", Kind: models.ActionQuickReply, Payload: json.RawMessage(`{"text":""}`)},
		{SessionID: "s1", Kind: "launch-missiles"},
	}
	for _, a := range cases {
		if _, err := r.Route(context.Background(), a); !errors.Is(err, models.ErrInvalidAction) {
			t.Errorf("Route(%+v) error = %v, want ErrInvalidAction", a, err)
		}
	}
}

func TestRouter_QuickReplyFailsWhenAgentGone(t *testing.T) {
	reg := sessions.NewRegistry()
	reg.Open("s1", "")
	r := daemon.NewRouter(reg, &fakeAgent{err: errors.New("broken pipe")})

	if _, err := r.Route(context.Background(), quickReply("s1", "hi")); err == nil {
		t.Error("Route() error = nil when the agent cannot take input")
	}
}

func TestRouter_ViewAcksLiveSession(t *testing.T) {
	reg := sessions.NewRegistry()
	reg.Open("s1", "")
	r := daemon.NewRouter(reg, &fakeAgent{err: errors.New("busy")})

	view := models.Action{SessionID: "s1", Kind: models.ActionView, Payload: json.RawMessage(`{"threadId":"t9"}`)}
	ack, err := r.Route(context.Background(), view)
	if err != nil || !ack.Delivered {
		t.Errorf("Route(view) = %+v, %v; want delivered", ack, err)
	}

	view.SessionID = "s2"
	if _, err := r.Route(context.Background(), view); !errors.Is(err, daemon.ErrSessionNotFound) {
		t.Errorf("Route(view, unknown) error = %v, want ErrSessionNotFound", err)
	}
}
