package agentproto_test

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/quinnbmay/zenflo-sub001/internal/agentproto"
)

func TestMarshalEvent_Tagged(t *testing.T) {
	tests := []struct {
		event agentproto.Event
		want  string
	}{
		{agentproto.Ready{}, `{"type":"ready"}`},
		{agentproto.SessionStarted{SessionID: "s1"}, `{"type":"session-started","sessionId":"s1"}`},
		{agentproto.SessionEnded{SessionID: "s1"}, `{"type":"session-ended","sessionId":"s1"}`},
		{agentproto.Log{Level: "info", Text: "hi"}, `{"type":"log","level":"info","text":"hi"}`},
	}
	for _, tt := range tests {
		got, err := agentproto.MarshalEvent(tt.event)
		if err != nil {
			t.Fatalf("MarshalEvent(%T) error = %v", tt.event, err)
		}
		if string(got) != tt.want {
			t.Errorf("MarshalEvent(%T) = %s, want %s", tt.event, got, tt.want)
		}
	}
}

func TestEvents_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := agentproto.NewWriter(&buf)

	sent := []agentproto.Event{
		agentproto.Ready{},
		agentproto.SessionStarted{SessionID: "s1", Cwd: "/work"},
		agentproto.Message{ID: "m1", SessionID: "s1", Title: "Done", Text: "ok", Priority: "high"},
		agentproto.Log{Level: "warn", Text: "careful"},
		agentproto.SessionEnded{SessionID: "s1"},
	}
	for _, e := range sent {
		if err := w.WriteEvent(e); err != nil {
			t.Fatalf("WriteEvent() error = %v", err)
		}
	}

	r := agentproto.NewReader(&buf)
	for i, want := range sent {
		got, err := r.ReadEvent()
		if err != nil {
			t.Fatalf("ReadEvent() #%d error = %v", i, err)
		}
		if got != want {
			t.Errorf("ReadEvent() #%d = %#v, want %#v", i, got, want)
		}
	}
	if _, err := r.ReadEvent(); err != io.EOF {
		t.Errorf("ReadEvent() at end error = %v, want io.EOF", err)
	}
}

func TestCommands_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := agentproto.NewWriter(&buf)

	sent := []agentproto.Command{
		agentproto.UserMessage{SessionID: "s1", Text: "yes, ship it"},
		agentproto.View{SessionID: "s1", ThreadID: "t9"},
		agentproto.Shutdown{},
	}
	for _, c := range sent {
		if err := w.WriteCommand(c); err != nil {
			t.Fatalf("WriteCommand() error = %v", err)
		}
	}

	r := agentproto.NewReader(&buf)
	for i, want := range sent {
		got, err := r.ReadCommand()
		if err != nil {
			t.Fatalf("ReadCommand() #%d error = %v", i, err)
		}
		if got != want {
			t.Errorf("ReadCommand() #%d = %#v, want %#v", i, got, want)
		}
	}
}

func TestReader_SkipsBlankAndSurvivesBadLines(t *testing.T) {
	input := strings.Join([]string{
		``,
		`{"type":"teleport"}`,
		`not json`,
		`{"type":"ready"}`,
	}, "\n")
	r := agentproto.NewReader(strings.NewReader(input))

	if _, err := r.ReadEvent(); !errors.Is(err, agentproto.ErrUnknownType) {
		t.Errorf("ReadEvent(unknown) error = %v, want ErrUnknownType", err)
	}
	if _, err := r.ReadEvent(); !errors.Is(err, agentproto.ErrMalformed) {
		t.Errorf("ReadEvent(garbage) error = %v, want ErrMalformed", err)
	}
	got, err := r.ReadEvent()
	if err != nil || got != (agentproto.Ready{}) {
		t.Errorf("ReadEvent() = %v, %v; want Ready", got, err)
	}
}

func TestUnmarshal_DirectionsDoNotMix(t *testing.T) {
	if _, err := agentproto.UnmarshalCommand([]byte(`{"type":"ready"}`)); !errors.Is(err, agentproto.ErrUnknownType) {
		t.Errorf("UnmarshalCommand(ready) error = %v, want ErrUnknownType", err)
	}
	if _, err := agentproto.UnmarshalEvent([]byte(`{"type":"shutdown"}`)); !errors.Is(err, agentproto.ErrUnknownType) {
		t.Errorf("UnmarshalEvent(shutdown) error = %v, want ErrUnknownType", err)
	}
}
