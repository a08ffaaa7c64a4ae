package process_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/quinnbmay/zenflo-sub001/internal/agentproto"
	"github.com/quinnbmay/zenflo-sub001/internal/process"
	"github.com/quinnbmay/zenflo-sub001/internal/process/processtest"
)

func TestMain(m *testing.M) {
	processtest.RunIfAgent()
	os.Exit(m.Run())
}

func nextEvent(t *testing.T, a *process.Agent) agentproto.Event {
	t.Helper()
	select {
	case ev, ok := <-a.Events():
		if !ok {
			t.Fatal("agent events closed")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for agent event")
	}
	return nil
}

func TestAgent_RoundTrip(t *testing.T) {
	logs := process.NewLogBuffer(10)
	a, err := process.Start(processtest.Spec(processtest.Echo), logs)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer a.Stop(time.Second)

	if err := a.WaitReady(context.Background(), 5*time.Second); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}
	if _, ok := nextEvent(t, a).(agentproto.Ready); !ok {
		t.Fatal("first event is not Ready")
	}
	if ev, ok := nextEvent(t, a).(agentproto.SessionStarted); !ok || ev.SessionID != processtest.SessionID {
		t.Fatalf("second event = %#v, want SessionStarted", ev)
	}

	if err := a.Send(agentproto.UserMessage{SessionID: processtest.SessionID, Text: "hi"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	msg, ok := nextEvent(t, a).(agentproto.Message)
	if !ok || msg.ID != "m-hi" || msg.Text != "hi" {
		t.Errorf("reply = %#v, want message m-hi", msg)
	}

	a.Stop(time.Second)
	select {
	case <-a.Exited():
	default:
		t.Fatal("Exited() not closed after Stop")
	}
	if err := a.ExitErr(); err != nil {
		t.Errorf("ExitErr() = %v, want clean exit", err)
	}
	if err := a.Send(agentproto.Shutdown{}); !errors.Is(err, process.ErrExited) {
		t.Errorf("Send() after exit error = %v, want ErrExited", err)
	}

	var sawStderr bool
	for _, e := range logs.Recent(0) {
		if e.Stream == process.StreamStderr && e.Line == "agent booted" {
			sawStderr = true
		}
	}
	if !sawStderr {
		t.Errorf("stderr not captured, logs = %+v", logs.Recent(0))
	}
}

func TestAgent_StopKillsStubbornAgent(t *testing.T) {
	a, err := process.Start(processtest.Spec(processtest.Stubborn), nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	go func() {
		for range a.Events() {
		}
	}()
	if err := a.WaitReady(context.Background(), 5*time.Second); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}

	start := time.Now()
	a.Stop(200 * time.Millisecond)
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Stop() took %s", elapsed)
	}
	if a.ExitErr() == nil {
		t.Error("ExitErr() = nil, want killed")
	}
	// second call returns at once
	a.Stop(time.Hour)
}

func TestAgent_StopWhileSendBlocked(t *testing.T) {
	a, err := process.Start(processtest.Spec(processtest.Stubborn), nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	go func() {
		for range a.Events() {
		}
	}()
	if err := a.WaitReady(context.Background(), 5*time.Second); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}

	// larger than a pipe buffer, and the agent never reads stdin
	sendErr := make(chan error, 1)
	go func() {
		sendErr <- a.Send(agentproto.UserMessage{
			SessionID: processtest.SessionID,
			Text:      strings.Repeat("x", 256<<10),
		})
	}()
	time.Sleep(200 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		a.Stop(400 * time.Millisecond)
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop() blocked behind a Send on a full stdin pipe")
	}

	select {
	case err := <-sendErr:
		if err == nil {
			t.Error("Send() error = nil, want failure once the agent is stopped")
		}
	case <-time.After(3 * time.Second):
		t.Error("Send() still blocked after Stop()")
	}
}

func TestAgent_ExitSeenWhileChildHoldsPipes(t *testing.T) {
	a, err := process.Start(processtest.Spec(processtest.Orphaning), nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer a.Stop(time.Second)

	events := make(chan struct{})
	go func() {
		for range a.Events() {
		}
		close(events)
	}()

	select {
	case <-a.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("Exited() still open after the agent exited")
	}
	if a.ExitErr() == nil {
		t.Error("ExitErr() = nil, want exit status 3")
	}
	select {
	case <-events:
	case <-time.After(5 * time.Second):
		t.Error("Events() not closed after exit")
	}
	if err := a.Send(agentproto.Shutdown{}); !errors.Is(err, process.ErrExited) {
		t.Errorf("Send() after exit error = %v, want ErrExited", err)
	}
}

func TestAgent_ExitBeforeReady(t *testing.T) {
	a, err := process.Start(processtest.Spec(processtest.Silent), nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	a.Stop(time.Second)
	if err := a.WaitReady(context.Background(), time.Second); err == nil {
		t.Error("WaitReady() error = nil for an exited agent")
	}
}

func TestStart_EmptyCommand(t *testing.T) {
	if _, err := process.Start(process.Spec{}, nil); err == nil {
		t.Error("Start(empty) error = nil")
	}
}

func TestLogBuffer_Ring(t *testing.T) {
	lb := process.NewLogBuffer(3)
	if got := lb.Recent(5); len(got) != 0 {
		t.Errorf("Recent() on empty buffer = %v", got)
	}

	for i := 0; i < 5; i++ {
		lb.Write(process.StreamDaemon, fmt.Sprint(i))
	}
	if lb.Len() != 3 {
		t.Errorf("Len() = %d, want 3", lb.Len())
	}

	got := lb.Recent(0)
	want := []string{"2", "3", "4"}
	for i, e := range got {
		if e.Line != want[i] {
			t.Errorf("Recent()[%d] = %q, want %q", i, e.Line, want[i])
		}
	}
	if last := lb.Recent(1); len(last) != 1 || last[0].Line != "4" {
		t.Errorf("Recent(1) = %+v, want [4]", last)
	}
}

func TestLogBuffer_Subscribe(t *testing.T) {
	lb := process.NewLogBuffer(10)
	ch := lb.Subscribe()

	lb.Write(process.StreamAgent, "hello")
	select {
	case e := <-ch:
		if e.Line != "hello" || e.Stream != process.StreamAgent {
			t.Errorf("subscriber got %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber got nothing")
	}

	lb.Unsubscribe(ch)
	lb.Unsubscribe(ch)
	if _, open := <-ch; open {
		t.Error("Unsubscribe() did not close the channel")
	}

	// a subscriber that never reads does not block writers
	slow := lb.Subscribe()
	defer lb.Unsubscribe(slow)
	for i := 0; i < 200; i++ {
		lb.Write(process.StreamAgent, "x")
	}
}
