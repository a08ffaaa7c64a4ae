package daemon_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/quinnbmay/zenflo-sub001/internal/daemon"
	"github.com/quinnbmay/zenflo-sub001/internal/process"
	"github.com/quinnbmay/zenflo-sub001/internal/process/processtest"
	"github.com/quinnbmay/zenflo-sub001/internal/relayclient"
	"github.com/quinnbmay/zenflo-sub001/pkg/models"
)

func TestMain(m *testing.M) {
	processtest.RunIfAgent()
	os.Exit(m.Run())
}

func newSupervisor(t *testing.T, statePath, mode string, mutate ...func(*daemon.Config)) *daemon.Supervisor {
	t.Helper()
	cfg := daemon.Config{
		StateFile:    statePath,
		Agent:        processtest.Spec(mode),
		StopTimeout:  2 * time.Second,
		ReadyTimeout: 5 * time.Second,
		RestartDelay: 10 * time.Millisecond,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	s, err := daemon.New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func quickReply(sessionID, text string) models.Action {
	payload, _ := json.Marshal(models.QuickReplyPayload{Text: text})
	return models.Action{SessionID: sessionID, Kind: models.ActionQuickReply, Payload: payload}
}

func TestStart_ConcurrentStartsYieldOneDaemon(t *testing.T) {
	path := daemon.StatePath(t.TempDir())
	a := newSupervisor(t, path, processtest.Echo)
	b := newSupervisor(t, path, processtest.Echo)

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i, s := range []*daemon.Supervisor{a, b} {
		wg.Add(1)
		go func(i int, s *daemon.Supervisor) {
			defer wg.Done()
			_, errs[i] = s.Start(context.Background())
		}(i, s)
	}
	wg.Wait()

	var running, already int
	for _, err := range errs {
		switch {
		case err == nil:
			running++
		case errors.Is(err, daemon.ErrAlreadyRunning):
			already++
		default:
			t.Errorf("Start() unexpected error = %v", err)
		}
	}
	if running != 1 || already != 1 {
		t.Fatalf("Start() x2 = %d running, %d already running; want 1 and 1", running, already)
	}

	// a third attempt sees the recorded state
	c := newSupervisor(t, path, processtest.Echo)
	st, err := c.Start(context.Background())
	if !errors.Is(err, daemon.ErrAlreadyRunning) {
		t.Fatalf("third Start() error = %v, want ErrAlreadyRunning", err)
	}
	if st == nil || st.PID != os.Getpid() {
		t.Errorf("third Start() state = %+v, want pid %d", st, os.Getpid())
	}
}

func TestReadStatus_DeadPIDReportsStopped(t *testing.T) {
	path := daemon.StatePath(t.TempDir())

	spec := processtest.Spec(processtest.Silent)
	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Env = append(os.Environ(), spec.Env...)
	if err := cmd.Run(); err != nil {
		t.Fatalf("run short-lived process: %v", err)
	}

	err := daemon.WriteState(path, models.DaemonState{
		PID:       cmd.Process.Pid,
		HTTPPort:  4242,
		StartTime: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("WriteState() error = %v", err)
	}

	status, st, err := daemon.ReadStatus(path)
	if err != nil {
		t.Fatalf("ReadStatus() error = %v", err)
	}
	if status != models.DaemonStopped || st != nil {
		t.Errorf("ReadStatus() = %s, %+v; want stopped", status, st)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("stale state file still present: %v", err)
	}
}

func TestReadStatus_LivePIDWithoutLockIsStale(t *testing.T) {
	path := daemon.StatePath(t.TempDir())
	if err := daemon.WriteState(path, models.DaemonState{PID: os.Getpid(), HTTPPort: 1}); err != nil {
		t.Fatalf("WriteState() error = %v", err)
	}
	if status, _, _ := daemon.ReadStatus(path); status != models.DaemonStopped {
		t.Errorf("ReadStatus() = %s, want stopped when nobody holds the lock", status)
	}
}

func TestReadStatus_MissingFile(t *testing.T) {
	status, st, err := daemon.ReadStatus(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil || status != models.DaemonStopped || st != nil {
		t.Errorf("ReadStatus(missing) = %s, %+v, %v; want stopped", status, st, err)
	}
}

func TestSupervisor_Lifecycle(t *testing.T) {
	path := daemon.StatePath(t.TempDir())
	s := newSupervisor(t, path, processtest.Echo)
	ctx := context.Background()

	st, err := s.Start(ctx)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if st.PID != os.Getpid() || st.HTTPPort == 0 {
		t.Errorf("Start() state = %+v", st)
	}
	if got := s.Status(); got != models.DaemonRunning {
		t.Errorf("Status() = %s, want running", got)
	}

	status, onDisk, err := daemon.ReadStatus(path)
	if err != nil || status != models.DaemonRunning || onDisk.HTTPPort != st.HTTPPort {
		t.Fatalf("ReadStatus() = %s, %+v, %v; want running on port %d", status, onDisk, err, st.HTTPPort)
	}

	client, _, err := daemon.Dial(path)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	eventually(t, "session s1", func() bool {
		sessions, err := client.Sessions(ctx)
		return err == nil && len(sessions) == 1 && sessions[0].SessionID == processtest.SessionID
	})

	report, err := client.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if report.Status != models.DaemonRunning || report.Relay != "disabled" || report.Agent.PID == 0 {
		t.Errorf("Status() report = %+v", report)
	}

	if _, err := client.SendAction(ctx, quickReply("s2", "hi")); !errors.Is(err, daemon.ErrSessionNotFound) {
		t.Errorf("SendAction(unknown session) error = %v, want ErrSessionNotFound", err)
	}
	if _, err := client.SendAction(ctx, models.Action{SessionID: "s1", Kind: "dance"}); !errors.Is(err, models.ErrInvalidAction) {
		t.Errorf("SendAction(bad kind) error = %v, want ErrInvalidAction", err)
	}
	ack, err := client.SendAction(ctx, quickReply(processtest.SessionID, "hi"))
	if err != nil {
		t.Fatalf("SendAction() error = %v", err)
	}
	if !ack.Delivered || ack.SessionID != processtest.SessionID {
		t.Errorf("SendAction() ack = %+v", ack)
	}

	eventually(t, "agent stderr in logs", func() bool {
		entries, err := client.Logs(ctx, 0)
		if err != nil {
			return false
		}
		for _, e := range entries {
			if e.Stream == process.StreamStderr && e.Line == "agent booted" {
				return true
			}
		}
		return false
	})

	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Errorf("second Stop() error = %v, want nil", err)
	}
	if got := s.Status(); got != models.DaemonStopped {
		t.Errorf("Status() after Stop = %s", got)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("state file left behind: %v", err)
	}
	if status, _, _ := daemon.ReadStatus(path); status != models.DaemonStopped {
		t.Errorf("ReadStatus() after Stop = %s", status)
	}
	if err := s.Reset(); !errors.Is(err, daemon.ErrNotRunning) {
		t.Errorf("Reset() on stopped daemon error = %v, want ErrNotRunning", err)
	}

	// the lock was released, so the same supervisor can run again
	if _, err := s.Start(ctx); err != nil {
		t.Fatalf("restart Start() error = %v", err)
	}
}

func TestSupervisor_StopOverControlAPI(t *testing.T) {
	path := daemon.StatePath(t.TempDir())
	s := newSupervisor(t, path, processtest.Echo)

	if _, err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	client, _, err := daemon.Dial(path)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if err := client.Stop(context.Background()); err != nil {
		t.Fatalf("client Stop() error = %v", err)
	}

	select {
	case <-s.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}
	if _, _, err := daemon.Dial(path); !errors.Is(err, daemon.ErrNotRunning) {
		t.Errorf("Dial() after stop error = %v, want ErrNotRunning", err)
	}
}

func TestSupervisor_CrashLoop(t *testing.T) {
	path := daemon.StatePath(t.TempDir())
	s := newSupervisor(t, path, processtest.Crash, func(c *daemon.Config) {
		c.MaxRestarts = 2
		c.RestartWindow = time.Minute
	})

	if _, err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	eventually(t, "crashed status", func() bool { return s.Status() == models.DaemonCrashed })

	report := s.Report()
	if report.Agent.Restarts != 2 {
		t.Errorf("Restarts = %d, want 2", report.Agent.Restarts)
	}
	if report.Agent.LastError == "" {
		t.Error("LastError is empty for a crash loop")
	}
	// the lock is still held while crashed
	if status, _, _ := daemon.ReadStatus(path); status != models.DaemonRunning {
		t.Errorf("ReadStatus() while crashed = %s, want the daemon still owning the lock", status)
	}

	if _, err := s.Router().Route(context.Background(), quickReply("s1", "hi")); !errors.Is(err, daemon.ErrSessionNotFound) {
		t.Errorf("Route() while crashed error = %v, want ErrSessionNotFound", err)
	}

	if err := s.Reset(); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	eventually(t, "restart after reset", func() bool { return s.Report().Agent.Restarts >= 3 })

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}

func TestSupervisor_RestartsAgentWhoseChildOutlivesIt(t *testing.T) {
	path := daemon.StatePath(t.TempDir())
	s := newSupervisor(t, path, processtest.Orphaning, func(c *daemon.Config) {
		c.MaxRestarts = 100
		c.RestartWindow = time.Minute
	})

	if _, err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	eventually(t, "restart after exit", func() bool { return s.Report().Agent.Restarts >= 1 })

	if exit := s.Report().Agent.LastExit; exit == "" {
		t.Error("LastExit is empty after the agent exited")
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}

func TestSupervisor_StartFailureReleasesLock(t *testing.T) {
	path := daemon.StatePath(t.TempDir())
	bad := newSupervisor(t, path, processtest.Echo, func(c *daemon.Config) {
		c.Agent.Command = []string{filepath.Join(t.TempDir(), "no-such-agent")}
	})
	if _, err := bad.Start(context.Background()); err == nil {
		t.Fatal("Start() with a missing agent error = nil")
	}
	if got := bad.Status(); got != models.DaemonStopped {
		t.Errorf("Status() after failed Start = %s", got)
	}

	good := newSupervisor(t, path, processtest.Echo)
	if _, err := good.Start(context.Background()); err != nil {
		t.Fatalf("Start() after failed attempt error = %v", err)
	}
}

func TestSupervisor_ForwardsAgentMessages(t *testing.T) {
	var (
		mu       sync.Mutex
		received []models.ClaudeMessageRequest
	)
	relay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/inbox/claude-message" {
			http.NotFound(w, r)
			return
		}
		var req models.ClaudeMessageRequest
		json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		received = append(received, req)
		mu.Unlock()
		json.NewEncoder(w).Encode(models.ClaudeMessageResponse{Success: true, ID: "01J", Created: true})
	}))
	defer relay.Close()

	rc, err := relayclient.New(relay.URL, relayclient.WithToken("test-token"))
	if err != nil {
		t.Fatalf("relayclient.New() error = %v", err)
	}

	path := daemon.StatePath(t.TempDir())
	s := newSupervisor(t, path, processtest.Echo, func(c *daemon.Config) { c.Relay = rc })
	if _, err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	eventually(t, "session s1", func() bool { return len(s.Report().Sessions) == 1 })

	if _, err := s.Router().Route(context.Background(), quickReply(processtest.SessionID, "ship it")); err != nil {
		t.Fatalf("Route() error = %v", err)
	}

	eventually(t, "message at relay", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	})
	mu.Lock()
	got := received[0]
	mu.Unlock()
	if got.RepeatKey == nil || *got.RepeatKey != "m-ship it" {
		t.Errorf("RepeatKey = %v, want m-ship it", got.RepeatKey)
	}
	if got.Message != "ship it" || got.SessionID != processtest.SessionID {
		t.Errorf("relay got %+v", got)
	}
	if r := s.Report().Relay; r != "disconnected" {
		t.Errorf("Relay = %q, want disconnected without a bridge endpoint", r)
	}
}
