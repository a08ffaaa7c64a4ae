// Package daemon is the per-machine singleton that owns the coding-agent
// subprocess.
//
// A Supervisor holds an exclusive lock beside its state file for as long as
// it runs, restarts the agent when it crashes (up to a limit), serves a
// loopback control API for the CLI, and keeps a link to the relay so device
// actions reach the agent and agent messages reach the devices.
//
//	stopped ─► starting ─► running ─► stopping ─► stopped
//	                          │  ▲
//	                          ▼  │ Reset
//	                        crashed
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/quinnbmay/zenflo-sub001/internal/agentproto"
	"github.com/quinnbmay/zenflo-sub001/internal/bridge"
	"github.com/quinnbmay/zenflo-sub001/internal/process"
	"github.com/quinnbmay/zenflo-sub001/internal/relayclient"
	"github.com/quinnbmay/zenflo-sub001/internal/sessions"
	"github.com/quinnbmay/zenflo-sub001/pkg/models"
)

var (
	// ErrAlreadyRunning means another daemon holds the lock.
	ErrAlreadyRunning = errors.New("daemon: already running")

	// ErrNotRunning means no daemon is running.
	ErrNotRunning = errors.New("daemon: not running")

	// ErrCrashLoop is recorded when the agent exits too often to be
	// restarted again. Only Reset clears it.
	ErrCrashLoop = errors.New("daemon: agent is crash looping")

	// ErrSessionNotFound means no live agent session has the action's id.
	ErrSessionNotFound = errors.New("daemon: session not found")
)

// Defaults for Config.
const (
	DefaultControlAddr   = "127.0.0.1:0"
	DefaultStopTimeout   = 5 * time.Second
	DefaultReadyTimeout  = 10 * time.Second
	DefaultMaxRestarts   = 5
	DefaultRestartWindow = 10 * time.Minute
	DefaultRestartDelay  = time.Second
	DefaultLogLines      = 1000

	maxRestartDelay = 30 * time.Second
)

// Config configures a Supervisor.
type Config struct {
	// StateFile is where the running daemon records DaemonState. The lock
	// lives beside it at LockPath(StateFile).
	StateFile string

	Agent process.Spec

	// ControlAddr is the loopback listen address of the control API.
	ControlAddr string

	StopTimeout   time.Duration
	ReadyTimeout  time.Duration
	MaxRestarts   int           // restarts allowed within RestartWindow; negative allows none
	RestartWindow time.Duration
	RestartDelay  time.Duration // first restart backoff, doubled per crash
	LogLines      int

	// Relay, when set, receives agent messages and carries device actions.
	Relay *relayclient.Client

	Version string
}

func (c *Config) applyDefaults() {
	if c.ControlAddr == "" {
		c.ControlAddr = DefaultControlAddr
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = DefaultReadyTimeout
	}
	if c.MaxRestarts < 0 {
		c.MaxRestarts = 0
	} else if c.MaxRestarts == 0 {
		c.MaxRestarts = DefaultMaxRestarts
	}
	if c.RestartWindow <= 0 {
		c.RestartWindow = DefaultRestartWindow
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = DefaultRestartDelay
	}
	if c.LogLines <= 0 {
		c.LogLines = DefaultLogLines
	}
}

// Supervisor runs one agent subprocess for the lifetime of the daemon.
type Supervisor struct {
	cfg      Config
	logs     *process.LogBuffer
	sessions *sessions.Registry
	router   *Router

	opMu sync.Mutex // serializes Start and Stop

	mu        sync.Mutex
	status    models.DaemonStatus
	state     *models.DaemonState
	agent     *process.Agent
	info      models.AgentProcessInfo
	crashes   []time.Time
	restartBO *backoff.ExponentialBackOff
	resetCh   chan struct{}
	lock      *lockFile
	server    *http.Server
	link      *relayclient.DaemonLink
	runCtx    context.Context
	cancel    context.CancelFunc
	group     *errgroup.Group
	done      chan struct{}

	postCtx    context.Context
	postCancel context.CancelFunc
	posts      sync.WaitGroup
}

// New creates a stopped supervisor.
func New(cfg Config) (*Supervisor, error) {
	if cfg.StateFile == "" {
		return nil, fmt.Errorf("daemon: state file path is required")
	}
	if len(cfg.Agent.Command) == 0 {
		return nil, fmt.Errorf("daemon: agent command is required")
	}
	cfg.applyDefaults()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.RestartDelay
	bo.MaxInterval = maxRestartDelay
	bo.MaxElapsedTime = 0

	s := &Supervisor{
		cfg:       cfg,
		logs:      process.NewLogBuffer(cfg.LogLines),
		sessions:  sessions.NewRegistry(),
		status:    models.DaemonStopped,
		info:      models.AgentProcessInfo{Command: cfg.Agent.Command},
		restartBO: bo,
		resetCh:   make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	close(s.done)
	s.router = NewRouter(s.sessions, AgentInputFunc(s.sendToAgent))
	return s, nil
}

// AgentInputFunc adapts a function to AgentInput.
type AgentInputFunc func(agentproto.Command) error

// Send calls f(c).
func (f AgentInputFunc) Send(c agentproto.Command) error { return f(c) }

// Logs returns the supervisor's log buffer.
func (s *Supervisor) Logs() *process.LogBuffer { return s.logs }

// Router returns the router that delivers device actions.
func (s *Supervisor) Router() *Router { return s.router }

// Status returns the lifecycle state.
func (s *Supervisor) Status() models.DaemonStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Done is closed when the current run ends.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Report describes the daemon for the control API.
func (s *Supervisor) Report() models.DaemonReport {
	s.mu.Lock()
	r := models.DaemonReport{Status: s.status}
	if s.state != nil {
		st := *s.state
		r.State = &st
	}
	info := s.info
	r.Agent = &info
	link := s.link
	s.mu.Unlock()

	r.Sessions = s.sessions.List()
	switch {
	case s.cfg.Relay == nil:
		r.Relay = "disabled"
	case link != nil && link.Connected():
		r.Relay = "connected"
	default:
		r.Relay = "disconnected"
	}
	return r
}

func (s *Supervisor) setStatus(st models.DaemonStatus) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// Start acquires the daemon lock, launches the agent, begins serving the
// control API, and records DaemonState. It does not block once the agent is
// ready. If another daemon holds the lock, Start returns its state (when
// known) with ErrAlreadyRunning.
func (s *Supervisor) Start(ctx context.Context) (*models.DaemonState, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.status != models.DaemonStopped {
		var st *models.DaemonState
		if s.state != nil {
			cp := *s.state
			st = &cp
		}
		s.mu.Unlock()
		return st, ErrAlreadyRunning
	}
	s.status = models.DaemonStarting
	s.mu.Unlock()

	st, err := s.start(ctx)
	if err != nil {
		s.setStatus(models.DaemonStopped)
		return st, err
	}

	log.Info().
		Int("pid", st.PID).
		Int("port", st.HTTPPort).
		Str("state", s.cfg.StateFile).
		Msg("🟢 Daemon running")
	return st, nil
}

func (s *Supervisor) start(ctx context.Context) (*models.DaemonState, error) {
	lock, err := acquireLock(LockPath(s.cfg.StateFile))
	if errors.Is(err, errLocked) {
		if st, _ := ReadState(s.cfg.StateFile); st != nil && stateLive(st) {
			return st, ErrAlreadyRunning
		}
		// holder is alive but has not written its state yet
		return nil, ErrAlreadyRunning
	}
	if err != nil {
		return nil, err
	}

	// with the lock held, anything on disk was left by a dead daemon
	if old, _ := ReadState(s.cfg.StateFile); old != nil {
		log.Info().Int("pid", old.PID).Msg("Discarding stale daemon state")
		_ = os.Remove(s.cfg.StateFile)
	}

	ln, err := net.Listen("tcp", s.cfg.ControlAddr)
	if err != nil {
		lock.release()
		return nil, fmt.Errorf("control listener on %s: %w", s.cfg.ControlAddr, err)
	}

	agent, err := process.Start(s.cfg.Agent, s.logs)
	if err != nil {
		ln.Close()
		lock.release()
		return nil, err
	}
	if err := agent.WaitReady(ctx, s.cfg.ReadyTimeout); err != nil {
		go drain(agent)
		agent.Stop(s.cfg.StopTimeout)
		ln.Close()
		lock.release()
		return nil, err
	}

	state := models.DaemonState{
		PID:        os.Getpid(),
		HTTPPort:   ln.Addr().(*net.TCPAddr).Port,
		StartTime:  time.Now().UTC(),
		Version:    s.cfg.Version,
		Executable: executableName(),
	}
	if err := WriteState(s.cfg.StateFile, state); err != nil {
		go drain(agent)
		agent.Stop(s.cfg.StopTimeout)
		ln.Close()
		lock.release()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	postCtx, postCancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)
	srv := &http.Server{
		Handler:           s.controlRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var link *relayclient.DaemonLink
	if s.cfg.Relay != nil {
		link = relayclient.NewDaemonLink(s.cfg.Relay, s.handleRelayAction)
	}

	// a Reset that raced a previous Stop must not leak into this run
	select {
	case <-s.resetCh:
	default:
	}

	s.mu.Lock()
	s.status = models.DaemonRunning
	s.state = &state
	s.agent = agent
	s.info = models.AgentProcessInfo{
		PID:       agent.PID(),
		Command:   s.cfg.Agent.Command,
		StartedAt: agent.StartedAt(),
	}
	s.crashes = nil
	s.restartBO.Reset()
	s.lock = lock
	s.server = srv
	s.link = link
	s.runCtx = runCtx
	s.cancel = cancel
	s.group = g
	s.done = make(chan struct{})
	s.postCtx = postCtx
	s.postCancel = postCancel
	s.mu.Unlock()

	s.logs.Write(process.StreamDaemon, fmt.Sprintf("daemon started, agent pid %d", agent.PID()))

	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return s.supervise(gctx, agent)
	})
	if link != nil {
		g.Go(func() error {
			link.Run(gctx)
			return nil
		})
	}

	// a failed daemon goroutine takes the whole daemon down
	go func() {
		<-gctx.Done()
		if runCtx.Err() == nil {
			log.Error().Msg("Daemon component failed, stopping")
			s.Stop(context.Background())
		}
	}()

	return &state, nil
}

// Stop shuts the agent down, stops serving, removes the state file, and
// releases the lock. Stopping a stopped supervisor is a no-op.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.status == models.DaemonStopped {
		s.mu.Unlock()
		return nil
	}
	s.status = models.DaemonStopping
	cancel := s.cancel
	s.mu.Unlock()

	log.Info().Msg("Stopping daemon")

	// no respawns after this
	cancel()

	s.mu.Lock()
	agent := s.agent
	s.mu.Unlock()
	if agent != nil {
		agent.Stop(s.cfg.StopTimeout)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(ctx, s.cfg.StopTimeout)
	defer cancelShutdown()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Control server did not shut down cleanly")
		s.server.Close()
	}

	if err := s.group.Wait(); err != nil {
		log.Error().Err(err).Msg("Daemon stopped after a failure")
	}

	if !waitTimeout(&s.posts, s.cfg.StopTimeout) {
		log.Warn().Msg("Abandoning agent messages not yet delivered to the relay")
	}
	s.postCancel()
	s.posts.Wait()

	if err := os.Remove(s.cfg.StateFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("Failed to remove daemon state file")
	}
	if err := s.lock.release(); err != nil {
		log.Warn().Err(err).Msg("Failed to release daemon lock")
	}
	s.sessions.Reset()

	s.mu.Lock()
	s.status = models.DaemonStopped
	s.state = nil
	s.agent = nil
	s.lock = nil
	s.link = nil
	s.info.PID = 0
	close(s.done)
	s.mu.Unlock()

	log.Info().Msg("Daemon stopped")
	return nil
}

// Reset clears the crash history. A crashed supervisor restarts its agent.
func (s *Supervisor) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.status {
	case models.DaemonStopped, models.DaemonStopping:
		return ErrNotRunning
	}

	s.crashes = nil
	s.restartBO.Reset()
	if s.status == models.DaemonCrashed {
		s.status = models.DaemonStarting
		s.info.LastError = ""
		select {
		case s.resetCh <- struct{}{}:
		default:
		}
		log.Info().Msg("Crash loop cleared, restarting agent")
	}
	return nil
}

// supervise consumes agent output and replaces the agent when it exits on
// its own. It returns once ctx is done and the current agent has exited.
func (s *Supervisor) supervise(ctx context.Context, agent *process.Agent) error {
	for {
		for ev := range agent.Events() {
			s.handleEvent(ev)
		}
		<-agent.Exited()

		if ctx.Err() != nil {
			return nil
		}

		if n := s.sessions.Reset(); n > 0 {
			log.Warn().Int("sessions", n).Msg("Agent exit ended live sessions")
		}
		next, err := s.restart(ctx, agent.ExitStatus())
		if err != nil {
			return nil
		}
		agent = next
	}
}

// restart records a crash and brings up a replacement, waiting out the
// backoff, or a Reset once the crash limit is hit. It only fails when ctx
// ends.
func (s *Supervisor) restart(ctx context.Context, exit string) (*process.Agent, error) {
	reason := "agent exited: " + exit
	for {
		crashLoop, wait := s.recordCrash(reason)
		s.logs.Write(process.StreamDaemon, reason)

		if crashLoop {
			log.Error().Str("exit", exit).Int("max_restarts", s.cfg.MaxRestarts).
				Dur("window", s.cfg.RestartWindow).Msg("🔴 Agent crash loop, waiting for reset")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-s.resetCh:
			}
		} else {
			log.Warn().Str("exit", exit).Dur("restart_in", wait).Msg("Agent exited unexpectedly")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		a, err := s.respawn(ctx)
		if err == nil {
			return a, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		reason = "agent failed to start: " + err.Error()
		exit = err.Error()
	}
}

// recordCrash adds a crash to the history and decides between another
// restart (after wait) and the crashed state.
func (s *Supervisor) recordCrash(reason string) (crashLoop bool, wait time.Duration) {
	now := time.Now()
	cutoff := now.Add(-s.cfg.RestartWindow)

	s.mu.Lock()
	defer s.mu.Unlock()

	recent := s.crashes[:0]
	for _, t := range s.crashes {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	if len(recent) == 0 {
		s.restartBO.Reset()
	}
	s.crashes = append(recent, now)

	s.info.PID = 0
	s.info.LastExit = reason

	if len(s.crashes) > s.cfg.MaxRestarts {
		s.status = models.DaemonCrashed
		s.info.LastError = fmt.Sprintf("%v: %d exits within %s", ErrCrashLoop, len(s.crashes), s.cfg.RestartWindow)
		return true, 0
	}
	return false, s.restartBO.NextBackOff()
}

func (s *Supervisor) respawn(ctx context.Context) (*process.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Stop reads s.agent under mu after cancelling, so it sees this one
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a, err := process.Start(s.cfg.Agent, s.logs)
	if err != nil {
		return nil, err
	}
	s.agent = a
	s.status = models.DaemonRunning
	s.info.PID = a.PID()
	s.info.StartedAt = a.StartedAt()
	s.info.Restarts++
	return a, nil
}

func (s *Supervisor) sendToAgent(c agentproto.Command) error {
	s.mu.Lock()
	a := s.agent
	s.mu.Unlock()
	if a == nil {
		return process.ErrExited
	}
	return a.Send(c)
}

func (s *Supervisor) handleEvent(ev agentproto.Event) {
	switch ev := ev.(type) {
	case agentproto.Ready:
		s.logs.Write(process.StreamDaemon, "agent ready")

	case agentproto.SessionStarted:
		s.sessions.Open(ev.SessionID, ev.Cwd)
		log.Info().Str("session", ev.SessionID).Str("cwd", ev.Cwd).Msg("Agent session started")

	case agentproto.SessionEnded:
		if s.sessions.Close(ev.SessionID) {
			log.Info().Str("session", ev.SessionID).Msg("Agent session ended")
		}

	case agentproto.Message:
		s.sessions.Touch(ev.SessionID)
		s.forward(ev)

	case agentproto.Log:
		s.logs.Write(process.StreamAgent, ev.Level+": "+ev.Text)
	}
}

// forward posts an agent message to the relay inbox. The message id is the
// repeat key, so retrying after an ambiguous failure cannot duplicate it.
func (s *Supervisor) forward(m agentproto.Message) {
	if s.cfg.Relay == nil {
		log.Debug().Str("id", m.ID).Msg("No relay configured, agent message kept local")
		return
	}

	req := models.ClaudeMessageRequest{
		Title:     m.Title,
		Message:   m.Text,
		SessionID: m.SessionID,
		Priority:  m.Priority,
	}
	if m.ID != "" {
		id := m.ID
		req.RepeatKey = &id
	}

	ctx := s.postCtx
	s.posts.Add(1)
	go func() {
		defer s.posts.Done()

		op := func() error {
			_, err := s.cfg.Relay.PostClaudeMessage(ctx, req)
			var apiErr *relayclient.APIError
			if errors.As(err, &apiErr) && apiErr.Status < 500 && apiErr.Status != http.StatusTooManyRequests {
				return backoff.Permanent(err)
			}
			return err
		}
		bo := backoff.NewExponentialBackOff()
		bo.MaxElapsedTime = 2 * time.Minute

		if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
			log.Warn().Err(err).Str("id", m.ID).Msg("Failed to deliver agent message to relay")
			return
		}
		log.Debug().Str("id", m.ID).Str("session", m.SessionID).Msg("Agent message delivered to relay")
	}()
}

// handleRelayAction serves action frames from the relay bridge.
func (s *Supervisor) handleRelayAction(ctx context.Context, a models.Action) (*models.ActionAck, error) {
	ack, err := s.router.Route(ctx, a)
	if errors.Is(err, ErrSessionNotFound) {
		err = fmt.Errorf("%w: %w", bridge.ErrSessionNotFound, err)
	}
	return ack, err
}

func drain(a *process.Agent) {
	for range a.Events() {
	}
}

// waitTimeout waits for wg for at most d and reports whether it finished.
func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
