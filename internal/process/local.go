// Package process runs the coding-agent subprocess the daemon supervises.
//
// The agent speaks agentproto over its stdin and stdout. Its stderr is
// captured line by line into a LogBuffer.
//
//	Supervisor
//	    └─► process.Start(spec)
//	            ├─► stdin  ◄── agentproto.Command
//	            ├─► stdout ──► agentproto.Event
//	            └─► stderr ──► LogBuffer
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/quinnbmay/zenflo-sub001/internal/agentproto"
)

// ErrExited is returned when talking to an agent that has already exited.
var ErrExited = errors.New("process: agent has exited")

const (
	// SendTimeout bounds one write to the agent's stdin.
	SendTimeout = 10 * time.Second

	// drainTimeout bounds how long output is read after the agent exits.
	drainTimeout = 2 * time.Second
)

// Spec describes how to launch the agent.
type Spec struct {
	Command []string
	Dir     string
	Env     []string // appended to the daemon's environment
}

// Agent is one running agent subprocess.
type Agent struct {
	cmd       *exec.Cmd
	stdin     *os.File
	in        *agentproto.Writer
	startedAt time.Time

	events  chan agentproto.Event
	ready   chan struct{}
	exited  chan struct{}
	exitErr error

	readyOnce sync.Once
	stopOnce  sync.Once
}

// Start launches the agent. Output is read until the process exits; stderr
// lines are written to logs when it is non-nil.
func Start(spec Spec, logs *LogBuffer) (*Agent, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("process: agent command is empty")
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	// own process group, so a kill also reaches anything the agent spawned
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// The agent gets plain pipe files, so Wait returns when the agent itself
	// exits even if something it spawned still holds the other ends.
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW)
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW)
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW)
		return nil, fmt.Errorf("failed to start agent: %w", err)
	}
	// the child holds its own copies now
	closeAll(stdinR, stdoutW, stderrW)

	a := &Agent{
		cmd:       cmd,
		stdin:     stdinW,
		in:        agentproto.NewWriter(stdinW),
		startedAt: time.Now().UTC(),
		events:    make(chan agentproto.Event, 64),
		ready:     make(chan struct{}),
		exited:    make(chan struct{}),
	}

	log.Info().
		Strs("command", spec.Command).
		Int("pid", cmd.Process.Pid).
		Msg("Agent process started")

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		a.readEvents(stdoutR)
	}()
	go func() {
		defer readers.Done()
		sc := bufio.NewScanner(stderrR)
		sc.Buffer(make([]byte, 0, 4096), agentproto.MaxLineSize)
		for sc.Scan() {
			if logs != nil {
				logs.Write(StreamStderr, sc.Text())
			}
		}
		// keep draining so the agent never blocks on a full pipe
		io.Copy(io.Discard, stderrR)
	}()

	go func() {
		err := cmd.Wait()
		pid := cmd.Process.Pid

		// Whatever the agent left running in its group would keep the
		// pipes open; it goes with the agent.
		if kerr := unix.Kill(-pid, unix.SIGKILL); kerr == nil {
			log.Debug().Int("pgid", pid).Msg("Killed processes left behind by the agent")
		}
		_ = stdinW.Close()

		if !waitGroupTimeout(&readers, drainTimeout) {
			log.Warn().Int("pid", pid).Msg("Agent output still open after exit, closing it")
		}
		closeAll(stdoutR, stderrR)

		a.exitErr = err
		close(a.exited)
		log.Info().
			Int("pid", pid).
			Str("exit", a.ExitStatus()).
			Msg("Agent process exited")
	}()

	return a, nil
}

func (a *Agent) readEvents(stdout io.Reader) {
	defer close(a.events)

	r := agentproto.NewReader(stdout)
	for {
		ev, err := r.ReadEvent()
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, os.ErrClosed):
			return
		case errors.Is(err, agentproto.ErrMalformed), errors.Is(err, agentproto.ErrUnknownType):
			log.Warn().Err(err).Int("pid", a.PID()).Msg("Ignoring agent output line")
			continue
		default:
			log.Error().Err(err).Int("pid", a.PID()).Msg("Agent stdout unreadable")
			io.Copy(io.Discard, stdout)
			return
		}

		if _, ok := ev.(agentproto.Ready); ok {
			a.readyOnce.Do(func() { close(a.ready) })
		}
		a.events <- ev
	}
}

// PID returns the agent's process id.
func (a *Agent) PID() int { return a.cmd.Process.Pid }

// StartedAt returns when the agent was launched.
func (a *Agent) StartedAt() time.Time { return a.startedAt }

// Events delivers what the agent writes to stdout. It is closed once stdout
// reaches EOF, and must be drained.
func (a *Agent) Events() <-chan agentproto.Event { return a.events }

// Exited is closed after the process has exited, anything left in its
// process group has been killed, and its output is drained.
func (a *Agent) Exited() <-chan struct{} { return a.exited }

// ExitErr is the result of Wait. Only valid after Exited is closed.
func (a *Agent) ExitErr() error { return a.exitErr }

// ExitStatus describes how the agent exited, or "" while it runs.
func (a *Agent) ExitStatus() string {
	select {
	case <-a.exited:
	default:
		return ""
	}
	if a.cmd.ProcessState == nil {
		return "unknown"
	}
	return a.cmd.ProcessState.String()
}

// Send writes a command to the agent's stdin. An agent that stops reading
// fails the write after SendTimeout; Stop fails it at once.
func (a *Agent) Send(c agentproto.Command) error {
	select {
	case <-a.exited:
		return ErrExited
	default:
	}
	_ = a.stdin.SetWriteDeadline(time.Now().Add(SendTimeout))
	if err := a.in.WriteCommand(c); err != nil {
		select {
		case <-a.exited:
			return ErrExited
		default:
		}
		return fmt.Errorf("write to agent: %w", err)
	}
	return nil
}

// WaitReady blocks until the agent reports ready. When the agent stays
// silent for timeout it is assumed to be up; an agent that exits first is
// an error.
func (a *Agent) WaitReady(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-a.ready:
		return nil
	case <-a.exited:
		return fmt.Errorf("agent exited before becoming ready: %s", a.ExitStatus())
	case <-timer.C:
		log.Warn().Int("pid", a.PID()).Dur("timeout", timeout).
			Msg("Agent did not send ready signal, proceeding anyway")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop shuts the agent down: a shutdown command first, then an interrupt,
// then a kill, each stage getting half of timeout. It returns once the
// process has exited. Safe to call more than once.
//
// The shutdown command is written from its own goroutine, since a Send may
// hold the writer on a pipe the agent no longer reads. Closing stdin at the
// end of the first stage fails both writes.
func (a *Agent) Stop(timeout time.Duration) {
	a.stopOnce.Do(func() {
		select {
		case <-a.exited:
			return
		default:
		}

		log.Info().Int("pid", a.PID()).Msg("Stopping agent process")
		grace := timeout / 2

		deadline := time.Now().Add(grace)

		written := make(chan struct{})
		go func() {
			_ = a.in.WriteCommand(agentproto.Shutdown{})
			close(written)
		}()
		select {
		case <-written:
		case <-a.exited:
			return
		case <-time.After(grace):
		}
		_ = a.stdin.Close()
		if a.waitExit(time.Until(deadline)) {
			return
		}

		_ = a.cmd.Process.Signal(os.Interrupt)
		if a.waitExit(grace) {
			return
		}

		log.Warn().Int("pid", a.PID()).Msg("Agent ignored interrupt, killing")
		if err := unix.Kill(-a.PID(), unix.SIGKILL); err != nil {
			_ = a.cmd.Process.Kill()
		}
	})
	<-a.exited
}

func (a *Agent) waitExit(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-a.exited:
		return true
	case <-timer.C:
		return false
	}
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

// waitGroupTimeout waits for wg for at most d and reports whether it finished.
func waitGroupTimeout(wg *sync.WaitGroup, d time.Duration) bool {
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
