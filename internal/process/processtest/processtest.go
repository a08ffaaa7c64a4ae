// Package processtest provides a fake agent for tests that supervise one.
//
// The fake agent is the test binary itself, re-executed with an environment
// variable set. A test package opts in from TestMain:
//
//	func TestMain(m *testing.M) {
//		processtest.RunIfAgent()
//		os.Exit(m.Run())
//	}
package processtest

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"time"

	"github.com/quinnbmay/zenflo-sub001/internal/agentproto"
	"github.com/quinnbmay/zenflo-sub001/internal/process"
)

const envMode = "ZENFLO_TEST_AGENT"

// Fake agent behaviours.
const (
	// Echo reports ready, opens session "s1", and answers every user message
	// with a message event whose id is "m-" + text.
	Echo = "echo"
	// Crash reports ready and exits with status 3 shortly after.
	Crash = "crash"
	// Stubborn reports ready and ignores shutdown and interrupt.
	Stubborn = "stubborn"
	// Silent never reports ready and exits when stdin closes.
	Silent = "silent"
	// Orphaning starts a child that keeps stdout and stderr open for a
	// minute, reports ready, and exits with status 3 shortly after.
	Orphaning = "orphaning"

	lingering = "lingering"
)

// SessionID is the session the Echo agent opens.
const SessionID = "s1"

// Spec returns a process.Spec that runs the fake agent in the given mode.
func Spec(mode string) process.Spec {
	return process.Spec{
		Command: []string{os.Args[0], "-test.run=^$"},
		Env:     []string{envMode + "=" + mode},
	}
}

// RunIfAgent turns the current process into the fake agent when it was
// started by Spec, and never returns in that case.
func RunIfAgent() {
	mode := os.Getenv(envMode)
	if mode == "" {
		return
	}
	os.Exit(run(mode, os.Stdin, os.Stdout))
}

func run(mode string, stdin io.Reader, stdout io.Writer) int {
	out := agentproto.NewWriter(stdout)

	switch mode {
	case Silent:
		io.Copy(io.Discard, stdin)
		return 0
	case Crash:
		out.WriteEvent(agentproto.Ready{})
		time.Sleep(20 * time.Millisecond)
		fmt.Fprintln(os.Stderr, "panic: simulated crash")
		return 3
	case Orphaning:
		child := exec.Command(os.Args[0], "-test.run=^$")
		child.Env = append(os.Environ(), envMode+"="+lingering)
		child.Stdout = os.Stdout
		child.Stderr = os.Stderr
		if err := child.Start(); err != nil {
			fmt.Fprintln(os.Stderr, "start child:", err)
			return 1
		}
		out.WriteEvent(agentproto.Ready{})
		time.Sleep(100 * time.Millisecond)
		return 3
	case lingering:
		time.Sleep(time.Minute)
		return 0
	case Stubborn:
		signal.Ignore(os.Interrupt)
		out.WriteEvent(agentproto.Ready{})
		for {
			time.Sleep(time.Hour)
		}
	}

	out.WriteEvent(agentproto.Ready{})
	out.WriteEvent(agentproto.SessionStarted{SessionID: SessionID, Cwd: "/work"})
	fmt.Fprintln(os.Stderr, "agent booted")

	in := agentproto.NewReader(stdin)
	for {
		cmd, err := in.ReadCommand()
		if err == io.EOF {
			return 0
		}
		if err != nil {
			continue
		}
		switch c := cmd.(type) {
		case agentproto.UserMessage:
			out.WriteEvent(agentproto.Message{
				ID:        "m-" + c.Text,
				SessionID: c.SessionID,
				Title:     "reply",
				Text:      c.Text,
			})
		case agentproto.View:
			out.WriteEvent(agentproto.Log{Level: "info", Text: "viewed " + c.ThreadID})
		case agentproto.Shutdown:
			out.WriteEvent(agentproto.SessionEnded{SessionID: SessionID})
			return 0
		}
	}
}
