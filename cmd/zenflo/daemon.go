package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quinnbmay/zenflo-sub001/internal/config"
	"github.com/quinnbmay/zenflo-sub001/internal/daemon"
	"github.com/quinnbmay/zenflo-sub001/internal/process"
	"github.com/quinnbmay/zenflo-sub001/internal/relayclient"
	"github.com/quinnbmay/zenflo-sub001/pkg/models"
)

func daemonCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run and control the background daemon",
	}
	cmd.AddCommand(
		daemonRunCmd(flags),
		daemonStartCmd(flags),
		daemonStopCmd(flags),
		daemonStatusCmd(flags),
		daemonResetCmd(flags),
		daemonLogsCmd(flags),
		daemonSessionsCmd(flags),
		daemonReplyCmd(flags),
	)
	return cmd
}

func supervisorConfig(cfg *config.DaemonConfig, relay *relayclient.Client) daemon.Config {
	return daemon.Config{
		StateFile: daemon.StatePath(cfg.HomeDir),
		Agent: process.Spec{
			Command: cfg.Agent.Command,
			Dir:     cfg.Agent.Dir,
			Env:     cfg.Agent.Env,
		},
		ControlAddr:   "127.0.0.1:" + strconv.Itoa(cfg.ControlPort),
		StopTimeout:   cfg.StopTimeout,
		ReadyTimeout:  cfg.ReadyTimeout,
		MaxRestarts:   cfg.MaxRestarts,
		RestartWindow: cfg.RestartWindow,
		LogLines:      cfg.LogLines,
		Relay:         relay,
		Version:       version,
	}
}

func daemonRunCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.HomeDir, 0o700); err != nil {
				return fmt.Errorf("create %s: %w", cfg.HomeDir, err)
			}

			relay, err := relayClient(cfg)
			if errors.Is(err, errNoKey) {
				log.Warn().Msg("No secret key; running without the relay (zenflo key generate)")
				relay = nil
			} else if err != nil {
				return err
			}

			sup, err := daemon.New(supervisorConfig(cfg, relay))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			st, err := sup.Start(ctx)
			if errors.Is(err, daemon.ErrAlreadyRunning) {
				if st != nil {
					return fmt.Errorf("daemon already running (pid %d)", st.PID)
				}
				return errors.New("daemon already running")
			}
			if err != nil {
				return err
			}
			log.Info().
				Int("pid", st.PID).
				Int("port", st.HTTPPort).
				Strs("agent", cfg.Agent.Command).
				Msg("Daemon running")

			select {
			case <-ctx.Done():
				log.Info().Msg("Signal received, stopping")
			case <-sup.Done():
				return nil
			}
			stopCtx, cancel := context.WithTimeout(context.Background(), 2*cfg.StopTimeout+5*time.Second)
			defer cancel()
			return sup.Stop(stopCtx)
		},
	}
}

func daemonStartCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the daemon in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			statePath := daemon.StatePath(cfg.HomeDir)
			status, st, err := daemon.ReadStatus(statePath)
			if err != nil {
				return err
			}
			if status == models.DaemonRunning {
				return fmt.Errorf("daemon already running (pid %d, port %d)", st.PID, st.HTTPPort)
			}

			if err := os.MkdirAll(cfg.HomeDir, 0o700); err != nil {
				return fmt.Errorf("create %s: %w", cfg.HomeDir, err)
			}
			logFile, err := os.OpenFile(cfg.LogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
			if err != nil {
				return fmt.Errorf("open log file: %w", err)
			}
			defer logFile.Close()

			self, err := os.Executable()
			if err != nil {
				return fmt.Errorf("find executable: %w", err)
			}
			childArgs := []string{"daemon", "run"}
			if flags.home != "" {
				childArgs = append(childArgs, "--home", flags.home)
			}
			child := exec.Command(self, childArgs...)
			child.Env = append(os.Environ(), detachedEnv+"=1")
			child.Stdout = logFile
			child.Stderr = logFile
			child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
			if err := child.Start(); err != nil {
				return fmt.Errorf("start daemon: %w", err)
			}

			exited := make(chan error, 1)
			go func() { exited <- child.Wait() }()

			st, err = waitForDaemon(statePath, cfg.ReadyTimeout+20*time.Second, exited)
			if err != nil {
				return fmt.Errorf("%w (see %s)", err, cfg.LogPath())
			}
			fmt.Printf("daemon started (pid %d, port %d)\n", st.PID, st.HTTPPort)
			fmt.Printf("logs: %s\n", cfg.LogPath())
			return nil
		},
	}
}

// waitForDaemon polls the state file until the detached daemon reports
// running or the child exits.
func waitForDaemon(statePath string, timeout time.Duration, exited <-chan error) (*models.DaemonState, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = timeout

	var st *models.DaemonState
	op := func() error {
		select {
		case err := <-exited:
			if err == nil {
				err = errors.New("exited")
			}
			return backoff.Permanent(fmt.Errorf("daemon failed to start: %w", err))
		default:
		}
		status, s, err := daemon.ReadStatus(statePath)
		if err != nil {
			return err
		}
		if status != models.DaemonRunning {
			return errors.New("daemon not ready")
		}
		st = s
		return nil
	}
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return st, nil
}

func daemonStopCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the background daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			statePath := daemon.StatePath(cfg.HomeDir)
			client, st, err := daemon.Dial(statePath)
			if errors.Is(err, daemon.ErrNotRunning) {
				fmt.Println("daemon is not running")
				return nil
			}
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			if err := client.Stop(ctx); err != nil {
				return fmt.Errorf("stop daemon: %w", err)
			}

			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.MaxInterval = 500 * time.Millisecond
			b.MaxElapsedTime = 2*cfg.StopTimeout + 10*time.Second
			err = backoff.Retry(func() error {
				status, _, err := daemon.ReadStatus(statePath)
				if err != nil {
					return backoff.Permanent(err)
				}
				if status == models.DaemonRunning {
					return errors.New("daemon still running")
				}
				return nil
			}, b)
			if err != nil {
				return fmt.Errorf("wait for daemon (pid %d) to exit: %w", st.PID, err)
			}
			fmt.Println("daemon stopped")
			return nil
		},
	}
}

// dialDaemon connects to the running daemon or explains how to start one.
func dialDaemon(flags *globalFlags) (*daemon.Client, *models.DaemonState, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, nil, err
	}
	client, st, err := daemon.Dial(daemon.StatePath(cfg.HomeDir))
	if errors.Is(err, daemon.ErrNotRunning) {
		return nil, nil, errors.New("daemon is not running (zenflo daemon start)")
	}
	return client, st, err
}

func daemonStatusCmd(flags *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon and agent status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			report := &models.DaemonReport{Status: models.DaemonStopped, Sessions: []models.AgentSession{}}
			client, _, err := daemon.Dial(daemon.StatePath(cfg.HomeDir))
			switch {
			case errors.Is(err, daemon.ErrNotRunning):
			case err != nil:
				return err
			default:
				if report, err = client.Status(cmd.Context()); err != nil {
					return err
				}
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			printReport(report)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw report")
	return cmd
}

func printReport(r *models.DaemonReport) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintf(tw, "status:\t%s\n", r.Status)
	if r.State != nil {
		fmt.Fprintf(tw, "pid:\t%d\n", r.State.PID)
		fmt.Fprintf(tw, "port:\t%d\n", r.State.HTTPPort)
		fmt.Fprintf(tw, "started:\t%s\n", r.State.StartTime.Local().Format(time.RFC3339))
	}
	if r.Relay != "" {
		fmt.Fprintf(tw, "relay:\t%s\n", r.Relay)
	}
	if a := r.Agent; a != nil {
		fmt.Fprintf(tw, "agent pid:\t%d\n", a.PID)
		fmt.Fprintf(tw, "restarts:\t%d\n", a.Restarts)
		if a.LastExit != "" {
			fmt.Fprintf(tw, "last exit:\t%s\n", a.LastExit)
		}
		if a.LastError != "" {
			fmt.Fprintf(tw, "last error:\t%s\n", a.LastError)
		}
	}
	fmt.Fprintf(tw, "sessions:\t%d\n", len(r.Sessions))
}

func daemonResetCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Clear a crash loop and restart the agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := dialDaemon(flags)
			if err != nil {
				return err
			}
			report, err := client.Reset(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("daemon %s\n", report.Status)
			return nil
		},
	}
}

func daemonLogsCmd(flags *globalFlags) *cobra.Command {
	var (
		lines  int
		follow bool
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the agent's recent output",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := dialDaemon(flags)
			if err != nil {
				return err
			}
			if !follow {
				entries, err := client.Logs(cmd.Context(), lines)
				if err != nil {
					return err
				}
				for _, e := range entries {
					printLogEntry(e)
				}
				return nil
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			err = client.FollowLogs(ctx, lines, printLogEntry)
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 100, "number of recent lines")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new lines")
	return cmd
}

func printLogEntry(e daemon.LogEntry) {
	fmt.Printf("%s %-6s %s\n", e.Timestamp.Local().Format(time.TimeOnly), e.Stream, e.Line)
}

func daemonSessionsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List the agent's live sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := dialDaemon(flags)
			if err != nil {
				return err
			}
			list, err := client.Sessions(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			defer tw.Flush()
			fmt.Fprintln(tw, "SESSION\tCWD\tLAST ACTIVITY")
			for _, s := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", s.SessionID, s.Cwd, s.LastActivity.Local().Format(time.DateTime))
			}
			return nil
		},
	}
}

func daemonReplyCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reply <session-id> <text>",
		Short: "Send a quick reply to an agent session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := dialDaemon(flags)
			if err != nil {
				return err
			}
			payload, err := json.Marshal(models.QuickReplyPayload{Text: args[1]})
			if err != nil {
				return err
			}
			ack, err := client.SendAction(cmd.Context(), models.Action{
				SessionID: args[0],
				Kind:      models.ActionQuickReply,
				Payload:   payload,
			})
			if err != nil {
				return err
			}
			fmt.Printf("delivered to %s\n", ack.SessionID)
			return nil
		},
	}
}
