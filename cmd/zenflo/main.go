// zenflo is the user-machine CLI: it holds the secret key, logs in to the
// relay, syncs encrypted values, and runs the daemon that supervises the
// coding agent.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quinnbmay/zenflo-sub001/internal/config"
)

var version = "dev"

// detachedEnv marks the re-exec'd background daemon, which logs JSON to
// its log file instead of to a terminal.
const detachedEnv = "ZENFLO_DAEMON_DETACHED"

type globalFlags struct {
	home    string
	verbose bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "zenflo: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "zenflo",
		Short:         "Reach your coding agent from any device",
		Long:          "Manages the secret key, talks to the relay, and runs the daemon that supervises your coding agent.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(flags.verbose)
		},
	}
	root.PersistentFlags().StringVar(&flags.home, "home", "", "state directory (default $ZENFLO_HOME or ~/.zenflo)")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		daemonCmd(flags),
		keyCmd(flags),
		authCmd(flags),
		kvCmd(flags),
		feedCmd(flags),
	)
	return root
}

func setupLogging(verbose bool) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if os.Getenv(detachedEnv) != "" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	switch {
	case verbose:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case os.Getenv(detachedEnv) != "":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	}
}

// loadConfig reads the daemon configuration, honoring --home.
func loadConfig(flags *globalFlags) (*config.DaemonConfig, error) {
	if flags.home != "" {
		return config.LoadDaemonFrom(flags.home)
	}
	return config.LoadDaemon()
}
