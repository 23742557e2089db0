package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/therealutkarshpriyadarshi/logwatch/internal/config"
	"github.com/therealutkarshpriyadarshi/logwatch/internal/logging"
	"github.com/therealutkarshpriyadarshi/logwatch/internal/tracing"
	"github.com/therealutkarshpriyadarshi/logwatch/pkg/types"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// exitError carries a monitoring state out of a command so main can turn it
// into the process exit code
type exitError struct {
	state types.CheckState
}

func (e *exitError) Error() string {
	return "exit state " + e.state.String()
}

// exitCode maps a check state onto the usual plugin exit codes
func exitCode(state types.CheckState) int {
	switch state {
	case types.StateOK:
		return 0
	case types.StateWarn:
		return 1
	case types.StateCrit:
		return 2
	default:
		return 3
	}
}

// stateError returns nil for OK so a clean run exits 0
func stateError(state types.CheckState) error {
	if state == types.StateOK {
		return nil
	}
	return &exitError{state: state}
}

type globalOptions struct {
	serviceConfig string
	verbose       int
}

// loadConfig reads the service configuration, or the defaults when no file
// was given
func (g *globalOptions) loadConfig() (*config.Config, error) {
	if g.serviceConfig == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(g.serviceConfig)
}

// newLogger honours -v over the configured level so a plain agent call only
// reports errors
func (g *globalOptions) newLogger(cmd *cobra.Command, cfg *config.Config) *logging.Logger {
	level := logging.LevelForVerbosity(g.verbose)
	if g.verbose == 0 && g.serviceConfig != "" {
		level = cfg.Logging.Level
	}
	return logging.New(logging.Config{
		Level:  level,
		Format: cfg.Logging.Format,
		Output: cmd.ErrOrStderr(),
	})
}

func newTracing(ctx context.Context, cfg *config.Config) (*tracing.Provider, error) {
	if cfg.Tracing == nil {
		return tracing.Noop(), nil
	}
	return tracing.NewProvider(ctx, tracing.Config{
		Enabled:    cfg.Tracing.Enabled,
		Endpoint:   cfg.Tracing.Endpoint,
		SampleRate: cfg.Tracing.SampleRate,
	})
}

func newRootCmd() *cobra.Command {
	g := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:           "logwatch",
		Short:         "Logwatch classifies new log lines and forwards them to the event console",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.Version = fmt.Sprintf("%s (commit %s, built %s)", version, commit, date)
	rootCmd.SetVersionTemplate("{{.Version}}\n")

	rootCmd.PersistentFlags().StringVar(&g.serviceConfig, "service-config", "", "Path to the service configuration (yaml)")
	rootCmd.PersistentFlags().CountVarP(&g.verbose, "verbose", "v", "Increase log verbosity (-v info, -vv debug)")

	rootCmd.AddCommand(
		newAgentCmd(g),
		newForwardCmd(g),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), rootCmd.Version)
			},
		},
	)
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(exitCode(ee.state))
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(types.StateUnknown))
	}
}
