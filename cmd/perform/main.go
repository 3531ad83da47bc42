package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/hoku-research/perform/internal/config"
	"github.com/hoku-research/perform/internal/logging"
	"github.com/hoku-research/perform/internal/partition"
	"github.com/hoku-research/perform/internal/runner"
)

var (
	version = "0.1.0-dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.err != nil {
				fmt.Fprintln(os.Stderr, ee.err)
			}
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(runner.ExitCode(err))
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "perform",
		Short: "Parallel experiment runner and result aggregator",
		Long: `perform splits a trial workload across worker processes, runs the
simulation program once per partition, and merges every partition's result
store into one destination SQLite table.

Configuration is read from ~/.perform/config.yaml (or --config), then
PERFORM_* environment variables, then command-line flags.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.perform/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: info, debug, or trace")

	rootCmd.AddCommand(
		newVersionCmd(),
		newRunCmd(),
		newMergeCmd(),
		newPlanCmd(),
		newSchemaCmd(),
		newConfigCmd(),
	)

	return rootCmd
}

// exitError carries a process exit code out of a command. err may be nil
// when the command already reported what went wrong.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

// loadConfig loads the configuration named by --config and applies
// --log-level. Invalid settings are configuration errors.
func loadConfig(cmd *cobra.Command) (*config.PerformConfig, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadPath(path)
	if err != nil {
		return nil, &exitError{code: runner.ExitConfig, err: fmt.Errorf("failed to load config: %w", err)}
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if err := cfg.Validate(); err != nil {
		return nil, &exitError{code: runner.ExitConfig, err: &partition.ConfigurationError{Field: "config", Reason: err.Error()}}
	}
	return cfg, nil
}

func newLogger(cfg *config.PerformConfig, w io.Writer) *slog.Logger {
	return logging.NewLogger(cfg.Logging.Level, w)
}
