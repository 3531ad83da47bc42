package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/hoku-research/perform/internal/config"
	"github.com/hoku-research/perform/internal/experiment"
	"github.com/hoku-research/perform/internal/partition"
	"github.com/hoku-research/perform/internal/runner"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [flags] -- [program args...]",
		Short: "Run the simulation across worker processes and merge the results",
		Long: `Run launches the simulation program once per partition, waits for every
worker, merges each partition store into the destination table, and removes
the merged stores.

Arguments after -- are passed to every worker ahead of the partition store
path and sample count. Use {store}, {samples} or {schema} to place those
values elsewhere in the argument list.

Exit status: 0 on full success, 1 if any partition was partial or skipped,
2 for configuration errors, 3 if the run was aborted, 4 if the destination
rejected a write.

Examples:
  perform run --kind QUERY --workers 4 --samples 1000 --dest lumberjack.db -- ref.db HIP
  perform run --kind MAP --workers 8 --samples 400 --dest map.db --table MAP_T \
      --program bin/PerformE -- ref.db {store} {samples} 0.01`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDescriptor(cmd, args, func(ctx context.Context, r *runner.Runner, d experiment.Descriptor) (*runner.Report, error) {
				return r.Run(ctx, d)
			})
		},
	}

	addDescriptorFlags(cmd)
	cmd.Flags().String("program", "", "Simulation executable (default from config)")
	cmd.Flags().Bool("keep", false, "Keep partition stores after merging")
	cmd.Flags().Duration("timeout", 0, "Kill a worker that runs longer than this (0 for no limit)")
	cmd.Flags().Int("max-parallel", 0, "Maximum concurrently running workers (0 runs all at once)")
	cmd.Flags().String("log-dir", "", "Write each worker's output to <dir>/partition-<i>.log")

	return cmd
}

func newMergeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Merge partition stores left behind by an interrupted run",
		Long: `Merge aggregates whatever partition stores exist for a descriptor without
launching any worker. Stores are removed once merged, so running merge again
never duplicates rows. --workers is required and must match the run that
wrote the stores; only <dest>-0 through <dest>-<workers-1> are read.

Example:
  perform merge --kind QUERY --workers 4 --samples 1000 --dest lumberjack.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDescriptor(cmd, nil, func(ctx context.Context, r *runner.Runner, d experiment.Descriptor) (*runner.Report, error) {
				return r.Merge(ctx, d)
			})
		},
	}

	addDescriptorFlags(cmd)
	cmd.Flags().Bool("keep", false, "Keep partition stores after merging")
	cmd.MarkFlagRequired("workers")

	return cmd
}

func addDescriptorFlags(cmd *cobra.Command) {
	cmd.Flags().String("kind", "", "Experiment kind: QUERY, REDUCTION or MAP (required)")
	cmd.Flags().Int("workers", 0, "Number of partitions and worker processes (default from config)")
	cmd.Flags().Int("samples", 0, "Total number of trials")
	cmd.Flags().String("dest", "", "Destination result store (required)")
	cmd.Flags().String("table", "", "Result table name (default: the kind name)")
	cmd.MarkFlagRequired("kind")
	cmd.MarkFlagRequired("dest")
}

// descriptorFromFlags builds the descriptor from flags, falling back to cfg.
func descriptorFromFlags(cmd *cobra.Command, cfg *config.PerformConfig, args []string) (experiment.Descriptor, error) {
	kindName, _ := cmd.Flags().GetString("kind")
	kind, err := experiment.ParseKind(kindName)
	if err != nil {
		return experiment.Descriptor{}, &partition.ConfigurationError{Field: "kind", Reason: err.Error()}
	}

	workers, _ := cmd.Flags().GetInt("workers")
	if !cmd.Flags().Changed("workers") {
		workers = cfg.Workers
	}
	samples, _ := cmd.Flags().GetInt("samples")
	dest, _ := cmd.Flags().GetString("dest")
	table, _ := cmd.Flags().GetString("table")
	if table == "" {
		table = kind.String()
	}

	program := cfg.Program
	if f := cmd.Flags().Lookup("program"); f != nil && f.Changed {
		program = f.Value.String()
	}

	return experiment.Descriptor{
		Kind:        kind,
		Table:       table,
		Samples:     samples,
		Workers:     workers,
		Destination: dest,
		Program:     program,
		Args:        args,
	}, nil
}

// applyRunFlags copies run-only flag overrides into cfg.
func applyRunFlags(cmd *cobra.Command, cfg *config.PerformConfig) {
	if keep, _ := cmd.Flags().GetBool("keep"); keep {
		cfg.Cleanup.KeepIntermediates = true
	}
	if f := cmd.Flags().Lookup("timeout"); f != nil && f.Changed {
		cfg.Worker.Timeout, _ = cmd.Flags().GetDuration("timeout")
	}
	if f := cmd.Flags().Lookup("max-parallel"); f != nil && f.Changed {
		cfg.Worker.MaxParallel, _ = cmd.Flags().GetInt("max-parallel")
	}
	if f := cmd.Flags().Lookup("log-dir"); f != nil && f.Changed {
		cfg.Worker.LogDir = f.Value.String()
	}
}

type runFunc func(ctx context.Context, r *runner.Runner, d experiment.Descriptor) (*runner.Report, error)

func runDescriptor(cmd *cobra.Command, args []string, fn runFunc) error {
	jsonOut, _ := cmd.Flags().GetBool("json")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyRunFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return &exitError{code: runner.ExitConfig, err: &partition.ConfigurationError{Field: "flags", Reason: err.Error()}}
	}

	d, err := descriptorFromFlags(cmd, cfg, args)
	if err != nil {
		return &exitError{code: runner.ExitConfig, err: err}
	}

	logger := newLogger(cfg, cmd.ErrOrStderr())
	r := runner.New(cfg, logger)
	r.Stdout = cmd.OutOrStdout()
	r.Stderr = cmd.ErrOrStderr()
	if jsonOut {
		// Keep stdout for the report.
		r.Stdout = cmd.ErrOrStderr()
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Handle SIGINT/SIGTERM: stop launching, let running workers finish
	sigCh := make(chan os.Signal, 1)
	notifySignals(sigCh)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case <-sigCh:
			logger.Warn("interrupt received; waiting for running workers to exit")
			cancel()
		case <-ctx.Done():
		}
	}()

	rep, runErr := fn(ctx, r, d)
	if err := printReport(cmd.OutOrStdout(), rep, jsonOut, logger); err != nil {
		return err
	}

	if rep.ExitCode == runner.ExitOK {
		return nil
	}
	return &exitError{code: rep.ExitCode, err: runErr}
}

func printReport(w io.Writer, rep *runner.Report, jsonOut bool, logger *slog.Logger) error {
	if jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}

	if rep.Dropped > 0 {
		fmt.Fprintf(w, "Note: %d samples dropped (%d not divisible by %d workers)\n",
			rep.Dropped, rep.Descriptor.Samples, rep.Descriptor.Workers)
	}
	if rep.Aggregate != nil {
		for _, p := range rep.Aggregate.Partitions {
			line := fmt.Sprintf("  partition %d: %s, %d rows", p.Index, p.Status, p.Rows)
			if p.Error != "" {
				line += " (" + p.Error + ")"
			}
			fmt.Fprintln(w, line)
		}
	}
	fmt.Fprintln(w, rep.Summary())
	if rep.Kept {
		fmt.Fprintln(w, "Partition stores kept.")
	} else if len(rep.Removed) > 0 {
		fmt.Fprintf(w, "Removed %d partition stores.\n", len(rep.Removed))
	}
	logger.Debug("run finished", "run_id", rep.RunID, "exit_code", rep.ExitCode)
	return nil
}
