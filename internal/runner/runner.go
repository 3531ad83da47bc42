// Package runner drives one experiment end to end: plan the partitions, run
// a worker per partition, merge their stores, then remove what was merged.
package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/hoku-research/perform/internal/aggregate"
	"github.com/hoku-research/perform/internal/cleanup"
	"github.com/hoku-research/perform/internal/config"
	"github.com/hoku-research/perform/internal/experiment"
	"github.com/hoku-research/perform/internal/logging"
	"github.com/hoku-research/perform/internal/partition"
	"github.com/hoku-research/perform/internal/worker"
)

// Process exit codes for a run.
const (
	ExitOK         = 0
	ExitIncomplete = 1 // partial or skipped partitions, or cleanup trouble
	ExitConfig     = 2
	ExitAborted    = 3
	ExitMergeWrite = 4
)

// Report describes a finished run or merge.
type Report struct {
	RunID      string                `json:"run_id"`
	Mode       string                `json:"mode"`
	Descriptor experiment.Descriptor `json:"descriptor"`
	Partitions []partition.Partition `json:"partitions"`
	Dropped    int                   `json:"dropped_samples"`
	Outcomes   []worker.Outcome      `json:"outcomes,omitempty"`
	Aggregate  *aggregate.Report     `json:"aggregate,omitempty"`
	Removed    []string              `json:"removed,omitempty"`
	Kept       bool                  `json:"kept_intermediates,omitempty"`
	Succeeded  bool                  `json:"succeeded"`
	ExitCode   int                   `json:"exit_code"`
	Error      string                `json:"error,omitempty"`
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt time.Time             `json:"finished_at"`
}

// Summary returns the aggregate summary line, or the error when the run
// never reached aggregation.
func (r *Report) Summary() string {
	if r.Aggregate != nil {
		return r.Aggregate.Summary()
	}
	if r.Error != "" {
		return r.Error
	}
	return "nothing merged"
}

// Runner executes descriptors using settings from a PerformConfig.
type Runner struct {
	cfg    *config.PerformConfig
	logger *slog.Logger

	// Stdout and Stderr receive child output when no worker log directory
	// is configured.
	Stdout io.Writer
	Stderr io.Writer
}

// New returns a Runner. A nil cfg uses config.Default().
func New(cfg *config.PerformConfig, logger *slog.Logger) *Runner {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Runner{cfg: cfg, logger: logger}
}

// Run executes d: every partition's worker is launched, all of them are
// awaited, and the results are merged into d.Destination.
//
// The returned Report is never nil. Its ExitCode is ExitOK only when every
// partition launched, exited zero, and merged. A launch failure or canceled
// ctx stops further launches and skips aggregation and cleanup, leaving the
// stores for Merge. The error is nil for runs that merely finished
// incomplete; inspect Report.ExitCode for those.
func (r *Runner) Run(ctx context.Context, d experiment.Descriptor) (*Report, error) {
	rep, journal, parts, err := r.begin("run", d)
	defer journal.Close()
	if err != nil {
		return r.finish(rep, journal, err), err
	}

	inv := &worker.Invoker{
		Timeout: r.cfg.Worker.Timeout,
		LogDir:  r.cfg.Worker.LogDir,
		Stdout:  r.Stdout,
		Stderr:  r.Stderr,
		Logger:  r.logger,
	}
	pool := worker.NewPool(inv, r.cfg.Worker.MaxParallel, r.logger)
	pool.OnOutcome = func(o worker.Outcome) {
		journal.Log("worker_exited", map[string]any{
			"partition":   o.Partition.Index,
			"exit_code":   o.ExitCode,
			"succeeded":   o.Succeeded,
			"timed_out":   o.TimedOut,
			"duration_ms": o.Duration.Milliseconds(),
		})
	}

	r.logger.Info("launching workers", "run_id", rep.RunID, "workers", len(parts), "samples", partition.Total(parts), "program", d.Program)
	outcomes, err := pool.Run(ctx, d, parts)
	rep.Outcomes = outcomes
	if err != nil {
		r.logger.Error("run aborted; partition stores left for perform merge", "error", err)
		return r.finish(rep, journal, err), err
	}

	err = r.mergeAndClean(ctx, rep, journal, outcomes)
	return r.finish(rep, journal, err), err
}

// Merge aggregates whatever partition stores exist for d without launching
// any worker. It recovers an aborted or crashed run. Stores merged by an
// earlier call are gone, so repeating Merge never duplicates rows.
func (r *Runner) Merge(ctx context.Context, d experiment.Descriptor) (*Report, error) {
	rep, journal, parts, err := r.begin("merge", d)
	defer journal.Close()
	if err != nil {
		return r.finish(rep, journal, err), err
	}

	// Exit statuses are unknown; whatever a store holds is taken as complete.
	outcomes := make([]worker.Outcome, len(parts))
	for i, p := range parts {
		outcomes[i] = worker.Outcome{Partition: p, Succeeded: true}
	}

	err = r.mergeAndClean(ctx, rep, journal, outcomes)
	return r.finish(rep, journal, err), err
}

// begin validates and plans d and opens the run journal.
func (r *Runner) begin(mode string, d experiment.Descriptor) (*Report, *logging.RunJournal, []partition.Partition, error) {
	rep := &Report{
		RunID:      uuid.NewString(),
		Mode:       mode,
		Descriptor: d,
		StartedAt:  time.Now().UTC(),
	}

	journalDir := r.cfg.JournalDir
	if journalDir == "" && d.Destination != "" {
		journalDir = filepath.Dir(d.Destination)
	}
	journal := logging.NewRunJournal(journalDir, r.cfg.Logging.Level, rep.RunID)

	if err := d.Validate(); err != nil {
		return rep, journal, nil, err
	}
	parts, err := d.Plan()
	if err != nil {
		return rep, journal, nil, err
	}
	rep.Partitions = parts
	rep.Dropped = partition.Dropped(d.Samples, d.Workers)

	if rep.Dropped > 0 {
		r.logger.Warn("samples not divisible by workers; remainder dropped",
			"samples", d.Samples, "workers", d.Workers, "dropped", rep.Dropped)
	}
	journal.Log(mode+"_started", map[string]any{
		"kind":        d.Kind.String(),
		"table":       d.Table,
		"samples":     d.Samples,
		"workers":     d.Workers,
		"dropped":     rep.Dropped,
		"destination": d.Destination,
		"program":     d.Program,
	})
	return rep, journal, parts, nil
}

// mergeAndClean aggregates outcomes and removes the stores whose rows were
// committed.
func (r *Runner) mergeAndClean(ctx context.Context, rep *Report, journal *logging.RunJournal, outcomes []worker.Outcome) error {
	d := rep.Descriptor
	agg, aggErr := aggregate.New(r.logger, journal).Aggregate(ctx, outcomes, d.Destination, d.Kind, d.Table)
	rep.Aggregate = agg

	// Confirmed partitions are removed even when aggregation stopped early:
	// their rows are committed and a later merge must not read them again.
	paths := agg.ConfirmedPaths()
	if r.cfg.Cleanup.KeepIntermediates {
		rep.Kept = true
		if len(paths) > 0 {
			r.logger.Warn("keeping merged partition stores; merging them again will duplicate rows", "stores", len(paths))
		}
		return aggErr
	}

	removed, err := cleanup.Remove(paths)
	rep.Removed = removed
	if err != nil {
		r.logger.Error("cleanup failed", "error", err)
		journal.Log("cleanup_failed", map[string]any{"error": err.Error()})
		if aggErr == nil {
			rep.ExitCode = ExitIncomplete
		}
	}
	if len(removed) > 0 {
		r.logger.Debug("removed partition stores", "count", len(removed))
		journal.Log("cleanup", map[string]any{"removed": removed})
	}
	return aggErr
}

// finish settles the exit code and writes the closing journal event.
func (r *Runner) finish(rep *Report, journal *logging.RunJournal, err error) *Report {
	rep.FinishedAt = time.Now().UTC()

	switch {
	case err != nil:
		rep.ExitCode = ExitCode(err)
		rep.Error = err.Error()
	case rep.ExitCode != ExitOK:
	case rep.Aggregate == nil || !rep.Aggregate.Complete() || rep.Aggregate.PartitionsTotal != len(rep.Partitions):
		rep.ExitCode = ExitIncomplete
	}
	rep.Succeeded = rep.ExitCode == ExitOK

	fields := map[string]any{
		"exit_code":   rep.ExitCode,
		"duration_ms": rep.FinishedAt.Sub(rep.StartedAt).Milliseconds(),
	}
	if rep.Aggregate != nil {
		fields["rows"] = rep.Aggregate.RowsInserted
		fields["merged"] = rep.Aggregate.PartitionsMerged
		fields["skipped"] = rep.Aggregate.PartitionsSkipped
		fields["partial"] = rep.Aggregate.PartitionsPartial
	}
	if rep.Error != "" {
		fields["error"] = rep.Error
	}
	journal.Log(rep.Mode+"_finished", fields)
	return rep
}

// ExitCode maps an error returned by Run or Merge, or by the setup around
// them, to a process exit code.
func ExitCode(err error) int {
	var (
		cfgErr   *partition.ConfigurationError
		abortErr *worker.RunAbortedError
		mergeErr *aggregate.MergeWriteError
	)
	switch {
	case err == nil:
		return ExitOK
	case errors.As(err, &cfgErr):
		return ExitConfig
	case errors.As(err, &abortErr),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return ExitAborted
	case errors.As(err, &mergeErr):
		return ExitMergeWrite
	default:
		return ExitIncomplete
	}
}
