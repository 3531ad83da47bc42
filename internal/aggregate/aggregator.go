// Package aggregate merges the partition stores written by workers into the
// consolidated destination store.
package aggregate

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/hoku-research/perform/internal/experiment"
	"github.com/hoku-research/perform/internal/logging"
	"github.com/hoku-research/perform/internal/store"
	"github.com/hoku-research/perform/internal/worker"
)

// Aggregator copies rows from partition stores into the destination. It
// holds no state between calls.
type Aggregator struct {
	logger  *slog.Logger
	journal *logging.RunJournal
}

// New returns an Aggregator. Both arguments may be nil.
func New(logger *slog.Logger, journal *logging.RunJournal) *Aggregator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Aggregator{logger: logger, journal: journal}
}

// Aggregate merges each outcome's partition store into table in dest,
// one partition at a time in index order.
//
// The destination table is created with the kind's schema if absent. Every
// partition is inserted inside its own transaction. Stores that cannot be
// read are skipped and recorded in the report. A destination write failure
// rolls back the current partition, stops aggregation, and is returned as a
// *MergeWriteError together with the report so far. If ctx is canceled
// between partitions the remaining ones are left pending and ctx.Err() is
// returned.
func (a *Aggregator) Aggregate(ctx context.Context, outcomes []worker.Outcome, dest string, kind experiment.Kind, table string) (*Report, error) {
	sorted := make([]worker.Outcome, len(outcomes))
	copy(sorted, outcomes)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Partition.Index < sorted[j].Partition.Index
	})

	report := &Report{
		Destination:       dest,
		Table:             table,
		PartitionsTotal:   len(sorted),
		PartitionsSkipped: []int{},
		PartitionsPartial: []int{},
		Partitions:        make([]PartitionResult, len(sorted)),
	}
	for i, o := range sorted {
		report.Partitions[i] = PartitionResult{
			Index:     o.Partition.Index,
			StorePath: o.Partition.StorePath,
			ExitCode:  o.ExitCode,
			Status:    StatusPending,
		}
	}

	dst, err := a.openDestination(ctx, dest, kind, table)
	if err != nil {
		return report, err
	}
	defer dst.Close()

	for i, o := range sorted {
		if err := ctx.Err(); err != nil {
			a.logger.Warn("aggregation interrupted", "next_partition", o.Partition.Index, "error", err)
			return report, err
		}

		res := &report.Partitions[i]
		rows, err := a.mergePartition(ctx, dst, o, kind, table)
		res.Rows = rows

		var mwe *MergeWriteError
		switch {
		case errors.As(err, &mwe):
			res.Status = StatusFailed
			res.Err = err
			res.Error = err.Error()
			a.logger.Error("merge failed", "partition", o.Partition.Index, "error", err)
			a.journal.Log("partition_failed", map[string]any{"partition": o.Partition.Index, "error": err.Error()})
			return report, err

		case err != nil:
			res.Status = StatusSkipped
			res.Err = err
			res.Error = err.Error()
			report.PartitionsSkipped = append(report.PartitionsSkipped, o.Partition.Index)
			a.logger.Warn("partition skipped", "partition", o.Partition.Index, "error", err)
			a.journal.Log("partition_skipped", map[string]any{"partition": o.Partition.Index, "error": err.Error()})

		case !o.Succeeded:
			res.Status = StatusPartial
			res.Err = o.Err()
			res.Error = res.Err.Error()
			report.PartitionsMerged++
			report.RowsInserted += rows
			report.PartitionsPartial = append(report.PartitionsPartial, o.Partition.Index)
			a.logger.Warn("partition partial", "partition", o.Partition.Index, "rows", rows, "exit_code", o.ExitCode)
			a.journal.Log("partition_partial", map[string]any{"partition": o.Partition.Index, "rows": rows, "exit_code": o.ExitCode})

		default:
			res.Status = StatusMerged
			report.PartitionsMerged++
			report.RowsInserted += rows
			a.logger.Debug("partition merged", "partition", o.Partition.Index, "rows", rows)
			a.journal.Log("partition_merged", map[string]any{"partition": o.Partition.Index, "rows": rows})
		}
	}

	a.logger.Info(report.Summary())
	return report, nil
}

// openDestination opens dest and makes sure table exists with a compatible
// schema.
func (a *Aggregator) openDestination(ctx context.Context, dest string, kind experiment.Kind, table string) (*store.ResultStore, error) {
	dst, err := store.Open(dest)
	if err != nil {
		return nil, &MergeWriteError{Partition: -1, Destination: dest, Err: err}
	}
	if err := dst.EnsureTable(ctx, table, kind); err != nil {
		dst.Close()
		return nil, &MergeWriteError{Partition: -1, Destination: dest, Err: err}
	}
	// An older table with a different layout would take positional inserts
	// into the wrong columns.
	if err := dst.VerifyTable(ctx, table, kind); err != nil {
		dst.Close()
		return nil, &MergeWriteError{Partition: -1, Destination: dest, Err: err}
	}
	return dst, nil
}

// mergePartition copies one partition's rows inside a single destination
// transaction and returns the number committed. Read failures come back as
// *StoreOpenError, write failures as *MergeWriteError.
func (a *Aggregator) mergePartition(ctx context.Context, dst *store.ResultStore, o worker.Outcome, kind experiment.Kind, table string) (int, error) {
	p := o.Partition
	src, err := store.OpenReadOnly(p.StorePath)
	if err != nil {
		return 0, &StoreOpenError{Partition: p.Index, Path: p.StorePath, Err: err}
	}
	defer src.Close()

	if err := src.CheckIntegrity(ctx); err != nil {
		return 0, &StoreOpenError{Partition: p.Index, Path: p.StorePath, Err: err}
	}
	if err := src.VerifyTable(ctx, table, kind); err != nil {
		return 0, &StoreOpenError{Partition: p.Index, Path: p.StorePath, Err: err}
	}

	app, err := dst.BeginAppend(ctx, table, kind)
	if err != nil {
		return 0, &MergeWriteError{Partition: p.Index, Destination: dst.Path(), Err: err}
	}

	err = src.ScanRows(ctx, table, kind, func(row store.Row) error {
		if err := app.Append(ctx, row); err != nil {
			return &MergeWriteError{Partition: p.Index, Destination: dst.Path(), Err: err}
		}
		return nil
	})
	if err != nil {
		if rbErr := app.Rollback(); rbErr != nil {
			a.logger.Warn("rollback failed", "partition", p.Index, "error", rbErr)
		}
		var mwe *MergeWriteError
		if errors.As(err, &mwe) {
			return 0, err
		}
		return 0, &StoreOpenError{Partition: p.Index, Path: p.StorePath, Err: err}
	}

	n := app.Count()
	if err := app.Commit(); err != nil {
		_ = app.Rollback()
		return 0, &MergeWriteError{Partition: p.Index, Destination: dst.Path(), Err: err}
	}
	return n, nil
}
