// Package worker launches the external simulation program once per
// partition and waits for every child to finish.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/hoku-research/perform/internal/experiment"
	"github.com/hoku-research/perform/internal/logging"
	"github.com/hoku-research/perform/internal/partition"
)

// Outcome is the result of one finished child process.
type Outcome struct {
	Partition partition.Partition `json:"partition"`
	ExitCode  int                 `json:"exit_code"`
	Succeeded bool                `json:"succeeded"`
	TimedOut  bool                `json:"timed_out,omitempty"`
	Duration  time.Duration       `json:"duration"`
}

// Err returns an *ExitError for a failed outcome and nil otherwise.
func (o Outcome) Err() error {
	if o.Succeeded {
		return nil
	}
	return &ExitError{Partition: o.Partition.Index, ExitCode: o.ExitCode, TimedOut: o.TimedOut}
}

// Invoker starts child processes for partitions.
type Invoker struct {
	// Timeout kills a child that runs longer than this. Zero disables it.
	Timeout time.Duration

	// LogDir, when set, receives partition-<index>.log with each child's
	// combined stdout and stderr. Otherwise Stdout and Stderr are used.
	LogDir string

	// Stdout and Stderr receive child output when LogDir is empty. Nil
	// discards it.
	Stdout io.Writer
	Stderr io.Writer

	Logger *slog.Logger
}

// Handle is a started child process.
type Handle struct {
	partition partition.Partition
	cmd       *exec.Cmd
	ctx       context.Context
	cancel    context.CancelFunc
	logFile   *os.File
	started   time.Time
	logger    *slog.Logger
}

// Start launches the program for p without waiting for it. Once started,
// the child is not tied to ctx: canceling ctx never kills it. A non-nil
// error is a *LaunchError, or ctx.Err() when ctx was already done.
func (inv *Invoker) Start(ctx context.Context, d experiment.Descriptor, p partition.Partition) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := inv.logger()

	var (
		childCtx context.Context
		cancel   context.CancelFunc
	)
	if inv.Timeout > 0 {
		childCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), inv.Timeout)
	} else {
		childCtx, cancel = context.WithCancel(context.WithoutCancel(ctx))
	}

	args := BuildArgs(d, p)
	cmd := exec.CommandContext(childCtx, d.Program, args...)

	var logFile *os.File
	if inv.LogDir != "" {
		if err := os.MkdirAll(inv.LogDir, 0755); err != nil {
			cancel()
			return nil, &LaunchError{Partition: p.Index, Program: d.Program, Err: fmt.Errorf("creating log directory: %w", err)}
		}
		f, err := os.Create(filepath.Join(inv.LogDir, fmt.Sprintf("partition-%d.log", p.Index)))
		if err != nil {
			cancel()
			return nil, &LaunchError{Partition: p.Index, Program: d.Program, Err: fmt.Errorf("creating log file: %w", err)}
		}
		logFile = f
		cmd.Stdout = f
		cmd.Stderr = f
	} else {
		cmd.Stdout = inv.Stdout
		cmd.Stderr = inv.Stderr
	}

	logger.Debug("launching worker", "partition", p.Index, "program", d.Program, "samples", p.SampleCount, "store", p.StorePath)
	logger.Log(ctx, logging.LevelTrace, "worker argv", "partition", p.Index, "args", args)

	started := time.Now()
	if err := cmd.Start(); err != nil {
		cancel()
		if logFile != nil {
			logFile.Close()
		}
		return nil, &LaunchError{Partition: p.Index, Program: d.Program, Err: err}
	}
	logger.Debug("worker started", "partition", p.Index, "pid", cmd.Process.Pid)

	return &Handle{
		partition: p,
		cmd:       cmd,
		ctx:       childCtx,
		cancel:    cancel,
		logFile:   logFile,
		started:   started,
		logger:    logger,
	}, nil
}

// Partition returns the partition the handle runs.
func (h *Handle) Partition() partition.Partition {
	return h.partition
}

// Wait blocks until the child exits and reports how it ended.
func (h *Handle) Wait() Outcome {
	err := h.cmd.Wait()
	timedOut := errors.Is(h.ctx.Err(), context.DeadlineExceeded)
	h.cancel()
	if h.logFile != nil {
		h.logFile.Close()
	}

	out := Outcome{
		Partition: h.partition,
		Duration:  time.Since(h.started),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		out.Succeeded = true
	case timedOut:
		out.TimedOut = true
		out.ExitCode = -1
	case errors.As(err, &exitErr):
		out.ExitCode = exitErr.ExitCode()
	default:
		// Output copying failed; the process itself may have exited cleanly.
		out.ExitCode = -1
		if h.cmd.ProcessState != nil {
			out.ExitCode = h.cmd.ProcessState.ExitCode()
		}
		h.logger.Warn("worker wait failed", "partition", h.partition.Index, "error", err)
	}

	if out.Succeeded {
		h.logger.Debug("worker finished", "partition", h.partition.Index, "duration", out.Duration)
	} else {
		h.logger.Warn("worker failed", "partition", h.partition.Index, "exit_code", out.ExitCode, "timed_out", out.TimedOut)
	}
	return out
}

// Invoke starts the child for p and waits for it. A non-zero exit is
// reported in the Outcome, not as an error; the error is reserved for a
// child that never started.
func (inv *Invoker) Invoke(ctx context.Context, d experiment.Descriptor, p partition.Partition) (Outcome, error) {
	h, err := inv.Start(ctx, d, p)
	if err != nil {
		return Outcome{Partition: p, ExitCode: -1}, err
	}
	return h.Wait(), nil
}

func (inv *Invoker) logger() *slog.Logger {
	if inv.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return inv.Logger
}
