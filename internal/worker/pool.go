package worker

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hoku-research/perform/internal/experiment"
	"github.com/hoku-research/perform/internal/partition"
)

// Launcher starts one partition's child. *Invoker is the production
// implementation; tests substitute fakes.
type Launcher interface {
	Start(ctx context.Context, d experiment.Descriptor, p partition.Partition) (Waiter, error)
}

// Waiter blocks until a started child exits.
type Waiter interface {
	Wait() Outcome
}

// invokerLauncher adapts *Invoker, whose Start returns a concrete *Handle.
type invokerLauncher struct{ inv *Invoker }

func (l invokerLauncher) Start(ctx context.Context, d experiment.Descriptor, p partition.Partition) (Waiter, error) {
	h, err := l.inv.Start(ctx, d, p)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Pool runs one child process per partition and waits for all of them.
type Pool struct {
	launcher Launcher
	limit    int
	logger   *slog.Logger

	// OnOutcome, if set, is called from the waiting goroutine as each child
	// finishes. It must be safe for concurrent use.
	OnOutcome func(Outcome)
}

// NewPool returns a pool that launches children through inv. A limit of zero
// or less runs every partition at once.
func NewPool(inv *Invoker, limit int, logger *slog.Logger) *Pool {
	return NewPoolWithLauncher(invokerLauncher{inv: inv}, limit, logger)
}

// NewPoolWithLauncher returns a pool backed by an arbitrary Launcher.
func NewPoolWithLauncher(l Launcher, limit int, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Pool{launcher: l, limit: limit, logger: logger}
}

// Run launches every partition, at most limit at a time, and returns once
// every started child has exited. Outcomes are sorted by partition index.
//
// Children that exit non-zero do not stop the run. If a child cannot be
// launched, or ctx is canceled, no further children are started; those
// already running are left to finish, and Run returns their outcomes along
// with a *RunAbortedError naming the partitions that never ran.
func (p *Pool) Run(ctx context.Context, d experiment.Descriptor, parts []partition.Partition) ([]Outcome, error) {
	if len(parts) == 0 {
		return nil, nil
	}

	limit := p.limit
	if limit <= 0 || limit > len(parts) {
		limit = len(parts)
	}

	var (
		g        errgroup.Group
		launchMu sync.Mutex // serializes launches against the abort flag
		mu       sync.Mutex
		aborted  bool
		abortErr RunAbortedError
		outcomes = make([]Outcome, 0, len(parts))
	)
	g.SetLimit(limit)

	stop := func() bool {
		launchMu.Lock()
		defer launchMu.Unlock()
		if !aborted && ctx.Err() != nil {
			aborted = true
			abortErr.Cause = ctx.Err()
		}
		return aborted
	}

	dispatched := 0
	for _, part := range parts {
		if stop() {
			break
		}
		dispatched++
		g.Go(func() error {
			launchMu.Lock()
			if aborted {
				abortErr.NeverRan = append(abortErr.NeverRan, part.Index)
				launchMu.Unlock()
				return nil
			}
			h, err := p.launcher.Start(ctx, d, part)
			if err != nil {
				aborted = true
				var le *LaunchError
				if errors.As(err, &le) {
					abortErr.Launch = append(abortErr.Launch, le)
					p.logger.Error("worker launch failed", "partition", part.Index, "error", err)
				} else {
					abortErr.Cause = err
				}
				abortErr.NeverRan = append(abortErr.NeverRan, part.Index)
				launchMu.Unlock()
				return nil
			}
			launchMu.Unlock()

			out := h.Wait()
			if p.OnOutcome != nil {
				p.OnOutcome(out)
			}
			mu.Lock()
			outcomes = append(outcomes, out)
			mu.Unlock()
			return nil
		})
	}

	// Every goroutine returns nil; Wait is the barrier.
	_ = g.Wait()

	for _, part := range parts[dispatched:] {
		abortErr.NeverRan = append(abortErr.NeverRan, part.Index)
	}

	sort.Slice(outcomes, func(i, j int) bool {
		return outcomes[i].Partition.Index < outcomes[j].Partition.Index
	})

	if aborted {
		sort.Ints(abortErr.NeverRan)
		p.logger.Warn("run aborted", "started", len(outcomes), "never_ran", abortErr.NeverRan)
		return outcomes, &abortErr
	}
	return outcomes, nil
}
