package worker

import (
	"fmt"
	"strings"
)

// LaunchError means a child process could not be started at all, e.g. the
// program is missing or not executable. It is fatal for the run.
type LaunchError struct {
	Partition int
	Program   string
	Err       error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("partition %d: failed to launch %s: %v", e.Partition, e.Program, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// ExitError describes a child that ran but did not exit cleanly. It is not
// fatal: whatever rows the child wrote are still merged.
type ExitError struct {
	Partition int
	ExitCode  int
	TimedOut  bool
}

func (e *ExitError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("partition %d: worker killed after timeout", e.Partition)
	}
	return fmt.Sprintf("partition %d: worker exited with status %d", e.Partition, e.ExitCode)
}

// RunAbortedError reports that some partitions were never executed, either
// because a sibling failed to launch or because the run was canceled.
// Partitions that had already started were allowed to finish.
type RunAbortedError struct {
	Launch   []*LaunchError
	NeverRan []int
	Cause    error
}

func (e *RunAbortedError) Error() string {
	var b strings.Builder
	b.WriteString("run aborted")
	if len(e.Launch) > 0 {
		fmt.Fprintf(&b, ": %s", e.Launch[0].Error())
		if len(e.Launch) > 1 {
			fmt.Fprintf(&b, " (and %d more launch failures)", len(e.Launch)-1)
		}
	} else if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	if len(e.NeverRan) > 0 {
		fmt.Fprintf(&b, "; partitions never executed: %v", e.NeverRan)
	}
	return b.String()
}

// Unwrap exposes the first launch failure and the cancellation cause to
// errors.Is and errors.As.
func (e *RunAbortedError) Unwrap() []error {
	var errs []error
	for _, l := range e.Launch {
		errs = append(errs, l)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}
