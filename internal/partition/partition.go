// Package partition splits a trial workload into equal per-worker chunks,
// each with its own result store.
package partition

import (
	"fmt"
	"strconv"
)

// Partition is one worker's share of the workload. Partitions are created
// before any worker starts and never change afterwards.
type Partition struct {
	Index       int    `json:"index"`
	SampleCount int    `json:"sample_count"`
	StorePath   string `json:"store_path"`
}

// ConfigurationError reports an invalid run parameter. Nothing has been
// launched when one is returned.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s %s", e.Field, e.Reason)
}

// Plan divides totalSamples across workerCount partitions.
//
// Every partition receives totalSamples/workerCount samples. The remainder of
// the division is dropped, not redistributed: downstream consumers expect
// exactly base*workerCount trials. Use Dropped to report it.
func Plan(totalSamples, workerCount int, basePath string) ([]Partition, error) {
	if workerCount < 1 {
		return nil, &ConfigurationError{Field: "workers", Reason: fmt.Sprintf("must be at least 1, got %d", workerCount)}
	}
	if totalSamples < 0 {
		return nil, &ConfigurationError{Field: "samples", Reason: fmt.Sprintf("must not be negative, got %d", totalSamples)}
	}

	base := totalSamples / workerCount
	parts := make([]Partition, workerCount)
	for i := range parts {
		parts[i] = Partition{
			Index:       i,
			SampleCount: base,
			StorePath:   StorePath(basePath, i),
		}
	}
	return parts, nil
}

// StorePath derives the result store location of partition index from the
// destination base path: "<base>-<index>".
func StorePath(basePath string, index int) string {
	return basePath + "-" + strconv.Itoa(index)
}

// Dropped returns how many requested samples Plan leaves unassigned.
func Dropped(totalSamples, workerCount int) int {
	if workerCount < 1 || totalSamples < 0 {
		return 0
	}
	return totalSamples % workerCount
}

// Total sums the sample counts of parts.
func Total(parts []Partition) int {
	n := 0
	for _, p := range parts {
		n += p.SampleCount
	}
	return n
}
