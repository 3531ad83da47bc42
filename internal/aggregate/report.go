package aggregate

import (
	"fmt"
	"strconv"
	"strings"
)

// Status is how one partition fared during aggregation.
type Status string

const (
	// StatusMerged: the worker exited zero and its rows are committed.
	StatusMerged Status = "merged"
	// StatusPartial: the worker failed but whatever rows it wrote are committed.
	StatusPartial Status = "partial"
	// StatusSkipped: the store could not be read; nothing was inserted.
	StatusSkipped Status = "skipped"
	// StatusFailed: the destination rejected the partition's rows.
	StatusFailed Status = "failed"
	// StatusPending: aggregation stopped before reaching the partition.
	StatusPending Status = "pending"
)

// PartitionResult is the per-partition detail of a Report.
type PartitionResult struct {
	Index     int    `json:"index"`
	StorePath string `json:"store_path"`
	Rows      int    `json:"rows"`
	Status    Status `json:"status"`
	ExitCode  int    `json:"exit_code"`
	Error     string `json:"error,omitempty"`

	Err error `json:"-"`
}

// Confirmed reports whether the partition's rows are committed to the
// destination.
func (r PartitionResult) Confirmed() bool {
	return r.Status == StatusMerged || r.Status == StatusPartial
}

// Report summarizes one aggregation.
type Report struct {
	Destination string `json:"destination"`
	Table       string `json:"table"`

	// PartitionsTotal is the number of outcomes handed to the aggregator.
	PartitionsTotal int `json:"partitions_total"`

	// PartitionsMerged counts partitions whose rows are committed, partial
	// ones included.
	PartitionsMerged int `json:"partitions_merged"`

	RowsInserted      int   `json:"rows_inserted"`
	PartitionsSkipped []int `json:"partitions_skipped"`
	PartitionsPartial []int `json:"partitions_partial"`

	Partitions []PartitionResult `json:"partitions"`
}

// Complete reports whether every partition merged cleanly.
func (r *Report) Complete() bool {
	if r == nil {
		return false
	}
	return r.PartitionsMerged == r.PartitionsTotal &&
		len(r.PartitionsSkipped) == 0 &&
		len(r.PartitionsPartial) == 0
}

// ConfirmedPaths returns the store paths of every partition whose rows are
// committed. Only these stores may be removed.
func (r *Report) ConfirmedPaths() []string {
	if r == nil {
		return nil
	}
	var paths []string
	for _, p := range r.Partitions {
		if p.Confirmed() {
			paths = append(paths, p.StorePath)
		}
	}
	return paths
}

// Summary renders the one-line run summary, e.g.
// "3 of 4 partitions merged, 750 rows total, partitions {2} skipped, partitions {} partial".
func (r *Report) Summary() string {
	return fmt.Sprintf("%d of %d partitions merged, %d rows total, partitions %s skipped, partitions %s partial",
		r.PartitionsMerged, r.PartitionsTotal, r.RowsInserted,
		indexSet(r.PartitionsSkipped), indexSet(r.PartitionsPartial))
}

func (r *Report) String() string {
	return r.Summary()
}

func indexSet(idx []int) string {
	parts := make([]string, len(idx))
	for i, n := range idx {
		parts[i] = strconv.Itoa(n)
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
