package aggregate

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/hoku-research/perform/internal/experiment"
	"github.com/hoku-research/perform/internal/partition"
	"github.com/hoku-research/perform/internal/store"
	"github.com/hoku-research/perform/internal/worker"
)

// sampleRow builds a row for kind whose numeric columns carry i.
func sampleRow(kind experiment.Kind, i int) store.Row {
	cols := kind.Schema()
	row := make(store.Row, len(cols))
	for c, col := range cols {
		switch col.Type {
		case experiment.Text:
			row[c] = fmt.Sprintf("%s-%d", col.Name, i)
		case experiment.Float:
			row[c] = float64(i) + 0.5
		default:
			row[c] = int64(i)
		}
	}
	return row
}

// writeStore creates a partition store at path holding n rows.
func writeStore(t *testing.T, path string, kind experiment.Kind, table string, n int) {
	t.Helper()
	ctx := context.Background()

	s, err := store.Open(path)
	if err != nil {
		t.Fatalf("Open(%s) error = %v", path, err)
	}
	defer s.Close()

	if err := s.EnsureTable(ctx, table, kind); err != nil {
		t.Fatalf("EnsureTable() error = %v", err)
	}
	app, err := s.BeginAppend(ctx, table, kind)
	if err != nil {
		t.Fatalf("BeginAppend() error = %v", err)
	}
	for i := 0; i < n; i++ {
		if err := app.Append(ctx, sampleRow(kind, i)); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	if err := app.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
}

// runPartitions plans total/workers, writes every store with its full
// sample count, and returns successful outcomes.
func runPartitions(t *testing.T, dest string, kind experiment.Kind, table string, total, workers int) []worker.Outcome {
	t.Helper()
	parts, err := partition.Plan(total, workers, dest)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	outcomes := make([]worker.Outcome, len(parts))
	for i, p := range parts {
		writeStore(t, p.StorePath, kind, table, p.SampleCount)
		outcomes[i] = worker.Outcome{Partition: p, Succeeded: true}
	}
	return outcomes
}

func countRows(t *testing.T, path, table string) int {
	t.Helper()
	s, err := store.OpenReadOnly(path)
	if err != nil {
		t.Fatalf("OpenReadOnly(%s) error = %v", path, err)
	}
	defer s.Close()
	n, err := s.CountRows(context.Background(), table)
	if err != nil {
		t.Fatalf("CountRows() error = %v", err)
	}
	return n
}

func readRows(t *testing.T, s *store.ResultStore, table string, kind experiment.Kind) []store.Row {
	t.Helper()
	var rows []store.Row
	err := s.ScanRows(context.Background(), table, kind, func(r store.Row) error {
		rows = append(rows, r)
		return nil
	})
	if err != nil {
		t.Fatalf("ScanRows() error = %v", err)
	}
	return rows
}

// corruptPage overwrites one page of the database file at path with 0xFF,
// leaving the schema page intact so the store still opens.
func corruptPage(t *testing.T, path string, page int) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	size := int(binary.BigEndian.Uint16(data[16:18]))
	if size == 1 {
		size = 65536
	}
	start := (page - 1) * size
	if len(data) < start+size {
		t.Fatalf("%s has %d bytes, too small to damage page %d", path, len(data), page)
	}
	for i := start; i < start+size; i++ {
		data[i] = 0xFF
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestAggregate_AllSucceed(t *testing.T) {
	tests := []struct {
		name     string
		kind     experiment.Kind
		total    int
		workers  int
		wantRows int
	}{
		{"query 1000 over 4", experiment.Query, 1000, 4, 1000},
		{"reduction 10 over 3", experiment.Reduction, 10, 3, 9},
		{"map single worker", experiment.Map, 7, 1, 7},
		{"zero samples", experiment.Query, 0, 2, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dest := filepath.Join(t.TempDir(), "lumberjack.db")
			outcomes := runPartitions(t, dest, tt.kind, "RESULTS", tt.total, tt.workers)

			report, err := New(nil, nil).Aggregate(context.Background(), outcomes, dest, tt.kind, "RESULTS")
			if err != nil {
				t.Fatalf("Aggregate() error = %v", err)
			}

			if report.RowsInserted != tt.wantRows {
				t.Errorf("RowsInserted = %d, want %d", report.RowsInserted, tt.wantRows)
			}
			if report.PartitionsMerged != tt.workers {
				t.Errorf("PartitionsMerged = %d, want %d", report.PartitionsMerged, tt.workers)
			}
			if !report.Complete() {
				t.Errorf("Complete() = false, report %s", report.Summary())
			}
			if got := countRows(t, dest, "RESULTS"); got != tt.wantRows {
				t.Errorf("destination rows = %d, want %d", got, tt.wantRows)
			}
			if got := len(report.ConfirmedPaths()); got != tt.workers {
				t.Errorf("ConfirmedPaths() has %d entries, want %d", got, tt.workers)
			}
		})
	}
}

func TestAggregate_PreservesRowValues(t *testing.T) {
	ctx := context.Background()
	dest := filepath.Join(t.TempDir(), "lumberjack.db")
	outcomes := runPartitions(t, dest, experiment.Map, "MAP_T", 4, 2)

	if _, err := New(nil, nil).Aggregate(ctx, outcomes, dest, experiment.Map, "MAP_T"); err != nil {
		t.Fatalf("Aggregate() error = %v", err)
	}

	s, err := store.OpenReadOnly(dest)
	if err != nil {
		t.Fatalf("OpenReadOnly() error = %v", err)
	}
	defer s.Close()
	rows := readRows(t, s, "MAP_T", experiment.Map)

	// Partition 0 then partition 1, each holding rows 0 and 1.
	want := []store.Row{
		sampleRow(experiment.Map, 0), sampleRow(experiment.Map, 1),
		sampleRow(experiment.Map, 0), sampleRow(experiment.Map, 1),
	}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Errorf("merged rows mismatch (-want +got):\n%s", diff)
	}
}

func TestAggregate_FailedWorkerIsPartial(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "lumberjack.db")
	parts, err := partition.Plan(1000, 4, dest)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}

	outcomes := make([]worker.Outcome, len(parts))
	for i, p := range parts {
		if i == 2 {
			// Worker 2 crashed after writing 50 rows.
			writeStore(t, p.StorePath, experiment.Query, "QUERY_T", 50)
			outcomes[i] = worker.Outcome{Partition: p, ExitCode: 3}
			continue
		}
		writeStore(t, p.StorePath, experiment.Query, "QUERY_T", p.SampleCount)
		outcomes[i] = worker.Outcome{Partition: p, Succeeded: true}
	}

	report, err := New(nil, nil).Aggregate(context.Background(), outcomes, dest, experiment.Query, "QUERY_T")
	if err != nil {
		t.Fatalf("Aggregate() error = %v", err)
	}

	if report.RowsInserted != 800 {
		t.Errorf("RowsInserted = %d, want 800", report.RowsInserted)
	}
	if report.Partitions[2].Rows != 50 {
		t.Errorf("partition 2 rows = %d, want 50", report.Partitions[2].Rows)
	}
	if report.Partitions[2].Status != StatusPartial {
		t.Errorf("partition 2 status = %s, want %s", report.Partitions[2].Status, StatusPartial)
	}
	if diff := cmp.Diff([]int{2}, report.PartitionsPartial); diff != "" {
		t.Errorf("PartitionsPartial mismatch (-want +got):\n%s", diff)
	}
	var exitErr *worker.ExitError
	if !errors.As(report.Partitions[2].Err, &exitErr) || exitErr.ExitCode != 3 {
		t.Errorf("partition 2 Err = %v, want *worker.ExitError with code 3", report.Partitions[2].Err)
	}
	if report.Complete() {
		t.Error("Complete() = true with a partial partition")
	}
	if got := len(report.ConfirmedPaths()); got != 4 {
		t.Errorf("ConfirmedPaths() has %d entries, want 4", got)
	}
}

func TestAggregate_SkipsUnreadableStores(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "lumberjack.db")
	parts, err := partition.Plan(30, 3, dest)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}

	// 0: good, 1: missing, 2: not a database.
	writeStore(t, parts[0].StorePath, experiment.Query, "QUERY_T", 10)
	if err := os.WriteFile(parts[2].StorePath, []byte(strings.Repeat("not a sqlite database ", 200)), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	outcomes := []worker.Outcome{
		{Partition: parts[0], Succeeded: true},
		{Partition: parts[1], Succeeded: true},
		{Partition: parts[2], Succeeded: true},
	}

	report, err := New(nil, nil).Aggregate(context.Background(), outcomes, dest, experiment.Query, "QUERY_T")
	if err != nil {
		t.Fatalf("Aggregate() error = %v", err)
	}

	if report.RowsInserted != 10 {
		t.Errorf("RowsInserted = %d, want 10", report.RowsInserted)
	}
	if diff := cmp.Diff([]int{1, 2}, report.PartitionsSkipped); diff != "" {
		t.Errorf("PartitionsSkipped mismatch (-want +got):\n%s", diff)
	}
	for _, i := range []int{1, 2} {
		var soe *StoreOpenError
		if !errors.As(report.Partitions[i].Err, &soe) {
			t.Errorf("partition %d Err = %v, want *StoreOpenError", i, report.Partitions[i].Err)
		}
	}
	var soe *StoreOpenError
	if errors.As(report.Partitions[1].Err, &soe) && !errors.Is(soe, store.ErrNotExist) {
		t.Errorf("missing store error = %v, want ErrNotExist", soe)
	}
	if diff := cmp.Diff([]string{parts[0].StorePath}, report.ConfirmedPaths()); diff != "" {
		t.Errorf("ConfirmedPaths() mismatch (-want +got):\n%s", diff)
	}

	want := "1 of 3 partitions merged, 10 rows total, partitions {1, 2} skipped, partitions {} partial"
	if got := report.Summary(); got != want {
		t.Errorf("Summary() = %q, want %q", got, want)
	}
}

func TestAggregate_SkipsStoreWithoutTable(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "lumberjack.db")
	parts, err := partition.Plan(10, 1, dest)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	// The worker wrote a different table than the one being merged.
	writeStore(t, parts[0].StorePath, experiment.Query, "OTHER_T", 10)

	report, err := New(nil, nil).Aggregate(context.Background(),
		[]worker.Outcome{{Partition: parts[0], Succeeded: true}}, dest, experiment.Query, "QUERY_T")
	if err != nil {
		t.Fatalf("Aggregate() error = %v", err)
	}
	if report.Partitions[0].Status != StatusSkipped {
		t.Errorf("status = %s, want %s", report.Partitions[0].Status, StatusSkipped)
	}
}

func TestAggregate_DestinationIdempotent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	dest := filepath.Join(dir, "lumberjack.db")
	agg := New(nil, nil)

	first := runPartitions(t, dest, experiment.Reduction, "RED_T", 20, 2)
	if _, err := agg.Aggregate(ctx, first, dest, experiment.Reduction, "RED_T"); err != nil {
		t.Fatalf("first Aggregate() error = %v", err)
	}
	for _, o := range first {
		if err := os.Remove(o.Partition.StorePath); err != nil {
			t.Fatalf("Remove() error = %v", err)
		}
	}

	// A second run into the same destination appends without recreating.
	second := runPartitions(t, dest, experiment.Reduction, "RED_T", 6, 3)
	report, err := agg.Aggregate(ctx, second, dest, experiment.Reduction, "RED_T")
	if err != nil {
		t.Fatalf("second Aggregate() error = %v", err)
	}
	if report.RowsInserted != 6 {
		t.Errorf("RowsInserted = %d, want 6", report.RowsInserted)
	}
	if got := countRows(t, dest, "RED_T"); got != 26 {
		t.Errorf("destination rows = %d, want 26", got)
	}
}

func TestAggregate_RetryAfterCleanupDoesNotDoubleCount(t *testing.T) {
	ctx := context.Background()
	dest := filepath.Join(t.TempDir(), "lumberjack.db")
	agg := New(nil, nil)

	outcomes := runPartitions(t, dest, experiment.Query, "QUERY_T", 40, 4)
	report, err := agg.Aggregate(ctx, outcomes, dest, experiment.Query, "QUERY_T")
	if err != nil {
		t.Fatalf("Aggregate() error = %v", err)
	}
	for _, p := range report.ConfirmedPaths() {
		if err := os.Remove(p); err != nil {
			t.Fatalf("Remove() error = %v", err)
		}
	}

	retry, err := agg.Aggregate(ctx, outcomes, dest, experiment.Query, "QUERY_T")
	if err != nil {
		t.Fatalf("retry Aggregate() error = %v", err)
	}
	if retry.RowsInserted != 0 {
		t.Errorf("retry RowsInserted = %d, want 0", retry.RowsInserted)
	}
	if len(retry.PartitionsSkipped) != 4 {
		t.Errorf("retry PartitionsSkipped = %v, want all 4", retry.PartitionsSkipped)
	}
	if got := countRows(t, dest, "QUERY_T"); got != 40 {
		t.Errorf("destination rows = %d, want 40", got)
	}
}

func TestAggregate_MergeWriteErrorStops(t *testing.T) {
	ctx := context.Background()
	dest := filepath.Join(t.TempDir(), "lumberjack.db")

	// The destination table rejects RunningTime >= 100.
	dst, err := store.Open(dest)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	_, err = dst.DB().ExecContext(ctx, `CREATE TABLE "QUERY_T" (
		IdentificationMethod TEXT, Timestamp TEXT, Epsilon1 FLOAT, Epsilon2 FLOAT, Epsilon3 FLOAT,
		CandidateSetSize FLOAT, RunningTime FLOAT CHECK (RunningTime < 100), SExistence INT)`)
	if err != nil {
		t.Fatalf("create table: %v", err)
	}
	dst.Close()

	parts, err := partition.Plan(300, 3, dest)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	writeStore(t, parts[0].StorePath, experiment.Query, "QUERY_T", 50)
	writeStore(t, parts[1].StorePath, experiment.Query, "QUERY_T", 100)
	writeStore(t, parts[2].StorePath, experiment.Query, "QUERY_T", 10)

	// Append one violating row to partition 1.
	src, err := store.Open(parts[1].StorePath)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	app, err := src.BeginAppend(ctx, "QUERY_T", experiment.Query)
	if err != nil {
		t.Fatalf("BeginAppend() error = %v", err)
	}
	if err := app.Append(ctx, sampleRow(experiment.Query, 500)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := app.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	src.Close()

	outcomes := []worker.Outcome{
		{Partition: parts[0], Succeeded: true},
		{Partition: parts[1], Succeeded: true},
		{Partition: parts[2], Succeeded: true},
	}
	report, err := New(nil, nil).Aggregate(ctx, outcomes, dest, experiment.Query, "QUERY_T")

	var mwe *MergeWriteError
	if !errors.As(err, &mwe) {
		t.Fatalf("Aggregate() error = %v, want *MergeWriteError", err)
	}
	if mwe.Partition != 1 {
		t.Errorf("MergeWriteError.Partition = %d, want 1", mwe.Partition)
	}

	wantStatus := []Status{StatusMerged, StatusFailed, StatusPending}
	for i, want := range wantStatus {
		if report.Partitions[i].Status != want {
			t.Errorf("partition %d status = %s, want %s", i, report.Partitions[i].Status, want)
		}
	}
	// Partition 1's first 100 rows were rolled back with it.
	if got := countRows(t, dest, "QUERY_T"); got != 50 {
		t.Errorf("destination rows = %d, want 50", got)
	}
	if diff := cmp.Diff([]string{parts[0].StorePath}, report.ConfirmedPaths()); diff != "" {
		t.Errorf("ConfirmedPaths() mismatch (-want +got):\n%s", diff)
	}
}

func TestAggregate_IncompatibleDestination(t *testing.T) {
	ctx := context.Background()
	dest := filepath.Join(t.TempDir(), "lumberjack.db")

	dst, err := store.Open(dest)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := dst.EnsureTable(ctx, "RESULTS", experiment.Query); err != nil {
		t.Fatalf("EnsureTable() error = %v", err)
	}
	dst.Close()

	outcomes := runPartitions(t, dest, experiment.Map, "RESULTS", 4, 2)
	report, err := New(nil, nil).Aggregate(ctx, outcomes, dest, experiment.Map, "RESULTS")

	var mwe *MergeWriteError
	if !errors.As(err, &mwe) || mwe.Partition != -1 {
		t.Fatalf("Aggregate() error = %v, want destination *MergeWriteError", err)
	}
	var mismatch *store.SchemaMismatch
	if !errors.As(err, &mismatch) {
		t.Errorf("error %v does not wrap *store.SchemaMismatch", err)
	}
	if report.PartitionsMerged != 0 {
		t.Errorf("PartitionsMerged = %d, want 0", report.PartitionsMerged)
	}
}

func TestAggregate_DestinationColumnLayout(t *testing.T) {
	tests := []struct {
		name   string
		create string
	}{
		{
			name: "reordered columns",
			create: `CREATE TABLE "QUERY_T" (
				SExistence INT, RunningTime FLOAT, CandidateSetSize FLOAT,
				Epsilon3 FLOAT, Epsilon2 FLOAT, Epsilon1 FLOAT,
				Timestamp TEXT, IdentificationMethod TEXT)`,
		},
		{
			name:   "extra trailing column",
			create: `CREATE TABLE "QUERY_T" (` + experiment.Query.SchemaSQL() + `, Note TEXT)`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			dest := filepath.Join(t.TempDir(), "lumberjack.db")

			dst, err := store.Open(dest)
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			if _, err := dst.DB().ExecContext(ctx, tt.create); err != nil {
				t.Fatalf("create table: %v", err)
			}
			dst.Close()

			outcomes := runPartitions(t, dest, experiment.Query, "QUERY_T", 4, 2)
			report, err := New(nil, nil).Aggregate(ctx, outcomes, dest, experiment.Query, "QUERY_T")
			if err != nil {
				t.Fatalf("Aggregate() error = %v", err)
			}
			if report.RowsInserted != 4 {
				t.Errorf("RowsInserted = %d, want 4", report.RowsInserted)
			}

			s, err := store.OpenReadOnly(dest)
			if err != nil {
				t.Fatalf("OpenReadOnly() error = %v", err)
			}
			defer s.Close()

			want := []store.Row{
				sampleRow(experiment.Query, 0), sampleRow(experiment.Query, 1),
				sampleRow(experiment.Query, 0), sampleRow(experiment.Query, 1),
			}
			if diff := cmp.Diff(want, readRows(t, s, "QUERY_T", experiment.Query)); diff != "" {
				t.Errorf("merged rows mismatch (-want +got):\n%s", diff)
			}

			var method string
			var exists sql.NullInt64
			err = s.DB().QueryRowContext(ctx, `SELECT IdentificationMethod, SExistence FROM "QUERY_T" LIMIT 1`).Scan(&method, &exists)
			if err != nil {
				t.Fatalf("select: %v", err)
			}
			if method != "IdentificationMethod-0" || !exists.Valid || exists.Int64 != 0 {
				t.Errorf("first row = (%q, %v), want (IdentificationMethod-0, 0)", method, exists)
			}
		})
	}
}

func TestAggregate_SkipsDamagedStore(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "lumberjack.db")
	parts, err := partition.Plan(2000, 2, dest)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	writeStore(t, parts[0].StorePath, experiment.Query, "QUERY_T", parts[0].SampleCount)
	writeStore(t, parts[1].StorePath, experiment.Query, "QUERY_T", parts[1].SampleCount)
	corruptPage(t, parts[1].StorePath, 3)

	outcomes := []worker.Outcome{
		{Partition: parts[0], Succeeded: true},
		{Partition: parts[1], Succeeded: true},
	}
	report, err := New(nil, nil).Aggregate(context.Background(), outcomes, dest, experiment.Query, "QUERY_T")
	if err != nil {
		t.Fatalf("Aggregate() error = %v", err)
	}

	if report.RowsInserted != 1000 {
		t.Errorf("RowsInserted = %d, want 1000", report.RowsInserted)
	}
	if diff := cmp.Diff([]int{1}, report.PartitionsSkipped); diff != "" {
		t.Errorf("PartitionsSkipped mismatch (-want +got):\n%s", diff)
	}
	var soe *StoreOpenError
	if !errors.As(report.Partitions[1].Err, &soe) {
		t.Errorf("partition 1 Err = %v, want *StoreOpenError", report.Partitions[1].Err)
	}
	if got := countRows(t, dest, "QUERY_T"); got != 1000 {
		t.Errorf("destination rows = %d, want 1000", got)
	}
	if diff := cmp.Diff([]string{parts[0].StorePath}, report.ConfirmedPaths()); diff != "" {
		t.Errorf("ConfirmedPaths() mismatch (-want +got):\n%s", diff)
	}
}

func TestAggregate_CanceledContext(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "lumberjack.db")
	outcomes := runPartitions(t, dest, experiment.Query, "QUERY_T", 4, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := New(nil, nil).Aggregate(ctx, outcomes, dest, experiment.Query, "QUERY_T")
	if err == nil {
		t.Fatal("Aggregate() error = nil, want context error")
	}
	if report.PartitionsMerged != 0 {
		t.Errorf("PartitionsMerged = %d, want 0", report.PartitionsMerged)
	}
}

func TestReport_SummaryFormat(t *testing.T) {
	r := &Report{
		PartitionsTotal:   4,
		PartitionsMerged:  3,
		RowsInserted:      800,
		PartitionsSkipped: []int{1},
		PartitionsPartial: []int{2, 3},
	}
	want := "3 of 4 partitions merged, 800 rows total, partitions {1} skipped, partitions {2, 3} partial"
	if got := r.Summary(); got != want {
		t.Errorf("Summary() = %q, want %q", got, want)
	}
}
