package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/hoku-research/perform/internal/experiment"
)

// CheckIntegrity runs PRAGMA quick_check and returns an error describing the
// first problem found.
func (s *ResultStore) CheckIntegrity(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `PRAGMA quick_check`)
	if err != nil {
		return fmt.Errorf("failed to run quick_check: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var result string
		if err := rows.Scan(&result); err != nil {
			return fmt.Errorf("failed to scan quick_check result: %w", err)
		}
		if result != "ok" {
			return fmt.Errorf("quick_check failed: %s", result)
		}
	}
	return rows.Err()
}

// SchemaMismatch describes how an existing table differs from a kind's schema.
type SchemaMismatch struct {
	Table   string
	Missing []string
}

func (m *SchemaMismatch) Error() string {
	return fmt.Sprintf("table %s is missing columns: %s", m.Table, strings.Join(m.Missing, ", "))
}

// VerifyTable checks that table exists and carries every column of the
// kind's schema. Column order and extra columns are allowed: reads and
// appends name the kind's columns explicitly.
func (s *ResultStore) VerifyTable(ctx context.Context, table string, kind experiment.Kind) error {
	exists, err := s.TableExists(ctx, table)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("table %s does not exist", table)
	}

	cols, err := s.Columns(ctx, table)
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(cols))
	for _, c := range cols {
		have[strings.ToLower(c)] = true
	}

	var missing []string
	for _, want := range kind.ColumnNames() {
		if !have[strings.ToLower(want)] {
			missing = append(missing, want)
		}
	}
	if len(missing) > 0 {
		return &SchemaMismatch{Table: table, Missing: missing}
	}
	return nil
}
