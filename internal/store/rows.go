package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/hoku-research/perform/internal/experiment"
)

// Row is one result tuple in schema column order. Values are whatever the
// driver returns (int64, float64, string, []byte or nil) and are never
// inspected.
type Row []any

// ScanRows calls fn for every row of table, selecting the kind's columns in
// schema order. Iteration stops at the first error from fn, which is returned
// unchanged.
func (s *ResultStore) ScanRows(ctx context.Context, table string, kind experiment.Kind, fn func(Row) error) error {
	cols := kind.ColumnNames()
	if len(cols) == 0 {
		return fmt.Errorf("invalid experiment kind %v", kind)
	}
	query := fmt.Sprintf(`SELECT %s FROM %s`, columnList(kind), quoteIdent(table))

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		row := make(Row, len(cols))
		ptrs := make([]any, len(cols))
		for i := range row {
			ptrs[i] = &row[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("failed to scan row of %s: %w", table, err)
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate %s: %w", table, err)
	}
	return nil
}

// Appender inserts rows into one table inside a single transaction. Nothing
// it writes is visible until Commit succeeds.
type Appender struct {
	tx    *sql.Tx
	stmt  *sql.Stmt
	table string
	width int
	count int
}

// BeginAppend starts a transaction that appends full rows to table. Values
// are bound to the kind's columns by name, so the table's own column order
// does not matter and any extra columns take their defaults.
func (s *ResultStore) BeginAppend(ctx context.Context, table string, kind experiment.Kind) (*Appender, error) {
	if s.readOnly {
		return nil, fmt.Errorf("cannot append to read-only store %s", s.path)
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("invalid experiment kind %v", kind)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, quoteIdent(table), columnList(kind), kind.Placeholders())
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("failed to prepare insert into %s: %w", table, err)
	}

	return &Appender{tx: tx, stmt: stmt, table: table, width: kind.ColumnCount()}, nil
}

// Append inserts one row.
func (a *Appender) Append(ctx context.Context, row Row) error {
	if len(row) != a.width {
		return fmt.Errorf("row has %d values, %s expects %d", len(row), a.table, a.width)
	}
	if _, err := a.stmt.ExecContext(ctx, row...); err != nil {
		return fmt.Errorf("failed to insert into %s: %w", a.table, err)
	}
	a.count++
	return nil
}

// Count returns the number of rows appended so far.
func (a *Appender) Count() int {
	return a.count
}

// Commit makes the appended rows durable.
func (a *Appender) Commit() error {
	a.stmt.Close()
	if err := a.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit %s: %w", a.table, err)
	}
	return nil
}

// Rollback discards the appended rows. It is safe to call after Commit.
func (a *Appender) Rollback() error {
	a.stmt.Close()
	if err := a.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("failed to roll back %s: %w", a.table, err)
	}
	return nil
}

// columnList renders the kind's quoted column names in schema order.
func columnList(kind experiment.Kind) string {
	cols := kind.ColumnNames()
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}
	return strings.Join(quoted, ", ")
}
