// Package store provides access to the SQLite result stores written by
// simulation workers and to the consolidated destination store.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/hoku-research/perform/internal/experiment"

	_ "modernc.org/sqlite" // SQLite driver
)

// ErrNotExist is returned by OpenReadOnly when the store file is absent.
var ErrNotExist = errors.New("result store does not exist")

// ResultStore is an open SQLite result store.
type ResultStore struct {
	db       *sql.DB
	path     string
	readOnly bool
}

// Open opens the store at path for reading and writing, creating the file if
// it does not exist. It is used for the destination store.
func Open(path string) (*ResultStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer; the aggregator is the destination's only client.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &ResultStore{db: db, path: path}, nil
}

// OpenReadOnly opens an existing store without creating it and rejects any
// write on the connection. It returns an error wrapping ErrNotExist when the
// file is missing.
func OpenReadOnly(path string) (*ResultStore, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotExist)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=query_only(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &ResultStore{db: db, path: path, readOnly: true}, nil
}

// Path returns the file the store was opened from.
func (s *ResultStore) Path() string {
	return s.path
}

// DB exposes the underlying handle for callers that need raw SQL, such as
// test fixtures standing in for the simulation program.
func (s *ResultStore) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *ResultStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// EnsureTable creates table with the kind's schema if it does not exist.
// An existing table is left untouched, rows and all.
func (s *ResultStore) EnsureTable(ctx context.Context, table string, kind experiment.Kind) error {
	if s.readOnly {
		return fmt.Errorf("cannot create table in read-only store %s", s.path)
	}
	if !kind.Valid() {
		return fmt.Errorf("invalid experiment kind %v", kind)
	}
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s)`, quoteIdent(table), kind.SchemaSQL())
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create table %s: %w", table, err)
	}
	return nil
}

// TableExists reports whether table is present in the store.
func (s *ResultStore) TableExists(ctx context.Context, table string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to look up table %s: %w", table, err)
	}
	return n > 0, nil
}

// Columns returns the column names of table in declaration order.
func (s *ResultStore) Columns(ctx context.Context, table string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, quoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("failed to read table info: %w", err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan table info: %w", err)
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

// CountRows returns the number of rows in table.
func (s *ResultStore) CountRows(ctx context.Context, table string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, quoteIdent(table))).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count rows in %s: %w", table, err)
	}
	return n, nil
}

// quoteIdent double-quotes a SQL identifier.
func quoteIdent(name string) string {
	out := make([]byte, 0, len(name)+2)
	out = append(out, '"')
	for i := 0; i < len(name); i++ {
		if name[i] == '"' {
			out = append(out, '"')
		}
		out = append(out, name[i])
	}
	return string(append(out, '"'))
}
