// Package logging provides leveled logging and a run journal for perform.
// It offers two complementary outputs:
//   - A leveled slog.Logger for stderr (operational output)
//   - A RunJournal for structured JSONL run events (<journal_dir>/runs.jsonl)
package logging

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LevelTrace is a custom slog level below Debug for full content logging.
// At this level, child argument vectors and per-row details are included.
const LevelTrace = slog.LevelDebug - 4

// JournalFile is the file name of the run journal inside its directory.
const JournalFile = "runs.jsonl"

// ParseLevel maps a string level name to a slog.Level.
// Supported values: "info", "debug", "trace" (case-insensitive).
// Unknown values default to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "trace":
		return LevelTrace
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a leveled slog.Logger writing to w.
func NewLogger(level string, w io.Writer) *slog.Logger {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Label the custom trace level
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// RunJournal appends structured run events to a JSONL file.
// It is safe for concurrent use. A nil RunJournal is safe to use;
// all methods are no-ops on nil receiver.
type RunJournal struct {
	mu    sync.Mutex
	file  *os.File
	runID string
}

// NewRunJournal opens dir/runs.jsonl for append, tagging every event with
// runID. At "info" level (the default) it returns nil and creates no file.
// Returns nil if the file cannot be opened. All methods are nil-safe.
func NewRunJournal(dir, level, runID string) *RunJournal {
	if ParseLevel(level) == slog.LevelInfo || dir == "" {
		return nil
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil
	}

	path := filepath.Join(dir, JournalFile)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil
	}

	return &RunJournal{file: f, runID: runID}
}

// Log writes one event as a single JSONL line. "time", "run_id" and "event"
// fields are added automatically. The caller's map is not mutated.
// Safe to call on nil receiver.
func (j *RunJournal) Log(event string, fields map[string]any) {
	if j == nil || j.file == nil {
		return
	}

	entry := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		entry[k] = v
	}
	entry["event"] = event
	entry["run_id"] = j.runID
	entry["time"] = time.Now().UTC().Format(time.RFC3339Nano)

	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	data = append(data, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	_, _ = j.file.Write(data)
}

// Close closes the underlying file. Safe to call on nil receiver.
func (j *RunJournal) Close() {
	if j == nil {
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file != nil {
		j.file.Close()
		j.file = nil
	}
}
