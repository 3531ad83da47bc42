// Package config provides unified configuration loading for perform.
// It supports loading from YAML files and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PerformConfig contains all perform configuration settings.
type PerformConfig struct {
	// Program is the simulation executable launched once per partition.
	Program string `json:"program" yaml:"program"`

	// Workers is the default number of partitions when --workers is not given.
	Workers int `json:"workers" yaml:"workers"`

	// JournalDir holds runs.jsonl at debug and trace level.
	JournalDir string `json:"journal_dir" yaml:"journal_dir"`

	// Worker contains settings for child process management.
	Worker WorkerConfig `json:"worker" yaml:"worker"`

	// Cleanup contains settings for intermediate store removal.
	Cleanup CleanupConfig `json:"cleanup" yaml:"cleanup"`

	// Logging contains settings for operational and journal logging.
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// WorkerConfig configures how child processes are run.
type WorkerConfig struct {
	// Timeout kills a child that runs longer than this. Zero means no limit.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// LogDir captures each child's output to partition-<i>.log. Empty
	// inherits the runner's stdout and stderr.
	LogDir string `json:"log_dir,omitempty" yaml:"log_dir,omitempty"`

	// MaxParallel caps concurrently running children. Zero runs every
	// partition at once.
	MaxParallel int `json:"max_parallel,omitempty" yaml:"max_parallel,omitempty"`
}

// CleanupConfig configures intermediate store removal.
type CleanupConfig struct {
	// KeepIntermediates leaves partition stores on disk after merging.
	KeepIntermediates bool `json:"keep_intermediates" yaml:"keep_intermediates"`
}

// LoggingConfig configures perform's logging behavior.
type LoggingConfig struct {
	// Level sets the log verbosity: "info" (default), "debug", or "trace".
	// "debug" enables the run journal.
	// "trace" additionally logs each child's full argument vector.
	Level string `json:"level" yaml:"level"`
}

// Default returns a PerformConfig with sensible defaults.
func Default() *PerformConfig {
	return &PerformConfig{
		Program: "bin/PerformE",
		Workers: 1,
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// DefaultPath returns ~/.perform/config.yaml.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, ".perform", "config.yaml"), nil
}

// Load loads configuration from the default locations and environment variables.
// Order: defaults -> ~/.perform/config.yaml -> environment variables
func Load() (*PerformConfig, error) {
	config := Default()

	// Try to load from default config file
	if configPath, err := DefaultPath(); err == nil {
		if _, statErr := os.Stat(configPath); statErr == nil {
			fileConfig, loadErr := LoadFromFile(configPath)
			if loadErr != nil {
				return nil, fmt.Errorf("loading config file: %w", loadErr)
			}
			config = fileConfig
		}
	}

	// Apply environment variable overrides
	applyEnvOverrides(config)

	return config, nil
}

// LoadPath loads the file at path, or the default locations when path is
// empty, then applies environment overrides.
func LoadPath(path string) (*PerformConfig, error) {
	if path == "" {
		return Load()
	}
	config, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	applyEnvOverrides(config)
	return config, nil
}

// LoadFromFile loads configuration from a specific YAML file.
func LoadFromFile(path string) (*PerformConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Expand environment variables in paths
	config.Program = expandEnvVars(config.Program)
	config.JournalDir = expandEnvVars(config.JournalDir)
	config.Worker.LogDir = expandEnvVars(config.Worker.LogDir)

	return config, nil
}

// Validate checks that the configuration is valid.
func (c *PerformConfig) Validate() error {
	if c.Workers < 0 {
		return fmt.Errorf("workers must be non-negative, got %d", c.Workers)
	}

	if c.Worker.Timeout < 0 {
		return fmt.Errorf("worker.timeout must be non-negative, got %v", c.Worker.Timeout)
	}

	if c.Worker.MaxParallel < 0 {
		return fmt.Errorf("worker.max_parallel must be non-negative, got %d", c.Worker.MaxParallel)
	}

	validLevels := map[string]bool{"info": true, "debug": true, "trace": true}
	if c.Logging.Level != "" && !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: info, debug, trace, or empty for default)", c.Logging.Level)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
func applyEnvOverrides(config *PerformConfig) {
	if v := os.Getenv("PERFORM_PROGRAM"); v != "" {
		config.Program = v
	}

	if v := os.Getenv("PERFORM_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Workers = n
		}
	}

	if v := os.Getenv("PERFORM_JOURNAL_DIR"); v != "" {
		config.JournalDir = v
	}

	if v := os.Getenv("PERFORM_WORKER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Worker.Timeout = d
		}
	}

	if v := os.Getenv("PERFORM_WORKER_LOG_DIR"); v != "" {
		config.Worker.LogDir = v
	}

	if v := os.Getenv("PERFORM_MAX_PARALLEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Worker.MaxParallel = n
		}
	}

	if v := os.Getenv("PERFORM_KEEP_INTERMEDIATES"); v != "" {
		config.Cleanup.KeepIntermediates = v == "true" || v == "1"
	}

	if v := os.Getenv("PERFORM_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
}

// expandEnvVars expands ${VAR} patterns in a string with environment variable values.
func expandEnvVars(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, os.Getenv)
}
