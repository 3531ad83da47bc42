package experiment

import (
	"strings"

	"github.com/hoku-research/perform/internal/partition"
)

// Descriptor carries everything one run needs. It is built once from flags
// and config and passed by value to every stage.
type Descriptor struct {
	// Kind selects the result schema.
	Kind Kind `json:"kind" yaml:"kind"`

	// Table is the result table name, both in partition stores and in the
	// destination.
	Table string `json:"table" yaml:"table"`

	// Samples is the total number of trials requested.
	Samples int `json:"samples" yaml:"samples"`

	// Workers is the number of partitions (and child processes).
	Workers int `json:"workers" yaml:"workers"`

	// Destination is the path of the consolidated result store. Partition
	// stores are derived from it.
	Destination string `json:"destination" yaml:"destination"`

	// Program is the external simulation executable.
	Program string `json:"program" yaml:"program"`

	// Args are forwarded to Program ahead of the per-partition values.
	Args []string `json:"args,omitempty" yaml:"args,omitempty"`
}

// Validate checks the parameters needed to plan partitions and merge them.
func (d Descriptor) Validate() error {
	if !d.Kind.Valid() {
		return &partition.ConfigurationError{Field: "kind", Reason: "must be one of QUERY, REDUCTION, MAP"}
	}
	if d.Workers < 1 {
		return &partition.ConfigurationError{Field: "workers", Reason: "must be at least 1"}
	}
	if d.Samples < 0 {
		return &partition.ConfigurationError{Field: "samples", Reason: "must not be negative"}
	}
	if strings.TrimSpace(d.Destination) == "" {
		return &partition.ConfigurationError{Field: "destination", Reason: "is required"}
	}
	if !validIdentifier(d.Table) {
		return &partition.ConfigurationError{Field: "table", Reason: "must be a plain SQL identifier"}
	}
	return nil
}

// Plan partitions the descriptor's workload.
func (d Descriptor) Plan() ([]partition.Partition, error) {
	return partition.Plan(d.Samples, d.Workers, d.Destination)
}

// validIdentifier accepts [A-Za-z_][A-Za-z0-9_]*. Table names are spliced
// into SQL text, so nothing else is allowed through.
func validIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
