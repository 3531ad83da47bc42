// Package experiment defines the experiment kinds the runner understands and
// the descriptor that carries a run's parameters through every stage.
package experiment

import (
	"fmt"
	"strings"
)

// Kind identifies an experiment type. Each kind is bound to the column
// schema of the result table its trials write.
type Kind int

const (
	// Query measures candidate set size and running time of a catalog query.
	Query Kind = iota + 1
	// Reduction measures identification accuracy under image noise.
	Reduction
	// Map is Reduction with a fourth tolerance and an error-out flag.
	Map
)

// ColumnType is the declared SQLite affinity of a result column.
type ColumnType string

const (
	Text  ColumnType = "TEXT"
	Float ColumnType = "FLOAT"
	Int   ColumnType = "INT"
)

// Column is one named, typed column of a result table.
type Column struct {
	Name string
	Type ColumnType
}

var (
	querySchema = []Column{
		{"IdentificationMethod", Text},
		{"Timestamp", Text},
		{"Epsilon1", Float},
		{"Epsilon2", Float},
		{"Epsilon3", Float},
		{"CandidateSetSize", Float},
		{"RunningTime", Float},
		{"SExistence", Int},
	}

	reductionSchema = []Column{
		{"IdentificationMethod", Text},
		{"Timestamp", Text},
		{"Epsilon1", Float},
		{"Epsilon2", Float},
		{"Epsilon3", Float},
		{"ShiftDeviation", Float},
		{"FalseStars", Int},
		{"RemovedBlobs", Int},
		{"QueryCount", Int},
		{"TimeToResult", Float},
		{"PercentageCorrect", Float},
	}

	mapSchema = []Column{
		{"IdentificationMethod", Text},
		{"Timestamp", Text},
		{"Epsilon1", Float},
		{"Epsilon2", Float},
		{"Epsilon3", Float},
		{"Epsilon4", Float},
		{"ShiftDeviation", Float},
		{"FalseStars", Int},
		{"RemovedBlobs", Int},
		{"QueryCount", Int},
		{"TimeToResult", Float},
		{"PercentageCorrect", Float},
		{"IsErrorOut", Int},
	}
)

// Kinds lists every valid kind in declaration order.
func Kinds() []Kind {
	return []Kind{Query, Reduction, Map}
}

// ParseKind maps a case-insensitive name ("query", "REDUCTION", ...) to a Kind.
func ParseKind(s string) (Kind, error) {
	name := strings.TrimSpace(s)
	for _, k := range Kinds() {
		if strings.EqualFold(name, k.String()) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown experiment kind %q (valid: QUERY, REDUCTION, MAP)", s)
}

// String returns the upper-case kind name.
func (k Kind) String() string {
	switch k {
	case Query:
		return "QUERY"
	case Reduction:
		return "REDUCTION"
	case Map:
		return "MAP"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	switch k {
	case Query, Reduction, Map:
		return true
	default:
		return false
	}
}

// Schema returns a copy of the kind's ordered column list.
// It returns nil for an invalid kind.
func (k Kind) Schema() []Column {
	var cols []Column
	switch k {
	case Query:
		cols = querySchema
	case Reduction:
		cols = reductionSchema
	case Map:
		cols = mapSchema
	default:
		return nil
	}
	out := make([]Column, len(cols))
	copy(out, cols)
	return out
}

// ColumnCount returns the number of columns in the kind's result table.
func (k Kind) ColumnCount() int {
	return len(k.Schema())
}

// ColumnNames returns the column names in schema order.
func (k Kind) ColumnNames() []string {
	cols := k.Schema()
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}

// SchemaSQL renders the column definitions as used inside CREATE TABLE,
// e.g. "IdentificationMethod TEXT, Timestamp TEXT, ...".
func (k Kind) SchemaSQL() string {
	cols := k.Schema()
	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = c.Name + " " + string(c.Type)
	}
	return strings.Join(defs, ", ")
}

// Placeholders returns the bind list for a full-row insert, "?, ?, ..., ?".
func (k Kind) Placeholders() string {
	n := k.ColumnCount()
	if n == 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

// MarshalText implements encoding.TextMarshaler so kinds render by name in
// JSON reports and YAML config.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid experiment kind %d", int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
