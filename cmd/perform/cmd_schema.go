package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hoku-research/perform/internal/experiment"
	"github.com/hoku-research/perform/internal/partition"
	"github.com/hoku-research/perform/internal/runner"
)

func newSchemaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the result table schema of an experiment kind",
		Long: `Schema prints the ordered result columns for an experiment kind. With
--sql it prints the column list in the form passed to the {schema} token.

Examples:
  perform schema --kind QUERY
  perform schema --kind MAP --sql`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			sqlOut, _ := cmd.Flags().GetBool("sql")
			name, _ := cmd.Flags().GetString("kind")

			kind, err := experiment.ParseKind(name)
			if err != nil {
				return &exitError{code: runner.ExitConfig, err: &partition.ConfigurationError{Field: "kind", Reason: err.Error()}}
			}

			out := cmd.OutOrStdout()
			switch {
			case jsonOut:
				cols := make([]map[string]string, 0, kind.ColumnCount())
				for _, c := range kind.Schema() {
					cols = append(cols, map[string]string{"name": c.Name, "type": string(c.Type)})
				}
				return json.NewEncoder(out).Encode(map[string]interface{}{
					"kind":    kind.String(),
					"columns": cols,
				})
			case sqlOut:
				fmt.Fprintln(out, kind.SchemaSQL())
			default:
				fmt.Fprintf(out, "%s (%d columns):\n", kind, kind.ColumnCount())
				for i, c := range kind.Schema() {
					fmt.Fprintf(out, "  %2d  %-22s %s\n", i+1, c.Name, c.Type)
				}
			}
			return nil
		},
	}

	cmd.Flags().String("kind", "", "Experiment kind: QUERY, REDUCTION or MAP (required)")
	cmd.Flags().Bool("sql", false, "Print the SQL column list")
	cmd.MarkFlagRequired("kind")

	return cmd
}
