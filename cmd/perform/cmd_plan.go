package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hoku-research/perform/internal/partition"
	"github.com/hoku-research/perform/internal/runner"
)

func newPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show how samples would be split across workers",
		Long: `Plan prints the partitions a run would use, their sample counts and store
paths, and how many samples the division drops. Nothing is launched or
written.

Example:
  perform plan --samples 10 --workers 3 --dest lumberjack.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			samples, _ := cmd.Flags().GetInt("samples")
			workers, _ := cmd.Flags().GetInt("workers")
			dest, _ := cmd.Flags().GetString("dest")

			parts, err := partition.Plan(samples, workers, dest)
			if err != nil {
				return &exitError{code: runner.ExitConfig, err: err}
			}
			dropped := partition.Dropped(samples, workers)

			out := cmd.OutOrStdout()
			if jsonOut {
				return json.NewEncoder(out).Encode(map[string]interface{}{
					"partitions": parts,
					"total":      partition.Total(parts),
					"dropped":    dropped,
				})
			}

			for _, p := range parts {
				fmt.Fprintf(out, "partition %d: %d samples -> %s\n", p.Index, p.SampleCount, p.StorePath)
			}
			fmt.Fprintf(out, "%d samples in %d partitions", partition.Total(parts), len(parts))
			if dropped > 0 {
				fmt.Fprintf(out, " (%d dropped)", dropped)
			}
			fmt.Fprintln(out)
			return nil
		},
	}

	cmd.Flags().Int("samples", 0, "Total number of trials")
	cmd.Flags().Int("workers", 1, "Number of partitions")
	cmd.Flags().String("dest", "", "Destination result store (required)")
	cmd.MarkFlagRequired("dest")

	return cmd
}
