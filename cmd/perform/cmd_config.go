package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hoku-research/perform/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect perform configuration",
		Long: `View perform configuration settings.

Configuration is read from ~/.perform/config.yaml and PERFORM_* environment
variables.

Examples:
  perform config list                 # Show effective settings
  perform config get worker.timeout   # Show a single setting`,
	}

	cmd.AddCommand(
		newConfigListCmd(),
		newConfigGetCmd(),
	)

	return cmd
}

func newConfigListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return json.NewEncoder(out).Encode(cfg)
			}

			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			_, err = out.Write(data)
			return err
		},
	}
}

func newConfigGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Get a configuration value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			key := args[0]

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			value, found := getConfigValue(cfg, key)
			if !found {
				return fmt.Errorf("unknown configuration key: %s", key)
			}

			if jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]interface{}{
					"key":   key,
					"value": value,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s = %v\n", key, value)
			return nil
		},
	}
}

// getConfigValue retrieves a configuration value by dot-notation key.
func getConfigValue(cfg *config.PerformConfig, key string) (interface{}, bool) {
	switch key {
	case "program":
		return cfg.Program, true
	case "workers":
		return cfg.Workers, true
	case "journal_dir":
		return cfg.JournalDir, true
	case "worker.timeout":
		return cfg.Worker.Timeout.String(), true
	case "worker.log_dir":
		return cfg.Worker.LogDir, true
	case "worker.max_parallel":
		return cfg.Worker.MaxParallel, true
	case "cleanup.keep_intermediates":
		return cfg.Cleanup.KeepIntermediates, true
	case "logging.level":
		return cfg.Logging.Level, true
	default:
		return nil, false
	}
}
