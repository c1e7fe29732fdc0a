package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/laneway/internal/config"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate the config file",
	}
	cmd.AddCommand(configCheckCmd())
	cmd.AddCommand(configShowCmd())
	return cmd
}

func configCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the config file and show which fields reload without a restart",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath()
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("config file: %w", err)
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			return writeConfigCheck(cmd.OutOrStdout(), path, cfg)
		},
	}
}

var knownFields = []string{
	config.FieldGateway,
	config.FieldTelemetry,
	config.FieldBindings,
	config.FieldRateLimit,
	config.FieldLanes,
	config.FieldDefaultAgent,
	config.FieldSessions,
}

func writeConfigCheck(w io.Writer, path string, cfg *config.Config) error {
	hot := make(map[string]bool, len(config.DefaultHotReloadFields))
	for _, f := range config.DefaultHotReloadFields {
		hot[f] = true
	}
	present := make(map[string]bool)
	for _, f := range cfg.FieldNames() {
		present[f] = true
	}

	names := append([]string(nil), knownFields...)
	for _, f := range cfg.FieldNames() {
		if !slices.Contains(knownFields, f) {
			names = append(names, f)
		}
	}

	rows := make([][]string, 0, len(names))
	for _, name := range names {
		reload := "restart"
		if hot[name] {
			reload = "hot"
		}
		source := "default"
		if present[name] {
			source = "file"
		}
		rows = append(rows, []string{name, reload, source})
	}

	fmt.Fprintf(w, "%s: ok (hash %s)\n\n", path, cfg.Hash())
	printTable(w, []string{"FIELD", "RELOAD", "SOURCE"}, rows)
	return nil
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective config with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(cfg.MaskedCopy(), "", "  ")
			if err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}
