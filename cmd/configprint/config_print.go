package configprint

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"initsync/internal/config"
	"initsync/pkg/log"
)

var (
	sectionFlag string
	formatFlag  string
)

var ConfigPrintCmd = &cobra.Command{
	Use:   "config-print",
	Short: "Print the current configuration",
	Long: `Print the loaded configuration or a specific section of it.
Supports YAML and JSON output formats. Passwords are never printed.`,
	Example: `  # Print entire config
  initsync config-print

  # Print specific section
  initsync config-print --section sync_source
  initsync config-print --section clone

  # Print in YAML format
  initsync config-print --section postgres --format yaml`,
	RunE: run,
}

func init() {
	ConfigPrintCmd.Flags().StringVarP(&sectionFlag, "section", "s", "",
		"print only a specific section (sync_source, local, clone, postgres, log_level, id)")
	ConfigPrintCmd.Flags().StringVarP(&formatFlag, "format", "f", "json",
		"output format (yaml|json)")
}

func run(cmd *cobra.Command, _ []string) error {
	logger := log.Logger.With().Str("component", "config_print").Logger()

	cfg, err := config.NewConfig()
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load configuration")
		return err
	}

	output, err := getSection(cfg, sectionFlag)
	if err != nil {
		logger.Error().Err(err).Str("section", sectionFlag).Msg("Invalid section")
		return err
	}
	logger.Debug().Str("section", sectionFlag).Str("format", formatFlag).Msg("Printing configuration")

	return render(cmd.OutOrStdout(), output, formatFlag, logger)
}

func getSection(cfg *config.Config, section string) (interface{}, error) {
	switch section {
	case "":
		return cfg, nil
	case "sync_source":
		return cfg.SyncSource, nil
	case "local":
		return cfg.Local, nil
	case "clone":
		return cfg.Clone, nil
	case "postgres":
		return cfg.Postgres, nil
	case "log_level":
		return map[string]string{"log_level": cfg.LogLevel}, nil
	case "id":
		return map[string]string{"id": cfg.ID}, nil
	default:
		return nil,
			fmt.Errorf(
				"unknown section: %s (valid: sync_source, local, clone, postgres, id, log_level)",
				section,
			)
	}
}

func render(out io.Writer, data interface{}, format string, logger zerolog.Logger) error {
	// JSON first so the json tags decide field names and hide secrets.
	encoded, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}

	switch format {
	case "json":
		_, err = fmt.Fprintln(out, string(encoded))
		return err
	case "yaml":
		var node yaml.Node
		if err := yaml.Unmarshal(encoded, &node); err != nil {
			return fmt.Errorf("failed to convert configuration to YAML: %w", err)
		}
		content, err := yaml.Marshal(&node)
		if err != nil {
			logger.Error().Err(err).Msg("failed to encode YAML")
			return fmt.Errorf("failed to encode YAML: %w", err)
		}
		_, err = out.Write(content)
		return err
	default:
		return fmt.Errorf("unsupported format: %s (use 'yaml' or 'json')", format)
	}
}
