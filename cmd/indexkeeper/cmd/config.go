package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Aman-CERP/indexkeeper/configs"
	"github.com/Aman-CERP/indexkeeper/internal/config"
	"github.com/Aman-CERP/indexkeeper/internal/output"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long: `Manage the indexkeeper configuration file.

Configuration precedence (lowest to highest):
  1. Hardcoded defaults
  2. Config file (--config, or ~/.config/indexkeeper/config.yaml)
  3. Environment variables (INDEXKEEPER_*)`,
		Example: `  # Create a config file with defaults
  indexkeeper config init

  # Show effective configuration
  indexkeeper config show

  # Print config file path
  indexkeeper config path`,
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigPathCmd())

	return cmd
}

// configFile is the file config commands read and write.
func configFile() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func newConfigInitCmd() *cobra.Command {
	var force, defaults bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create configuration file",
		Long: `Write a commented configuration file. Every value in it is the default;
machine-specific paths stay commented out and are derived from data_dir.

With --defaults the file instead holds every setting fully expanded for
this machine, without comments.`,
		Example: `  indexkeeper config init
  indexkeeper config init --force
  indexkeeper config init --defaults`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := output.NewAuto(cmd.OutOrStdout())
			path := configFile()

			if _, err := os.Stat(path); err == nil && !force {
				out.Warning("Configuration already exists")
				out.Field("Location", path)
				out.Status("", "Use --force to overwrite it with defaults")
				return nil
			}

			if defaults {
				if err := config.NewConfig().WriteYAML(path); err != nil {
					return err
				}
			} else if err := writeTemplate(path); err != nil {
				return err
			}
			out.Success("Created configuration")
			out.Field("Location", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing configuration")
	cmd.Flags().BoolVar(&defaults, "defaults", false, "Write expanded defaults instead of the commented template")
	return cmd
}

func writeTemplate(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(configs.ConfigTemplate), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func newConfigShowCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		Long:  `Show the configuration after merging defaults, the config file and environment variables.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(cfg)
			}

			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print config file path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), configFile())
			return err
		},
	}
}
