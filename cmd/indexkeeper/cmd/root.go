// Package cmd provides the CLI commands for indexkeeper.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/indexkeeper/internal/config"
	"github.com/Aman-CERP/indexkeeper/internal/logging"
	"github.com/Aman-CERP/indexkeeper/pkg/version"
)

var (
	configPath     string
	debugMode      bool
	loggingCleanup func()
)

// NewRootCmd creates the root command for the indexkeeper CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "indexkeeper",
		Short: "Manage search index roles, snapshots and reindexing",
		Long: `indexkeeper manages the full-text indices behind a content repository.

Two roles point at concrete indices: LIVE serves published content and
WORKING receives drafts. Indices can be snapshotted into portable archives
and restored from them, and documents are reindexed in batches from a
directory of JSON files.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("indexkeeper version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default $XDG_CONFIG_HOME/indexkeeper/config.yaml)")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging to stderr and the log file")

	cmd.PersistentPreRunE = startLogging
	cmd.PersistentPostRunE = stopLogging

	// Index lifecycle
	cmd.AddCommand(newIndicesCmd())
	cmd.AddCommand(newCreateIndexCmd())
	cmd.AddCommand(newOpenIndexCmd())
	cmd.AddCommand(newCloseIndexCmd())
	cmd.AddCommand(newDeleteIndexCmd())

	// Roles
	cmd.AddCommand(newRolesCmd())
	cmd.AddCommand(newAssignCmd())
	cmd.AddCommand(newBootstrapCmd())

	// Snapshots
	cmd.AddCommand(newRepoCmd())
	cmd.AddCommand(newSnapshotCmd())
	cmd.AddCommand(newRestoreCmd())
	cmd.AddCommand(newInspectCmd())

	// Reindexing
	cmd.AddCommand(newReindexCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newJournalCmd())

	cmd.AddCommand(newDoctorCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

// Debug reports whether --debug was given.
func Debug() bool { return debugMode }

// startLogging installs the configured logger as the slog default. A config
// that cannot be loaded falls back to default logging; the command itself
// reports the config error.
func startLogging(_ *cobra.Command, _ []string) error {
	lc := logging.DefaultConfig()
	if cfg, err := config.Load(configPath); err == nil {
		lc = cfg.LogConfig()
	}
	lc.WriteToStderr = debugMode
	if debugMode {
		lc.Level = "debug"
	}

	logger, cleanup, err := logging.Setup(lc)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	loggingCleanup = cleanup
	slog.SetDefault(logger)
	slog.Debug("logging_started",
		slog.String("log_file", lc.FilePath),
		slog.String("version", version.Version))
	return nil
}

func stopLogging(_ *cobra.Command, _ []string) error {
	if loggingCleanup != nil {
		loggingCleanup()
		loggingCleanup = nil
	}
	return nil
}
