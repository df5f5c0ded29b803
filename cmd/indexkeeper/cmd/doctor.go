package cmd

import (
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/indexkeeper/internal/config"
	"github.com/Aman-CERP/indexkeeper/internal/preflight"
)

// doctorReport is the --json output of doctor.
type doctorReport struct {
	Status string                  `json:"status"`
	Checks []preflight.CheckResult `json:"checks"`
}

func newDoctorCmd() *cobra.Command {
	var (
		verbose    bool
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the host and the data directory",
		Long: `Run diagnostics to ensure indexkeeper can operate correctly.

Checks:
  - Disk space under data_dir (100MB minimum)
  - Write permissions for data, archive and scratch directories
  - Content directory presence
  - File descriptor limit (1024 minimum)
  - Catalog readable, and LIVE and WORKING held by open indices

Unassigned or closed role holders are warnings.`,
		Example: `  indexkeeper doctor
  indexkeeper doctor --verbose
  indexkeeper doctor --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			checker := preflight.New(
				preflight.WithVerbose(verbose),
				preflight.WithOutput(cmd.OutOrStdout()),
			)

			results := checker.RunAll(ctx, preflight.Paths{
				DataDir:    cfg.DataDir,
				ArchiveDir: cfg.Snapshot.ArchiveDir,
				ScratchDir: cfg.Snapshot.ScratchDir,
				ContentDir: cfg.Content.Dir,
			}, nil)

			appErr := withApp(ctx, func(a *app) error {
				results = append(results, preflight.CheckResult{
					Name: "catalog", Status: preflight.StatusPass, Message: a.catalog.Path(), Required: true,
				})
				rc := &preflight.RoleCheck{Holders: a.registry, Store: a.store}
				results = append(results, rc.Run(ctx)...)
				return nil
			})
			if appErr != nil {
				results = append(results, preflight.CheckResult{
					Name: "catalog", Status: preflight.StatusFail, Message: appErr.Error(), Required: true,
				})
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(doctorReport{Status: checker.SummaryStatus(results), Checks: results}); err != nil {
					return err
				}
			} else {
				checker.PrintResults(results)
			}

			if checker.HasCriticalFailures(results) {
				return errors.New("system check failed")
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show detailed diagnostic info")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}
