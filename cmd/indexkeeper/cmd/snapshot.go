package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zip"
	"github.com/spf13/cobra"

	"github.com/Aman-CERP/indexkeeper/internal/output"
	"github.com/Aman-CERP/indexkeeper/internal/preflight"
	"github.com/Aman-CERP/indexkeeper/internal/roles"
	"github.com/Aman-CERP/indexkeeper/internal/snapshot"
)

func newSnapshotCmd() *cobra.Command {
	var repo string

	cmd := &cobra.Command{
		Use:   "snapshot <index> <snapshot-name>",
		Short: "Snapshot an index into a portable archive",
		Long: `Snapshot an index into a repository and pack it into a zip archive under
snapshot.archive_dir. The repository is created if needed. The archive can
be restored on any machine with 'indexkeeper restore'.`,
		Example: `  indexkeeper snapshot live_20240101120000 before-migration
  indexkeeper snapshot products nightly-42 --repo nightly`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				archive, err := a.snapshots.CreateSnapshot(cmd.Context(), repo, args[1], args[0])
				if err != nil {
					return err
				}
				out := output.NewAuto(cmd.OutOrStdout())
				out.Successf("Snapshot %s of %s written", archive.Descriptor.Snapshot, archive.Descriptor.Index)
				out.Field("archive", archive.Path)
				out.Field("documents", archive.Descriptor.DocCount)
				out.Field("size", fmt.Sprintf("%d bytes", archive.Size))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&repo, "repo", "default", "Repository to snapshot into")
	return cmd
}

func newRestoreCmd() *cobra.Command {
	var (
		conflictCheck bool
		promote       string
	)

	cmd := &cobra.Command{
		Use:   "restore <archive.zip>",
		Short: "Restore an index from a snapshot archive",
		Long: `Restore the index packed in a snapshot archive. The index comes back
under its original name. A failed restore leaves no scratch directory,
temporary repository or partial index behind; anything that could not be
cleaned up is listed.

With --conflict-check an open index of the same name aborts the restore.
With --promote the restored index is assigned the given role afterwards.`,
		Example: `  indexkeeper restore ~/archives/default-nightly-20240101120000.zip
  indexkeeper restore backup.zip --promote LIVE`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := roles.ParseRole(promote)
			if err != nil {
				return err
			}
			need, err := archiveSize(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(a *app) error {
				if err := preflight.EnsureFreeSpace(a.cfg.Snapshot.ScratchDir, need); err != nil {
					return err
				}
				out := output.NewAuto(cmd.OutOrStdout())
				res, err := a.snapshots.UploadSnapshotFile(cmd.Context(), args[0], a.cfg.Snapshot.ScratchDir, conflictCheck)
				if err != nil {
					var stepErr *snapshot.StepError
					if errors.As(err, &stepErr) && !stepErr.CleanupOK() {
						out.Warning("Cleanup incomplete; remove these by hand:")
						for _, orphan := range stepErr.Orphans {
							out.Status("", orphan)
						}
					}
					return err
				}

				out.Successf("Restored index %s", res.Index)
				out.Field("snapshot", res.Descriptor.Snapshot)
				out.Field("state", res.State)
				out.Field("documents", res.Descriptor.DocCount)

				if role == roles.None {
					return nil
				}
				if err := a.registry.AssignRole(cmd.Context(), res.Index, role); err != nil {
					return err
				}
				out.Successf("%s is now %s", res.Index, role)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&conflictCheck, "conflict-check", false, "Fail if an open index has the same name")
	cmd.Flags().StringVar(&promote, "promote", "", "Assign LIVE or WORKING to the restored index")
	return cmd
}

func newInspectCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "inspect <archive.zip>",
		Short: "Show what a snapshot archive contains",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			zr, err := zip.OpenReader(args[0])
			if err != nil {
				return fmt.Errorf("failed to open archive %s: %w", args[0], err)
			}
			defer func() { _ = zr.Close() }()

			desc, err := snapshot.ReadDescriptor(&zr.Reader)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(desc)
			}
			out := output.NewAuto(cmd.OutOrStdout())
			out.Header(args[0])
			out.Field("index", desc.Index)
			out.Field("snapshot", desc.Snapshot)
			out.Field("repository", desc.Repository)
			out.Field("created", desc.CreatedAt.Format("2006-01-02 15:04:05 MST"))
			out.Field("documents", desc.DocCount)
			out.Field("files", len(zr.File))
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

// archiveSize sums the uncompressed size of every archive entry. Restore
// extracts all of them into the scratch directory.
func archiveSize(path string) (uint64, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open archive %s: %w", path, err)
	}
	defer func() { _ = zr.Close() }()

	var total uint64
	for _, f := range zr.File {
		total += f.UncompressedSize64
	}
	return total, nil
}
