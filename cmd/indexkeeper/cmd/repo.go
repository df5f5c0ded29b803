package cmd

import (
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/indexkeeper/internal/output"
)

func newRepoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repo",
		Short: "Manage snapshot repositories",
		Long: `Manage named snapshot repositories. A repository is a directory that
holds snapshots; by default it lives under snapshot.repository_base.`,
	}

	cmd.AddCommand(newRepoCreateCmd())
	cmd.AddCommand(newRepoDeleteCmd())
	cmd.AddCommand(newRepoListCmd())
	return cmd
}

func newRepoListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered repositories and their snapshot counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				out := output.NewAuto(cmd.OutOrStdout())
				repos := a.store.Repositories()
				if len(repos) == 0 {
					out.Status("", "No repositories registered")
					return nil
				}

				names := make([]string, 0, len(repos))
				for name := range repos {
					names = append(names, name)
				}
				sort.Strings(names)

				rows := make([][]string, 0, len(names))
				for _, name := range names {
					count := "?"
					if snaps, err := a.store.ListSnapshots(cmd.Context(), name); err == nil {
						count = strconv.Itoa(len(snaps))
					}
					rows = append(rows, []string{name, repos[name], count})
				}
				out.Table([]string{"NAME", "LOCATION", "SNAPSHOTS"}, rows)
				return nil
			})
		},
	}
}

func newRepoCreateCmd() *cobra.Command {
	var location string

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Register a snapshot repository",
		Example: `  indexkeeper repo create nightly
  indexkeeper repo create offsite --location /mnt/backup/offsite`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				if err := a.repos.CreateRepository(cmd.Context(), args[0], location); err != nil {
					return err
				}
				loc, _ := a.repos.Location(args[0])
				out := output.NewAuto(cmd.OutOrStdout())
				out.Successf("Repository %s ready", args[0])
				out.Field("location", loc)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&location, "location", "", "Directory for the repository (default <repository_base>/<name>)")
	return cmd
}

func newRepoDeleteCmd() *cobra.Command {
	var purge bool

	cmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Unregister a snapshot repository",
		Long: `Unregister a snapshot repository. Its files are kept unless --purge is
given. Deleting an unknown repository succeeds.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				var err error
				if purge {
					err = a.repos.PurgeRepository(cmd.Context(), args[0])
				} else {
					err = a.repos.DeleteRepository(cmd.Context(), args[0])
				}
				if err != nil {
					return err
				}
				output.NewAuto(cmd.OutOrStdout()).Successf("Repository %s removed", args[0])
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&purge, "purge", false, "Also remove the repository files")
	return cmd
}
