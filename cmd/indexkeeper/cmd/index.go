package cmd

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/indexkeeper/internal/output"
	"github.com/Aman-CERP/indexkeeper/internal/roles"
)

// indexRow is one line of the indices listing.
type indexRow struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	Role     string `json:"role"`
	DocCount uint64 `json:"doc_count"`
}

func newIndicesCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "indices",
		Short: "List indices with their state and role",
		Example: `  indexkeeper indices
  indexkeeper indices --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				infos, err := a.store.ListIndices(cmd.Context())
				if err != nil {
					return err
				}
				rows := make([]indexRow, len(infos))
				for i, info := range infos {
					rows[i] = indexRow{
						Name:     info.Name,
						State:    string(info.State),
						Role:     string(a.registry.RoleOf(info.Name)),
						DocCount: info.DocCount,
					}
				}

				if jsonOutput {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(rows)
				}

				out := output.NewAuto(cmd.OutOrStdout())
				if len(rows) == 0 {
					out.Status("", "No indices. Create one with 'indexkeeper create-index' or 'indexkeeper bootstrap'.")
					return nil
				}
				table := make([][]string, len(rows))
				for i, r := range rows {
					docs := "-"
					if r.State == "OPEN" {
						docs = strconv.FormatUint(r.DocCount, 10)
					}
					role := r.Role
					if role == string(roles.None) {
						role = ""
					}
					table[i] = []string{r.Name, r.State, role, docs}
				}
				out.Table([]string{"INDEX", "STATE", "ROLE", "DOCS"}, table)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func newCreateIndexCmd() *cobra.Command {
	var role string

	cmd := &cobra.Command{
		Use:   "create-index <name>",
		Short: "Create an empty index",
		Long: `Create an empty, open index. With --role the new index is assigned
that role in the same command.`,
		Example: `  indexkeeper create-index products_v2
  indexkeeper create-index working_20240101120000 --role WORKING`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := roles.ParseRole(role)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(a *app) error {
				if err := a.store.CreateIndex(cmd.Context(), args[0]); err != nil {
					return err
				}
				out := output.NewAuto(cmd.OutOrStdout())
				out.Successf("Created index %s", args[0])
				if target == roles.None {
					return nil
				}
				if err := a.registry.AssignRole(cmd.Context(), args[0], target); err != nil {
					return err
				}
				out.Successf("Assigned %s to %s", target, args[0])
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&role, "role", "", "Assign LIVE or WORKING after creating")
	return cmd
}

func newOpenIndexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "open <name>",
		Short: "Open a closed index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				if err := a.store.OpenIndex(cmd.Context(), args[0]); err != nil {
					return err
				}
				output.NewAuto(cmd.OutOrStdout()).Successf("Opened index %s", args[0])
				return nil
			})
		},
	}
}

func newCloseIndexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close <name>",
		Short: "Close an open index",
		Long: `Close an open index. A closed index keeps its data, rejects reads and
writes, and can be replaced by a restore.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				if err := a.store.CloseIndex(cmd.Context(), args[0]); err != nil {
					return err
				}
				out := output.NewAuto(cmd.OutOrStdout())
				out.Successf("Closed index %s", args[0])
				if role := a.registry.RoleOf(args[0]); role != roles.None {
					out.Warningf("%s still holds the %s role", args[0], role)
				}
				return nil
			})
		},
	}
}

func newDeleteIndexCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "delete-index <name>",
		Short: "Delete an index and its data",
		Long: `Delete an index and its data. An index holding a role is only deleted
with --force, which also clears the role.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			return withApp(cmd.Context(), func(a *app) error {
				role := a.registry.RoleOf(name)
				if role != roles.None {
					if !force {
						return fmt.Errorf("index %s holds the %s role; pass --force to delete it anyway", name, role)
					}
					if err := a.registry.AssignRole(cmd.Context(), name, roles.None); err != nil {
						return err
					}
				}
				if err := a.store.DeleteIndex(cmd.Context(), name); err != nil {
					return err
				}
				output.NewAuto(cmd.OutOrStdout()).Successf("Deleted index %s", name)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Delete even if the index holds a role")
	return cmd
}
