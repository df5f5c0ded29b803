package cmd

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/indexkeeper/internal/output"
	"github.com/Aman-CERP/indexkeeper/internal/roles"
)

func newRolesCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "roles",
		Short: "Show which index holds each role",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				holders := a.registry.IndicesByRole()
				if jsonOutput {
					byName := make(map[string]string, len(holders))
					for role, index := range holders {
						if index != "" {
							byName[string(role)] = index
						}
					}
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(byName)
				}

				out := output.NewAuto(cmd.OutOrStdout())
				for _, role := range roles.Assignable {
					index := holders[role]
					if index == "" {
						index = "(unassigned)"
					}
					out.Field(string(role), index)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func newAssignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assign <index> <LIVE|WORKING|NONE>",
		Short: "Assign a role to an index",
		Long: `Make an index the holder of a role. The previous holder loses the role
in the same update. An index holds at most one role, so promoting the
WORKING index to LIVE leaves WORKING unassigned. NONE clears the role the
index holds.`,
		Example: `  # Promote a restored index
  indexkeeper assign products_restored LIVE

  # Clear whatever role an index holds
  indexkeeper assign old_index NONE`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := roles.ParseRole(args[1])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(a *app) error {
				if err := a.registry.AssignRole(cmd.Context(), args[0], role); err != nil {
					return err
				}
				out := output.NewAuto(cmd.OutOrStdout())
				if role == roles.None {
					out.Successf("Cleared role of %s", args[0])
				} else {
					out.Successf("%s is now %s", args[0], role)
				}
				return nil
			})
		},
	}
}

func newBootstrapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap",
		Short: "Ensure LIVE and WORKING both have an index",
		Long: `Give every unassigned role an index. An existing index whose name starts
with the role's prefix is adopted; otherwise a new one named
<prefix>_<yyyyMMddHHmmss> is created.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				holders, err := a.registry.Bootstrap(cmd.Context())
				if err != nil {
					return err
				}
				out := output.NewAuto(cmd.OutOrStdout())
				out.Success("Roles ready")
				for _, role := range roles.Assignable {
					out.Field(string(role), holders[role])
				}
				return nil
			})
		},
	}
}
