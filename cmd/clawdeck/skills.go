package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/clawdeck/clawdeck/internal/gateway"
)

// SkillsCmd groups skill operations.
func SkillsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skills",
		Short: "Inspect and update gateway skills",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show installed skills",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGateway(func(ctx context.Context, m *gateway.Manager) error {
				raw, err := m.RPC(ctx, "skills.status", nil, 0)
				if err != nil {
					return err
				}
				printResult(raw)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "update [name]",
		Short: "Update one skill, or all when no name is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]string{}
			if len(args) == 1 {
				params["name"] = args[0]
			}
			return withGateway(func(ctx context.Context, m *gateway.Manager) error {
				raw, err := m.RPC(ctx, "skills.update", params, 0)
				if err != nil {
					return err
				}
				printResult(raw)
				return nil
			})
		},
	})

	return cmd
}
