package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/clawdeck/clawdeck/internal/gateway"
)

// SessionsCmd groups session operations.
func SessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect gateway sessions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List active sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGateway(func(ctx context.Context, m *gateway.Manager) error {
				raw, err := m.RPC(ctx, "sessions.list", nil, 0)
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
