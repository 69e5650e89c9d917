package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/clawdeck/clawdeck/internal/gateway"
)

// CronCmd groups gateway-side schedule operations.
func CronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage gateway schedules",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGateway(func(ctx context.Context, m *gateway.Manager) error {
				raw, err := m.RPC(ctx, "cron.list", nil, 0)
				if err != nil {
					return err
				}
				printResult(raw)
				return nil
			})
		},
	})

	var message string
	add := &cobra.Command{
		Use:   "add <name> <expression>",
		Short: "Add a schedule",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGateway(func(ctx context.Context, m *gateway.Manager) error {
				raw, err := m.RPC(ctx, "cron.add", map[string]string{
					"name":       args[0],
					"expression": args[1],
					"message":    message,
				}, 0)
				if err != nil {
					return err
				}
				printResult(raw)
				return nil
			})
		},
	}
	add.Flags().StringVar(&message, "message", "", "message delivered when the schedule fires")

	cmd.AddCommand(add)

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGateway(func(ctx context.Context, m *gateway.Manager) error {
				raw, err := m.RPC(ctx, "cron.remove", map[string]string{"name": args[0]}, 0)
				if err != nil {
					return err
				}
				printResult(raw)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "run <name>",
		Short: "Fire a schedule immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGateway(func(ctx context.Context, m *gateway.Manager) error {
				raw, err := m.RPC(ctx, "cron.run", map[string]string{"name": args[0]}, 0)
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
