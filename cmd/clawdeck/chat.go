package cli

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/clawdeck/clawdeck/internal/gateway"
)

// chatSendTimeout allows for a full model turn, not just transport.
const chatSendTimeout = 120 * time.Second

// ChatCmd groups chat operations.
func ChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Send messages and read chat history",
	}

	var session string

	send := &cobra.Command{
		Use:   "send <message...>",
		Short: "Send a chat message and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGateway(func(ctx context.Context, m *gateway.Manager) error {
				raw, err := m.RPC(ctx, "chat.send", map[string]string{
					"session": session,
					"text":    strings.Join(args, " "),
				}, chatSendTimeout)
				if err != nil {
					return err
				}
				printResult(raw)
				return nil
			})
		},
	}
	send.Flags().StringVar(&session, "session", "main", "target session")

	var limit int
	hist := &cobra.Command{
		Use:   "history",
		Short: "Show recent chat messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGateway(func(ctx context.Context, m *gateway.Manager) error {
				raw, err := m.RPC(ctx, "chat.history", map[string]any{
					"session": session,
					"limit":   limit,
				}, 0)
				if err != nil {
					return err
				}
				printResult(raw)
				return nil
			})
		},
	}
	hist.Flags().StringVar(&session, "session", "main", "target session")
	hist.Flags().IntVar(&limit, "limit", 20, "number of messages")

	cmd.AddCommand(send, hist)
	return cmd
}
