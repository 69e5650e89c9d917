package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/clawdeck/clawdeck/internal/gateway"
)

// RPCCmd is a generic RPC passthrough for debugging and scripting.
func RPCCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "rpc <method> [params-json]",
		Short: "Invoke a gateway method directly",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var params json.RawMessage
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return fmt.Errorf("params are not valid JSON")
				}
				params = json.RawMessage(args[1])
			}

			return withGateway(func(ctx context.Context, m *gateway.Manager) error {
				raw, err := m.RPC(ctx, args[0], params, timeout)
				if err != nil {
					return err
				}
				printResult(raw)
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "per-call timeout (default 30s)")
	return cmd
}
