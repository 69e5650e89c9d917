package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/clawdeck/clawdeck/internal/gateway"
)

// StatusCmd reports gateway state and health.
func StatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show gateway state and health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGateway(func(ctx context.Context, m *gateway.Manager) error {
				if err := m.Start(ctx); err != nil {
					return err
				}
				st := m.Status()
				health := m.CheckHealth(ctx)

				if jsonOut {
					return printJSON(struct {
						gateway.Status
						Health gateway.Health `json:"health"`
						Scopes []string       `json:"scopes,omitempty"`
					}{st, health, m.GrantedScopes()})
				}

				fmt.Printf("State:  %s\n", st.State)
				if st.PID != 0 {
					fmt.Printf("PID:    %d\n", st.PID)
					fmt.Printf("Port:   %d\n", st.Port)
				}
				if st.Err != "" {
					fmt.Printf("Error:  %s\n", st.Err)
				}
				if health.OK {
					fmt.Println("Health: ok")
				} else {
					fmt.Printf("Health: failing (%s)\n", health.Error)
				}
				if scopes := m.GrantedScopes(); len(scopes) > 0 {
					fmt.Printf("Scopes: %v\n", scopes)
				}
				return nil
			})
		},
	}
}
