package cli

import (
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/clawdeck/clawdeck/internal/identity"
)

// IdentityCmd shows the device identity, creating it on first use.
func IdentityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "identity",
		Short: "Show the device identity used for gateway authentication",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.EnsureDataDir(); err != nil {
				return err
			}
			ident, err := identity.LoadOrCreate(cfg.DataDir)
			if err != nil {
				return err
			}

			if jsonOut {
				return printJSON(map[string]string{
					"deviceId":  ident.DeviceID,
					"clientId":  ident.ClientID,
					"publicKey": base64.StdEncoding.EncodeToString(ident.PublicKey()),
				})
			}
			fmt.Printf("Device ID:  %s\n", ident.DeviceID)
			fmt.Printf("Client ID:  %s\n", ident.ClientID)
			fmt.Printf("Public key: %s\n", base64.StdEncoding.EncodeToString(ident.PublicKey()))
			return nil
		},
	}
}
