// Package cli implements the clawdeck command tree.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/clawdeck/clawdeck/internal/config"
	"github.com/clawdeck/clawdeck/internal/gateway"
	"github.com/clawdeck/clawdeck/internal/identity"
	"github.com/clawdeck/clawdeck/internal/logging"
)

var (
	configPath string
	verbose    bool
	jsonOut    bool
)

// SetupRootCmd builds the root command with all subcommands attached.
func SetupRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "clawdeck",
		Short:         "Desktop control deck for the claw gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.Setup(verbose)
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.clawdeck/config.yaml)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	root.PersistentFlags().BoolVar(&jsonOut, "json", false, "machine-readable output")

	root.AddCommand(
		RunCmd(),
		StatusCmd(),
		RPCCmd(),
		ChatCmd(),
		SessionsCmd(),
		CronCmd(),
		SkillsCmd(),
		HistoryCmd(),
		IdentityCmd(),
	)
	return root
}

// Execute runs the CLI.
func Execute() {
	if err := SetupRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the effective configuration, honoring --config.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFrom(configPath)
	}
	return config.Load()
}

// buildManager assembles the full gateway stack from config.
func buildManager(cfg *config.Config) (*gateway.Manager, error) {
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, err
	}
	if err := cfg.LoadDotEnv(); err != nil {
		logging.Component("config").Warn("loading .env failed", "error", err)
	}

	ident, err := identity.LoadOrCreate(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("load device identity: %w", err)
	}
	return gateway.NewManager(cfg, identity.NewSigner(ident)), nil
}

// withGateway runs fn against a started gateway, then shuts it down.
// One-shot commands spawn the gateway for the duration of the call;
// `clawdeck run` is the long-lived mode.
func withGateway(fn func(ctx context.Context, m *gateway.Manager) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	m, err := buildManager(cfg)
	if err != nil {
		return err
	}
	ctx := context.Background()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		m.Close(stopCtx)
	}()
	return fn(ctx, m)
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printResult renders an RPC result: raw JSON in --json mode,
// indented otherwise.
func printResult(raw json.RawMessage) {
	if len(raw) == 0 {
		fmt.Println("ok")
		return
	}
	if jsonOut {
		fmt.Println(string(raw))
		return
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		fmt.Println(string(raw))
		return
	}
	printJSON(v)
}
