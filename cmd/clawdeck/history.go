package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/clawdeck/clawdeck/internal/history"
)

// HistoryCmd shows recorded gateway lifecycle events.
func HistoryCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent gateway lifecycle events",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := history.Open(filepath.Join(cfg.DataDir, "history.db"))
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.Recent(context.Background(), limit)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(entries)
			}
			for _, e := range entries {
				line := fmt.Sprintf("%s  %-7s", e.At.Format(time.RFC3339), e.Kind)
				if e.State != "" {
					line += "  " + e.State
				}
				if e.PID != 0 {
					line += fmt.Sprintf("  pid=%d port=%d", e.PID, e.Port)
				}
				if e.Detail != "" {
					line += "  " + e.Detail
				}
				fmt.Println(line)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "number of events")
	return cmd
}
