package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/clawdeck/clawdeck/internal/config"
	"github.com/clawdeck/clawdeck/internal/gateway"
	"github.com/clawdeck/clawdeck/internal/history"
	"github.com/clawdeck/clawdeck/internal/logging"
	"github.com/clawdeck/clawdeck/internal/watchdog"
)

// RunCmd starts the gateway and keeps it supervised until interrupted.
func RunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the gateway and supervise it until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runGateway(cfg)
		},
	}
}

func runGateway(cfg *config.Config) error {
	logger := logging.Component("run")

	m, err := buildManager(cfg)
	if err != nil {
		return err
	}

	store, err := history.Open(filepath.Join(cfg.DataDir, "history.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	// Every transition lands in the event log.
	unsubStatus := m.SubscribeStatus(func(st gateway.Status) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.RecordStatus(ctx, string(st.State), st.Port, st.PID, st.Err); err != nil {
			logger.Warn("recording status failed", "error", err)
		}
		fmt.Printf("gateway: %s", st.State)
		if st.PID != 0 {
			fmt.Printf(" (pid %d, port %d)", st.PID, st.Port)
		}
		if st.Err != "" {
			fmt.Printf(" error: %s", st.Err)
		}
		fmt.Println()
	})
	defer unsubStatus()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Printf("\nReceived %v, shutting down...\n", sig)
		cancel()
	}()

	if err := m.Start(ctx); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}

	var dog *watchdog.Watchdog
	if cfg.Watchdog.Enabled {
		dog = watchdog.New(m, watchdog.Config{
			Schedule:  cfg.Watchdog.Schedule,
			Threshold: cfg.Watchdog.FailureThreshold,
		}, watchdog.WithProbeHook(func(healthy bool, detail string) {
			if healthy {
				return
			}
			probeCtx, probeCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer probeCancel()
			store.RecordCrash(probeCtx, "health probe failed: "+detail)
		}))
		if err := dog.Start(); err != nil {
			return fmt.Errorf("start watchdog: %w", err)
		}
		defer dog.Stop()
	}

	// Restart on config edits so new settings take effect.
	go func() {
		path := effectiveConfigPath()
		err := config.Watch(ctx, path, func(updated *config.Config) {
			logger.Info("config changed, restarting gateway")
			restartCtx, restartCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer restartCancel()
			if err := m.Restart(restartCtx); err != nil {
				logger.Error("restart after config change failed", "error", err)
			}
		})
		if err != nil {
			logger.Warn("config watch unavailable", "error", err)
		}
	}()

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	return m.Close(stopCtx)
}

func effectiveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultPath()
}
