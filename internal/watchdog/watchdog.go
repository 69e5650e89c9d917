// Package watchdog periodically probes gateway health and restarts
// the gateway after repeated failures.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/clawdeck/clawdeck/internal/gateway"
)

// probeTimeout bounds one health probe including an on-demand start.
const probeTimeout = 30 * time.Second

// Target is the slice of the gateway manager the watchdog drives.
type Target interface {
	CheckHealth(ctx context.Context) gateway.Health
	Restart(ctx context.Context) error
	Status() gateway.Status
}

// Config controls probe cadence and the restart threshold.
type Config struct {
	Schedule  string // cron expression, e.g. "@every 1m"
	Threshold int    // consecutive failures before a restart
}

// Option configures a Watchdog.
type Option func(*Watchdog)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watchdog) { w.logger = l }
}

// WithProbeHook registers a callback invoked after every probe, used
// to persist outcomes.
func WithProbeHook(fn func(healthy bool, detail string)) Option {
	return func(w *Watchdog) { w.hook = fn }
}

// Watchdog schedules health probes via cron and restarts the gateway
// when the failure threshold is crossed.
type Watchdog struct {
	target Target
	cfg    Config
	logger *slog.Logger
	hook   func(healthy bool, detail string)

	cron *cron.Cron

	mu       sync.Mutex
	failures int
	running  bool
}

// New creates a Watchdog. Start must be called to begin probing.
func New(target Target, cfg Config, opts ...Option) *Watchdog {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 3
	}
	w := &Watchdog{
		target: target,
		cfg:    cfg,
		logger: slog.Default().With("component", "watchdog"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start schedules the probe. Calling Start on a running watchdog is a
// no-op.
func (w *Watchdog) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(w.cfg.Schedule, w.Probe); err != nil {
		return fmt.Errorf("schedule %q: %w", w.cfg.Schedule, err)
	}
	c.Start()
	w.cron = c
	w.running = true
	w.logger.Info("watchdog started", "schedule", w.cfg.Schedule, "threshold", w.cfg.Threshold)
	return nil
}

// Stop halts probing and waits for an in-flight probe to finish.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	c := w.cron
	w.cron = nil
	w.mu.Unlock()

	<-c.Stop().Done()
}

// Probe runs one health check cycle. Exported so the CLI can trigger
// an immediate check.
func (w *Watchdog) Probe() {
	st := w.target.Status()
	switch st.State {
	case gateway.StateStopped:
		// Deliberately stopped is not a failure.
		w.resetFailures()
		return

	case gateway.StateStarting, gateway.StateReconnecting:
		// Recovery is already in progress; leave the count alone and
		// let it play out.
		return

	case gateway.StateError:
		// The reconnect budget ran out. The watchdog is the last
		// recovery mechanism left, so these count toward a restart.
		w.observeFailure("gateway in error state: " + st.Err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	h := w.target.CheckHealth(ctx)
	if h.OK {
		if w.hook != nil {
			w.hook(true, "")
		}
		w.resetFailures()
		return
	}
	w.observeFailure(h.Error)
}

// observeFailure bumps the consecutive failure count and restarts the
// gateway once the threshold is crossed.
func (w *Watchdog) observeFailure(detail string) {
	if w.hook != nil {
		w.hook(false, detail)
	}
	w.mu.Lock()
	w.failures++
	failures := w.failures
	w.mu.Unlock()
	w.logger.Warn("health probe failed", "failures", failures, "error", detail)

	if failures < w.cfg.Threshold {
		return
	}

	w.logger.Warn("failure threshold crossed, restarting gateway", "failures", failures)
	w.resetFailures()
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	if err := w.target.Restart(ctx); err != nil {
		w.logger.Error("watchdog restart failed", "error", err)
	}
}

// Failures reports the current consecutive failure count.
func (w *Watchdog) Failures() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failures
}

func (w *Watchdog) resetFailures() {
	w.mu.Lock()
	w.failures = 0
	w.mu.Unlock()
}
