package gateway

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"sync"
	"syscall"
	"time"
)

// defaultGracePeriod is how long Terminate waits after SIGTERM before
// force-killing the process.
const defaultGracePeriod = 5 * time.Second

// SupervisorConfig describes how to launch the gateway subprocess.
type SupervisorConfig struct {
	Command     string
	Args        []string
	Dir         string
	Env         map[string]string // merged over the parent environment
	GracePeriod time.Duration
}

// Supervisor owns the gateway child process: spawn, liveness, graceful
// termination. It holds no connection state; that belongs to the state
// machine.
type Supervisor struct {
	cfg    SupervisorConfig
	logger *slog.Logger
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithSupervisorLogger sets a custom logger.
func WithSupervisorLogger(l *slog.Logger) SupervisorOption {
	return func(s *Supervisor) { s.logger = l }
}

// NewSupervisor creates a Supervisor.
func NewSupervisor(cfg SupervisorConfig, opts ...SupervisorOption) *Supervisor {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	s := &Supervisor{
		cfg:    cfg,
		logger: slog.Default().With("component", "supervisor"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle is one spawned gateway process. Done is closed when the
// process exits, however that happens.
type Handle struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu      sync.Mutex
	exitErr error
}

// PID returns the OS process id.
func (h *Handle) PID() int {
	return h.cmd.Process.Pid
}

// Done returns a channel closed when the process has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Alive is a non-blocking liveness probe.
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// ExitErr returns the process's exit error once Done is closed.
func (h *Handle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

// Spawn launches the gateway subprocess. Stdout and stderr are
// captured line by line and forwarded to the logger.
func (s *Supervisor) Spawn(ctx context.Context) (*Handle, error) {
	path, err := exec.LookPath(s.cfg.Command)
	if err != nil {
		return nil, &SpawnError{Command: s.cfg.Command, Err: err}
	}

	cmd := exec.CommandContext(ctx, path, s.cfg.Args...)
	cmd.Dir = s.cfg.Dir
	cmd.Env = mergedEnv(s.cfg.Env)
	// Context cancellation shuts the process down the same way
	// Terminate does: shutdown signal first, kill after the grace
	// period.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(shutdownSignal())
	}
	cmd.WaitDelay = s.cfg.GracePeriod

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Command: s.cfg.Command, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &SpawnError{Command: s.cfg.Command, Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Command: s.cfg.Command, Err: err}
	}

	h := &Handle{cmd: cmd, done: make(chan struct{})}
	s.logger.Info("gateway process started", "pid", h.PID(), "command", path)

	go s.forwardOutput(stdout, "stdout", h.PID())
	go s.forwardOutput(stderr, "stderr", h.PID())
	go func() {
		err := cmd.Wait()
		h.mu.Lock()
		h.exitErr = err
		h.mu.Unlock()
		close(h.done)
		s.logger.Info("gateway process exited", "pid", h.PID(), "error", err)
	}()

	return h, nil
}

// Terminate stops the process. Graceful sends the shutdown signal
// first and waits out the grace period before force-killing.
// Terminating an already-exited handle is a no-op.
func (s *Supervisor) Terminate(h *Handle, graceful bool) error {
	if h == nil || !h.Alive() {
		return nil
	}

	if graceful {
		if err := h.cmd.Process.Signal(shutdownSignal()); err == nil {
			select {
			case <-h.done:
				return nil
			case <-time.After(s.cfg.GracePeriod):
				s.logger.Warn("gateway ignored shutdown signal, killing", "pid", h.PID())
			}
		}
	}

	if err := h.cmd.Process.Kill(); err != nil && h.Alive() {
		return fmt.Errorf("kill gateway pid %d: %w", h.PID(), err)
	}
	select {
	case <-h.done:
	case <-time.After(s.cfg.GracePeriod):
	}
	return nil
}

func (s *Supervisor) forwardOutput(r io.Reader, stream string, pid int) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		if stream == "stderr" {
			s.logger.Warn("gateway", "pid", pid, "line", scanner.Text())
		} else {
			s.logger.Debug("gateway", "pid", pid, "line", scanner.Text())
		}
	}
}

func mergedEnv(extra map[string]string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

func shutdownSignal() os.Signal {
	if runtime.GOOS == "windows" {
		// Sending SIGTERM is unsupported on Windows; the kill
		// fallback in Terminate handles it.
		return os.Kill
	}
	return syscall.SIGTERM
}
