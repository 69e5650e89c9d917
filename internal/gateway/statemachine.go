package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/clawdeck/clawdeck/internal/protocol"
)

// reconnectCap bounds the growing delay between reconnect attempts.
const reconnectCap = 10 * time.Second

// connectAttemptTimeout bounds a single dial+handshake during
// reconnection.
const connectAttemptTimeout = 15 * time.Second

// procHandle abstracts a spawned process for the state machine.
// *Handle implements it; tests substitute fakes.
type procHandle interface {
	PID() int
	Alive() bool
	Done() <-chan struct{}
	ExitErr() error
}

// processSupervisor abstracts the Supervisor.
type processSupervisor interface {
	Spawn(ctx context.Context) (procHandle, error)
	Terminate(h procHandle, graceful bool) error
}

// transportConn abstracts one dialed channel.
type transportConn interface {
	Send(frame []byte) error
	Close() error
}

// dialFunc abstracts Dial.
type dialFunc func(ctx context.Context, endpoint string, auth AuthFactory, onMessage func([]byte), onClose func(error)) (transportConn, *protocol.ConnectResult, error)

// MachineConfig holds the state machine's policy knobs.
type MachineConfig struct {
	Endpoint string
	Port     int

	StartAttempts        int
	StartBackoff         time.Duration
	MaxReconnectFailures int
	ReconnectWindow      time.Duration
}

// Machine coordinates the supervisor, the channel and the RPC session
// into one lifecycle. It is the only mutator of the Status value. The
// child process and the active channel are owned exclusively here; no
// other component spawns or dials.
type Machine struct {
	cfg  MachineConfig
	sup  processSupervisor
	dial dialFunc
	auth AuthFactory

	onStatus func(Status)
	onNotify NotifyHandler
	logger   *slog.Logger

	mu       sync.Mutex
	state    State
	lastErr  string
	handle   procHandle
	conn     transportConn
	session  *Session
	scopes   []string
	epoch    uint64
	stopping bool

	// lostEpoch records a close event that arrived before its
	// connection was bound, so the bind can discard the dead channel.
	lostEpoch uint64
	lostCause error
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithStatusHandler registers the status-transition callback. The
// handler must not call back into the machine.
func WithStatusHandler(fn func(Status)) MachineOption {
	return func(m *Machine) { m.onStatus = fn }
}

// WithMachineNotifyHandler routes gateway notifications.
func WithMachineNotifyHandler(h NotifyHandler) MachineOption {
	return func(m *Machine) { m.onNotify = h }
}

// WithMachineLogger sets a custom logger.
func WithMachineLogger(l *slog.Logger) MachineOption {
	return func(m *Machine) { m.logger = l }
}

// NewMachine creates a state machine in the stopped state.
func NewMachine(cfg MachineConfig, sup processSupervisor, dial dialFunc, auth AuthFactory, opts ...MachineOption) *Machine {
	if cfg.StartAttempts <= 0 {
		cfg.StartAttempts = 3
	}
	if cfg.StartBackoff <= 0 {
		cfg.StartBackoff = time.Second
	}
	if cfg.MaxReconnectFailures <= 0 {
		cfg.MaxReconnectFailures = 5
	}
	if cfg.ReconnectWindow <= 0 {
		cfg.ReconnectWindow = 2 * time.Minute
	}
	m := &Machine{
		cfg:    cfg,
		sup:    sup,
		dial:   dial,
		auth:   auth,
		state:  StateStopped,
		logger: slog.Default().With("component", "gateway"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Status returns the current externally visible state.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

// Scopes returns the scopes granted by the last handshake. May be
// fewer than requested; scope-dependent RPCs then fail individually.
func (m *Machine) Scopes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.scopes))
	copy(out, m.scopes)
	return out
}

// Start drives stopped → starting → running. Callers must serialize
// Start/Stop/Restart; the manager facade does so. Bounded retries with
// increasing backoff; exhaustion lands in the error state.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateRunning {
		m.mu.Unlock()
		return nil
	}
	m.state = StateStarting
	m.lastErr = ""
	status := m.statusLocked()
	m.mu.Unlock()
	m.emit(status)

	var lastErr error
	backoff := m.cfg.StartBackoff
	for attempt := 1; attempt <= m.cfg.StartAttempts; attempt++ {
		if attempt > 1 {
			m.logger.Info("retrying start", "attempt", attempt, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				m.fail(ctx.Err())
				return ctx.Err()
			}
			backoff *= 2
		}

		if err := m.ensureProcess(ctx); err != nil {
			lastErr = err
			m.logger.Warn("spawn failed", "attempt", attempt, "error", err)
			continue
		}
		if err := m.connect(ctx); err != nil {
			if errors.Is(err, ErrStopped) {
				// A concurrent Stop tore this attempt down; retrying
				// would fight it.
				return err
			}
			lastErr = err
			m.logger.Warn("connect failed", "attempt", attempt, "error", err)
			continue
		}
		return nil
	}

	m.fail(lastErr)
	return lastErr
}

// Stop tears down the channel, settles pending calls with ErrStopped
// and terminates the process gracefully. Safe to call in any state.
func (m *Machine) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateStopped {
		m.mu.Unlock()
		return nil
	}
	m.stopping = true
	m.epoch++ // invalidate loss watchers
	sess := m.session
	conn := m.conn
	handle := m.handle
	m.session = nil
	m.conn = nil
	m.handle = nil
	m.mu.Unlock()

	if sess != nil {
		sess.FailAll(ErrStopped)
	}
	if conn != nil {
		conn.Close()
	}
	var err error
	if handle != nil {
		err = m.sup.Terminate(handle, true)
	}

	m.mu.Lock()
	m.stopping = false
	m.state = StateStopped
	m.lastErr = ""
	m.scopes = nil
	status := m.statusLocked()
	m.mu.Unlock()
	m.emit(status)
	return err
}

// Call issues an RPC on the current session.
func (m *Machine) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	m.mu.Lock()
	sess := m.session
	state := m.state
	m.mu.Unlock()

	if sess == nil || state != StateRunning {
		return nil, ErrNotConnected
	}
	return sess.Call(ctx, method, params, timeout)
}

// Notify sends a fire-and-forget notification on the current session.
func (m *Machine) Notify(method string, params any) error {
	m.mu.Lock()
	sess := m.session
	m.mu.Unlock()
	if sess == nil {
		return ErrNotConnected
	}
	return sess.Notify(method, params)
}

// ensureProcess spawns the gateway unless a live handle is already
// attached.
func (m *Machine) ensureProcess(ctx context.Context) error {
	m.mu.Lock()
	handle := m.handle
	m.mu.Unlock()
	if handle != nil && handle.Alive() {
		return nil
	}

	spawned, err := m.sup.Spawn(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.handle = spawned
	m.mu.Unlock()
	return nil
}

// connect dials one channel, binds a fresh session to it and moves to
// running. Each connection attempt gets its own epoch so that close
// events from torn-down channels are ignored.
func (m *Machine) connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateRunning {
		// A concurrent attempt already established a connection.
		m.mu.Unlock()
		return nil
	}
	m.epoch++
	epoch := m.epoch
	m.mu.Unlock()

	router := &frameRouter{}
	onClose := func(cause error) { m.connectionLost(epoch, cause) }

	conn, result, err := m.dial(ctx, m.cfg.Endpoint, m.auth, router.handle, onClose)
	if err != nil {
		return err
	}

	sess := NewSession(conn,
		WithNotifyHandler(m.onNotify),
		WithSessionLogger(m.logger.With("component", "rpc")),
	)
	router.bind(sess)

	m.mu.Lock()
	if m.epoch != epoch || m.stopping {
		// Stop raced us; discard the fresh connection.
		m.mu.Unlock()
		sess.FailAll(ErrStopped)
		conn.Close()
		return ErrStopped
	}
	if m.state == StateRunning {
		// Another attempt won the race; keep its connection.
		m.mu.Unlock()
		sess.FailAll(ErrStopped)
		conn.Close()
		return nil
	}
	if m.lostEpoch == epoch {
		// The channel died between Dial returning and this bind.
		cause := m.lostCause
		m.mu.Unlock()
		sess.FailAll(&DisconnectedError{Cause: cause})
		conn.Close()
		return &DisconnectedError{Cause: cause}
	}
	m.conn = conn
	m.session = sess
	m.scopes = result.Scopes
	m.state = StateRunning
	m.lastErr = ""
	handle := m.handle
	status := m.statusLocked()
	m.mu.Unlock()
	m.emit(status)

	if handle != nil {
		go m.watchProcess(epoch, handle)
	}
	m.logger.Info("gateway connected", "scopes", result.Scopes)
	return nil
}

// watchProcess turns an unexpected child exit into a connection loss.
// The channel usually dies at the same time; epoch arbitration makes
// whichever fires first win.
func (m *Machine) watchProcess(epoch uint64, handle procHandle) {
	<-handle.Done()
	m.connectionLost(epoch, handle.ExitErr())
}

// connectionLost moves running → reconnecting, rejects every pending
// call immediately and kicks off the reconnect loop. Stale epochs
// (deliberate teardowns, superseded connections) are ignored.
func (m *Machine) connectionLost(epoch uint64, cause error) {
	m.mu.Lock()
	if m.epoch != epoch || m.stopping {
		m.mu.Unlock()
		return
	}
	if m.state != StateRunning {
		// The connection is not bound yet. Record the loss so connect
		// discards the dead channel instead of going to running on it.
		m.lostEpoch = epoch
		m.lostCause = cause
		m.mu.Unlock()
		return
	}
	sess := m.session
	conn := m.conn
	m.session = nil
	m.conn = nil
	m.state = StateReconnecting
	if cause != nil {
		m.lastErr = cause.Error()
	}
	status := m.statusLocked()
	m.mu.Unlock()

	if sess != nil {
		sess.FailAll(&DisconnectedError{Cause: cause})
	}
	if conn != nil {
		conn.Close()
	}
	m.emit(status)
	m.logger.Warn("connection lost", "error", cause)

	go m.reconnectLoop()
}

// reconnectLoop retries spawn+connect with growing jittered backoff
// until success, the failure budget, or the time window runs out.
func (m *Machine) reconnectLoop() {
	deadline := time.Now().Add(m.cfg.ReconnectWindow)
	backoff := m.cfg.StartBackoff
	failures := 0

	for {
		m.mu.Lock()
		stop := m.stopping || m.state != StateReconnecting
		m.mu.Unlock()
		if stop {
			return
		}

		// The spawn context outlives the attempt: the supervisor ties
		// process cancellation to it, and a respawned gateway must not
		// die with the attempt deadline.
		err := m.ensureProcess(context.Background())
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), connectAttemptTimeout)
			err = m.connect(ctx)
			cancel()
		}

		if err == nil {
			m.logger.Info("reconnected", "failures", failures)
			return
		}
		if err == ErrStopped {
			return
		}

		failures++
		m.logger.Warn("reconnect failed", "attempt", failures, "error", err)
		if failures >= m.cfg.MaxReconnectFailures || time.Now().After(deadline) {
			m.fail(err)
			return
		}

		// ±25% jitter keeps restart stampedes apart.
		delay := backoff - backoff/4 + time.Duration(rand.Int63n(int64(backoff)/2))
		time.Sleep(delay)
		if backoff *= 2; backoff > reconnectCap {
			backoff = reconnectCap
		}
	}
}

// fail lands in the error state with the last failure reason and
// cleans up any still-running process.
func (m *Machine) fail(cause error) {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return
	}
	m.state = StateError
	if cause != nil {
		m.lastErr = cause.Error()
	}
	sess := m.session
	conn := m.conn
	handle := m.handle
	m.session = nil
	m.conn = nil
	m.handle = nil
	status := m.statusLocked()
	m.mu.Unlock()

	if sess != nil {
		sess.FailAll(&DisconnectedError{Cause: cause})
	}
	if conn != nil {
		conn.Close()
	}
	if handle != nil {
		m.sup.Terminate(handle, true)
	}
	m.emit(status)
}

// statusLocked builds the Status value. Port and PID are only visible
// while running or reconnecting.
func (m *Machine) statusLocked() Status {
	st := Status{State: m.state, Err: m.lastErr}
	if m.state == StateRunning || m.state == StateReconnecting {
		st.Port = m.cfg.Port
		if m.handle != nil {
			st.PID = m.handle.PID()
		}
	}
	return st
}

func (m *Machine) emit(st Status) {
	if m.onStatus != nil {
		m.onStatus(st)
	}
}

// frameRouter buffers frames that arrive between the handshake
// completing and the session being bound to the channel, so early
// notifications are not dropped.
type frameRouter struct {
	mu      sync.Mutex
	sess    *Session
	backlog [][]byte
}

func (r *frameRouter) handle(frame []byte) {
	r.mu.Lock()
	if r.sess == nil {
		r.backlog = append(r.backlog, frame)
		r.mu.Unlock()
		return
	}
	sess := r.sess
	r.mu.Unlock()
	sess.HandleFrame(frame)
}

func (r *frameRouter) bind(sess *Session) {
	r.mu.Lock()
	r.sess = sess
	backlog := r.backlog
	r.backlog = nil
	r.mu.Unlock()
	for _, frame := range backlog {
		sess.HandleFrame(frame)
	}
}
