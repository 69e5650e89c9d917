package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/clawdeck/clawdeck/internal/config"
	"github.com/clawdeck/clawdeck/internal/events"
	"github.com/clawdeck/clawdeck/internal/identity"
	"github.com/clawdeck/clawdeck/internal/protocol"
)

// healthProbeTimeout bounds the CheckHealth round trip.
const healthProbeTimeout = 5 * time.Second

// methodPing is the lightweight liveness RPC used by CheckHealth.
const methodPing = "ping"

// HandshakeSigner produces signed handshake params. *identity.Signer
// implements it.
type HandshakeSigner interface {
	SignHandshake(req identity.HandshakeRequest) (*protocol.Handshake, error)
}

// Notification is a gateway-pushed event republished on the bus.
type Notification struct {
	Method string
	Params json.RawMessage
}

// Health is the result of a liveness probe.
type Health struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Manager is the single entry point for everything gateway-related:
// lifecycle, RPC, health, status. All methods are safe for concurrent
// use and safe to call in any state.
type Manager struct {
	machine *Machine
	bus     *events.Subject
	ownBus  bool
	logger  *slog.Logger

	ops chan struct{} // lifecycle serialization, cap 1

	inflightMu sync.Mutex
	inflight   *startOp
}

// startOp coalesces concurrent Start calls onto one attempt.
type startOp struct {
	done chan struct{}
	err  error
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithBus routes status and notification events onto an existing bus
// instead of a manager-owned one.
func WithBus(bus *events.Subject) ManagerOption {
	return func(m *Manager) {
		m.bus = bus
		m.ownBus = false
	}
}

// WithManagerLogger sets a custom logger.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// NewManager builds the full stack from configuration: supervisor,
// channel dialer, state machine, event bus.
func NewManager(cfg *config.Config, signer HandshakeSigner, opts ...ManagerOption) *Manager {
	m := &Manager{
		bus:    events.NewSubject(events.WithReplayLast()),
		ownBus: true,
		logger: slog.Default().With("component", "gateway"),
		ops:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}

	gw := cfg.Gateway
	sup := NewSupervisor(SupervisorConfig{
		Command: gw.Command,
		Args:    gw.Args,
		Dir:     gw.Workspace,
		Env:     cfg.GatewayEnv(),
	}, WithSupervisorLogger(m.logger.With("component", "supervisor")))

	auth := func(ctx context.Context) (*protocol.Handshake, error) {
		return signer.SignHandshake(identity.HandshakeRequest{
			Version:    gw.HandshakeVersion,
			ClientMode: gw.ClientMode,
			Role:       gw.Role,
			Scopes:     gw.Scopes,
			Token:      gw.Token,
		})
	}

	m.machine = NewMachine(MachineConfig{
		Endpoint:             cfg.Endpoint(),
		Port:                 gw.Port,
		StartAttempts:        gw.StartAttempts,
		StartBackoff:         gw.StartBackoff.Std(),
		MaxReconnectFailures: gw.MaxReconnectFailures,
		ReconnectWindow:      gw.ReconnectWindow.Std(),
	},
		realSupervisor{sup},
		realDial,
		auth,
		WithStatusHandler(m.publishStatus),
		WithMachineNotifyHandler(m.publishNotify),
		WithMachineLogger(m.logger),
	)
	return m
}

// newManagerWithMachine wires a prebuilt machine; used by tests.
func newManagerWithMachine(machine *Machine, bus *events.Subject) *Manager {
	return &Manager{
		machine: machine,
		bus:     bus,
		logger:  slog.Default().With("component", "gateway"),
		ops:     make(chan struct{}, 1),
	}
}

// Start brings the gateway up. Concurrent Starts coalesce onto the
// in-flight attempt and share its outcome; Start while running is a
// cheap no-op.
func (m *Manager) Start(ctx context.Context) error {
	m.inflightMu.Lock()
	if op := m.inflight; op != nil {
		m.inflightMu.Unlock()
		select {
		case <-op.done:
			return op.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if m.machine.Status().Connected() {
		m.inflightMu.Unlock()
		return nil
	}
	op := &startOp{done: make(chan struct{})}
	m.inflight = op
	m.inflightMu.Unlock()

	op.err = m.runExclusive(ctx, m.machine.Start)

	m.inflightMu.Lock()
	m.inflight = nil
	m.inflightMu.Unlock()
	close(op.done)
	return op.err
}

// Stop shuts the gateway down and settles in-flight RPCs with
// ErrStopped. Stop while stopped is a no-op.
func (m *Manager) Stop(ctx context.Context) error {
	return m.runExclusive(ctx, m.machine.Stop)
}

// Restart is an atomic stop-then-start: no other lifecycle operation
// interleaves between the two halves.
func (m *Manager) Restart(ctx context.Context) error {
	return m.runExclusive(ctx, func(ctx context.Context) error {
		if err := m.machine.Stop(ctx); err != nil {
			return err
		}
		return m.machine.Start(ctx)
	})
}

// runExclusive serializes lifecycle transitions through a one-slot
// semaphore so stop/start/restart never interleave.
func (m *Manager) runExclusive(ctx context.Context, fn func(context.Context) error) error {
	select {
	case m.ops <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-m.ops }()
	return fn(ctx)
}

// RPC issues a call, starting the gateway first if it is not running.
// timeout <= 0 uses the default.
func (m *Manager) RPC(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if !m.machine.Status().Connected() {
		if err := m.Start(ctx); err != nil {
			return nil, err
		}
	}
	return m.machine.Call(ctx, method, params, timeout)
}

// Notify sends a fire-and-forget notification to the gateway.
func (m *Manager) Notify(method string, params any) error {
	return m.machine.Notify(method, params)
}

// CheckHealth probes the gateway with a short RPC. It reports rather
// than returns failure and never panics; callers poll it freely.
func (m *Manager) CheckHealth(ctx context.Context) Health {
	if !m.machine.Status().Connected() {
		return Health{Error: "gateway not running"}
	}

	_, err := m.machine.Call(ctx, methodPing, nil, healthProbeTimeout)
	if err == nil {
		return Health{OK: true}
	}

	// A method-not-found response still proves the gateway is alive
	// and serving the channel.
	var rpcErr *protocol.RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == protocol.CodeMethodNotFound {
		return Health{OK: true}
	}
	return Health{Error: err.Error()}
}

// Status returns the current gateway status snapshot.
func (m *Manager) Status() Status {
	return m.machine.Status()
}

// IsConnected reports whether RPCs can be issued right now.
func (m *Manager) IsConnected() bool {
	return m.machine.Status().Connected()
}

// GrantedScopes returns the scopes the gateway granted at handshake.
func (m *Manager) GrantedScopes() []string {
	return m.machine.Scopes()
}

// SubscribeStatus delivers every status transition to fn, starting
// with the most recent one. The returned func unsubscribes.
func (m *Manager) SubscribeStatus(fn func(Status)) func() {
	return events.Subscribe(m.bus, events.TopicGatewayStatus, fn)
}

// SubscribeNotifications delivers gateway-pushed notifications to fn.
func (m *Manager) SubscribeNotifications(fn func(Notification)) func() {
	return events.Subscribe(m.bus, events.TopicGatewayNotify, fn)
}

// Close stops the gateway and, if the manager owns the bus, completes
// it.
func (m *Manager) Close(ctx context.Context) error {
	err := m.Stop(ctx)
	if m.ownBus {
		m.bus.Complete()
	}
	return err
}

func (m *Manager) publishStatus(st Status) {
	if err := events.Emit(m.bus, events.TopicGatewayStatus, st); err != nil {
		m.logger.Warn("dropping status event", "error", err)
	}
}

func (m *Manager) publishNotify(method string, params json.RawMessage) {
	n := Notification{Method: method, Params: params}
	if err := events.Emit(m.bus, events.TopicGatewayNotify, n); err != nil {
		m.logger.Warn("dropping notification", "method", method, "error", err)
	}
}

// realSupervisor adapts *Supervisor to the machine's interface.
type realSupervisor struct {
	sup *Supervisor
}

func (r realSupervisor) Spawn(ctx context.Context) (procHandle, error) {
	h, err := r.sup.Spawn(ctx)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (r realSupervisor) Terminate(h procHandle, graceful bool) error {
	handle, ok := h.(*Handle)
	if !ok {
		return nil
	}
	return r.sup.Terminate(handle, graceful)
}

// realDial adapts Dial to the machine's dialFunc.
func realDial(ctx context.Context, endpoint string, auth AuthFactory, onMessage func([]byte), onClose func(error)) (transportConn, *protocol.ConnectResult, error) {
	c, result, err := Dial(ctx, endpoint, auth, onMessage, onClose)
	if err != nil {
		return nil, nil, err
	}
	return c, result, nil
}
