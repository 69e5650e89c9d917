package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/clawdeck/clawdeck/internal/protocol"
)

// fakeHandle is a controllable process handle.
type fakeHandle struct {
	pid  int
	done chan struct{}
	once sync.Once
}

func newFakeHandle(pid int) *fakeHandle {
	return &fakeHandle{pid: pid, done: make(chan struct{})}
}

func (h *fakeHandle) PID() int { return h.pid }
func (h *fakeHandle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}
func (h *fakeHandle) Done() <-chan struct{} { return h.done }
func (h *fakeHandle) ExitErr() error        { return nil }
func (h *fakeHandle) exit()                 { h.once.Do(func() { close(h.done) }) }

// fakeSupervisor counts spawns and hands out fresh handles.
type fakeSupervisor struct {
	mu         sync.Mutex
	spawns     int
	terminates int
	spawnErr   error
	last       *fakeHandle
}

func (f *fakeSupervisor) Spawn(ctx context.Context) (procHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spawns++
	if f.spawnErr != nil {
		return nil, f.spawnErr
	}
	f.last = newFakeHandle(1000 + f.spawns)
	return f.last, nil
}

func (f *fakeSupervisor) Terminate(h procHandle, graceful bool) error {
	f.mu.Lock()
	f.terminates++
	f.mu.Unlock()
	if fh, ok := h.(*fakeHandle); ok {
		fh.exit()
	}
	return nil
}

func (f *fakeSupervisor) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spawns
}

// fakeConn is a controllable transport connection. Like the real
// channel, its close handler may call back into Close, so teardown is
// guarded by the closed channel rather than a bare Once.
type fakeConn struct {
	mu      sync.Mutex
	frames  [][]byte
	onClose func(error)
	closed  chan struct{}
}

func newFakeConn(onClose func(error)) *fakeConn {
	return &fakeConn{onClose: onClose, closed: make(chan struct{})}
}

func (c *fakeConn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeConn) Close() error {
	c.fail(nil)
	return nil
}

// drop simulates an unexpected connection loss.
func (c *fakeConn) drop(cause error) {
	c.fail(cause)
}

func (c *fakeConn) fail(cause error) {
	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		return
	default:
	}
	close(c.closed)
	c.mu.Unlock()
	if c.onClose != nil {
		c.onClose(cause)
	}
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// fakeDialer scripts dial outcomes per attempt.
type fakeDialer struct {
	mu        sync.Mutex
	dials     int
	errs      []error // errs[i] is the outcome of dial i; nil succeeds
	earlyDrop int     // first N dials report loss before returning
	conns     []*fakeConn
	scopes    []string
	lastMsg   func([]byte)
}

func (f *fakeDialer) dial(ctx context.Context, endpoint string, auth AuthFactory, onMessage func([]byte), onClose func(error)) (transportConn, *protocol.ConnectResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.dials
	f.dials++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, nil, f.errs[i]
	}
	conn := newFakeConn(onClose)
	f.conns = append(f.conns, conn)
	f.lastMsg = onMessage
	if f.earlyDrop > 0 {
		// The connection dies right after the handshake, before the
		// caller has a chance to bind it.
		f.earlyDrop--
		conn.drop(errors.New("closed during handshake"))
	}
	scopes := f.scopes
	if scopes == nil {
		scopes = []string{"chat:write"}
	}
	return conn, &protocol.ConnectResult{Protocol: "1", Scopes: scopes}, nil
}

func (f *fakeDialer) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func (f *fakeDialer) lastConn() *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

// statusRecorder captures the emitted transition sequence.
type statusRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *statusRecorder) record(st Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, st.State)
}

func (r *statusRecorder) sequence() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.states))
	copy(out, r.states)
	return out
}

func newTestMachine(sup *fakeSupervisor, dialer *fakeDialer, rec *statusRecorder) *Machine {
	return NewMachine(MachineConfig{
		Endpoint:             "ws://127.0.0.1:4483/ws",
		Port:                 4483,
		StartAttempts:        3,
		StartBackoff:         time.Millisecond,
		MaxReconnectFailures: 3,
		ReconnectWindow:      time.Second,
	}, sup, dialer.dial, nil, WithStatusHandler(rec.record))
}

func TestMachineStartHappyPath(t *testing.T) {
	sup := &fakeSupervisor{}
	dialer := &fakeDialer{}
	rec := &statusRecorder{}
	m := newTestMachine(sup, dialer, rec)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	st := m.Status()
	if st.State != StateRunning {
		t.Fatalf("state = %s", st.State)
	}
	if st.Port != 4483 || st.PID == 0 {
		t.Fatalf("status = %+v, want port and pid", st)
	}
	if sup.spawnCount() != 1 {
		t.Fatalf("spawns = %d", sup.spawnCount())
	}

	want := []State{StateStarting, StateRunning}
	if got := rec.sequence(); len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
}

func TestMachineStartRetriesThenError(t *testing.T) {
	boom := errors.New("connection refused")
	sup := &fakeSupervisor{}
	dialer := &fakeDialer{errs: []error{boom, boom, boom}}
	rec := &statusRecorder{}
	m := newTestMachine(sup, dialer, rec)

	err := m.Start(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}

	st := m.Status()
	if st.State != StateError {
		t.Fatalf("state = %s", st.State)
	}
	if st.Err == "" {
		t.Fatal("error state carries no reason")
	}
	if st.Port != 0 || st.PID != 0 {
		t.Fatalf("error state leaked port/pid: %+v", st)
	}
	if dialer.dialCount() != 3 {
		t.Fatalf("dials = %d, want 3", dialer.dialCount())
	}
}

func TestMachineStartWhileRunningIsNoop(t *testing.T) {
	sup := &fakeSupervisor{}
	dialer := &fakeDialer{}
	m := newTestMachine(sup, dialer, &statusRecorder{})

	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if sup.spawnCount() != 1 {
		t.Fatalf("spawns = %d, want 1", sup.spawnCount())
	}
}

func TestMachineStopSettlesCallsWithStopped(t *testing.T) {
	sup := &fakeSupervisor{}
	dialer := &fakeDialer{}
	m := newTestMachine(sup, dialer, &statusRecorder{})
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	callErr := make(chan error, 1)
	go func() {
		_, err := m.Call(context.Background(), "hang", nil, time.Hour)
		callErr <- err
	}()
	waitFor(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.session != nil && m.session.PendingCount() == 1
	})

	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	select {
	case err := <-callErr:
		if !errors.Is(err, ErrStopped) {
			t.Fatalf("call err = %v, want ErrStopped", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not settled by stop")
	}

	if st := m.Status(); st.State != StateStopped {
		t.Fatalf("state = %s", st.State)
	}
	if sup.terminates != 1 {
		t.Fatalf("terminates = %d", sup.terminates)
	}
}

func TestMachineReconnectsAfterLoss(t *testing.T) {
	sup := &fakeSupervisor{}
	dialer := &fakeDialer{}
	rec := &statusRecorder{}
	m := newTestMachine(sup, dialer, rec)
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	dialer.lastConn().drop(errors.New("peer reset"))

	waitFor(t, func() bool { return m.Status().State == StateRunning && dialer.dialCount() == 2 })

	seq := rec.sequence()
	want := []State{StateStarting, StateRunning, StateReconnecting, StateRunning}
	if len(seq) != len(want) {
		t.Fatalf("transitions = %v, want %v", seq, want)
	}
	for i := range want {
		if seq[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", seq, want)
		}
	}
}

func TestMachineLossFailsPendingImmediately(t *testing.T) {
	sup := &fakeSupervisor{}
	// Make reconnection fail so the dropped connection stays down.
	dialer := &fakeDialer{errs: []error{nil, errors.New("down"), errors.New("down"), errors.New("down")}}
	m := newTestMachine(sup, dialer, &statusRecorder{})
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	callErr := make(chan error, 1)
	go func() {
		_, err := m.Call(context.Background(), "hang", nil, time.Hour)
		callErr <- err
	}()
	waitFor(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.session != nil && m.session.PendingCount() == 1
	})

	dialer.lastConn().drop(errors.New("peer reset"))

	select {
	case err := <-callErr:
		var de *DisconnectedError
		if !errors.As(err, &de) {
			t.Fatalf("call err = %v, want disconnected", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call waited out the loss")
	}
}

func TestMachineReconnectBudgetExhaustedLandsInError(t *testing.T) {
	down := errors.New("down")
	sup := &fakeSupervisor{}
	dialer := &fakeDialer{errs: []error{nil, down, down, down, down}}
	rec := &statusRecorder{}
	m := newTestMachine(sup, dialer, rec)
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	dialer.lastConn().drop(errors.New("peer reset"))

	waitFor(t, func() bool { return m.Status().State == StateError })
	if st := m.Status(); st.Err == "" {
		t.Fatal("error state carries no reason")
	}
}

func TestMachineProcessExitTriggersReconnect(t *testing.T) {
	sup := &fakeSupervisor{}
	dialer := &fakeDialer{}
	m := newTestMachine(sup, dialer, &statusRecorder{})
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Child dies; channel keeps nominally working. The process watcher
	// must still drive a reconnect with a fresh spawn.
	sup.last.exit()

	waitFor(t, func() bool { return sup.spawnCount() == 2 && m.Status().State == StateRunning })
}

func TestMachineEarlyCloseBeforeBindRetries(t *testing.T) {
	sup := &fakeSupervisor{}
	dialer := &fakeDialer{earlyDrop: 1}
	rec := &statusRecorder{}
	m := newTestMachine(sup, dialer, rec)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	// The first connection died before the bind; the machine must not
	// sit in running on it but retry onto a live one.
	if st := m.Status(); st.State != StateRunning {
		t.Fatalf("state = %s", st.State)
	}
	if dialer.dialCount() != 2 {
		t.Fatalf("dials = %d, want 2", dialer.dialCount())
	}
	dialer.mu.Lock()
	first := dialer.conns[0]
	dialer.mu.Unlock()
	if !first.isClosed() {
		t.Fatal("dead channel left bound")
	}
}

func TestMachineSupersededConnectKeepsLiveConnection(t *testing.T) {
	sup := &fakeSupervisor{}
	dialer := &fakeDialer{}
	m := newTestMachine(sup, dialer, &statusRecorder{})
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	m.mu.Lock()
	bound := m.session
	m.mu.Unlock()

	// A straggling connect attempt while already running must not
	// displace the live connection or dial again.
	if err := m.connect(context.Background()); err != nil {
		t.Fatalf("superseded connect: %v", err)
	}
	if dialer.dialCount() != 1 {
		t.Fatalf("dials = %d, want 1", dialer.dialCount())
	}
	m.mu.Lock()
	still := m.session
	m.mu.Unlock()
	if still != bound {
		t.Fatal("live session displaced")
	}
	if dialer.lastConn().isClosed() {
		t.Fatal("live connection closed by superseded attempt")
	}
}

func TestMachineHandshakeRejectionSurfaced(t *testing.T) {
	rejected := &HandshakeRejectedError{Code: protocol.CodeAuthRequired, Message: "device not paired"}
	sup := &fakeSupervisor{}
	dialer := &fakeDialer{errs: []error{rejected, rejected, rejected}}
	m := newTestMachine(sup, dialer, &statusRecorder{})

	err := m.Start(context.Background())
	var hr *HandshakeRejectedError
	if !errors.As(err, &hr) {
		t.Fatalf("err = %v, want handshake rejection", err)
	}
	if m.Status().State != StateError {
		t.Fatalf("state = %s", m.Status().State)
	}
}

func TestMachineScopesFromHandshake(t *testing.T) {
	sup := &fakeSupervisor{}
	dialer := &fakeDialer{scopes: []string{"chat:write", "sessions:read"}}
	m := newTestMachine(sup, dialer, &statusRecorder{})
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	scopes := m.Scopes()
	if len(scopes) != 2 || scopes[0] != "chat:write" {
		t.Fatalf("scopes = %v", scopes)
	}
}

func TestMachineCallWhileStoppedFails(t *testing.T) {
	m := newTestMachine(&fakeSupervisor{}, &fakeDialer{}, &statusRecorder{})
	if _, err := m.Call(context.Background(), "x", nil, time.Second); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}
