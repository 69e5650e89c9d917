package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/clawdeck/clawdeck/internal/events"
	"github.com/clawdeck/clawdeck/internal/protocol"
)

func newTestManager(t *testing.T, sup *fakeSupervisor, dialer *fakeDialer) (*Manager, *events.Subject) {
	t.Helper()
	bus := events.NewSubject(events.WithReplayLast())
	t.Cleanup(bus.Complete)

	var m *Manager
	machine := NewMachine(MachineConfig{
		Endpoint:             "ws://127.0.0.1:4483/ws",
		Port:                 4483,
		StartAttempts:        2,
		StartBackoff:         time.Millisecond,
		MaxReconnectFailures: 2,
		ReconnectWindow:      time.Second,
	}, sup, dialer.dial, nil,
		WithStatusHandler(func(st Status) {
			events.Emit(bus, events.TopicGatewayStatus, st)
		}),
	)
	m = newManagerWithMachine(machine, bus)
	return m, bus
}

func TestManagerStartCoalesces(t *testing.T) {
	sup := &fakeSupervisor{}
	dialer := &fakeDialer{}
	m, _ := newTestManager(t, sup, dialer)

	const n = 6
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.Start(context.Background())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
	}
	if sup.spawnCount() != 1 {
		t.Fatalf("spawns = %d, want 1", sup.spawnCount())
	}
}

func TestManagerRestartIsAtomic(t *testing.T) {
	sup := &fakeSupervisor{}
	dialer := &fakeDialer{}
	m, _ := newTestManager(t, sup, dialer)

	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.Restart(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}

	if !m.IsConnected() {
		t.Fatal("not running after restart")
	}
	if sup.spawnCount() != 2 {
		t.Fatalf("spawns = %d, want 2", sup.spawnCount())
	}
	if sup.terminates != 1 {
		t.Fatalf("terminates = %d, want 1", sup.terminates)
	}
}

func TestManagerRPCStartsGateway(t *testing.T) {
	sup := &fakeSupervisor{}
	dialer := &fakeDialer{}
	m, _ := newTestManager(t, sup, dialer)

	done := make(chan error, 1)
	go func() {
		_, err := m.RPC(context.Background(), "sessions.list", nil, time.Second)
		done <- err
	}()

	// The gateway comes up on demand; answer the call once it lands.
	waitFor(t, func() bool {
		c := dialer.lastConn()
		if c == nil {
			return false
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.frames) == 1
	})
	conn := dialer.lastConn()
	conn.mu.Lock()
	frame := conn.frames[0]
	conn.mu.Unlock()
	msg, err := protocol.Decode(frame)
	if err != nil {
		t.Fatal(err)
	}

	dialer.mu.Lock()
	onMessage := dialer.lastMsg
	dialer.mu.Unlock()
	resp, _ := protocol.Encode(&protocol.Message{JSONRPC: "2.0", ID: msg.ID, Result: []byte(`{"sessions":[]}`)})
	onMessage(resp)

	if err := <-done; err != nil {
		t.Fatalf("rpc: %v", err)
	}
	if sup.spawnCount() != 1 {
		t.Fatalf("spawns = %d", sup.spawnCount())
	}
}

func TestManagerCheckHealthNotRunning(t *testing.T) {
	m, _ := newTestManager(t, &fakeSupervisor{}, &fakeDialer{})

	h := m.CheckHealth(context.Background())
	if h.OK {
		t.Fatal("healthy while stopped")
	}
	if h.Error == "" {
		t.Fatal("no reason reported")
	}
}

func TestManagerCheckHealthMethodNotFoundIsHealthy(t *testing.T) {
	sup := &fakeSupervisor{}
	dialer := &fakeDialer{}
	m, _ := newTestManager(t, sup, dialer)
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	go func() {
		// Answer the probe with method-not-found: the gateway is alive
		// even if it does not implement the probe method.
		waitFor(t, func() bool {
			c := dialer.lastConn()
			if c == nil {
				return false
			}
			c.mu.Lock()
			defer c.mu.Unlock()
			return len(c.frames) == 1
		})
		conn := dialer.lastConn()
		conn.mu.Lock()
		msg, _ := protocol.Decode(conn.frames[0])
		conn.mu.Unlock()
		resp, _ := protocol.Encode(&protocol.Message{
			JSONRPC: "2.0",
			ID:      msg.ID,
			Error:   &protocol.RPCError{Code: protocol.CodeMethodNotFound, Message: "no such method"},
		})
		dialer.lastMsg(resp)
	}()

	h := m.CheckHealth(context.Background())
	if !h.OK {
		t.Fatalf("health = %+v, want ok", h)
	}
}

func TestManagerStatusEventsReachSubscribers(t *testing.T) {
	sup := &fakeSupervisor{}
	dialer := &fakeDialer{}
	m, _ := newTestManager(t, sup, dialer)

	var seen atomic.Int32
	var mu sync.Mutex
	var states []State
	unsub := m.SubscribeStatus(func(st Status) {
		mu.Lock()
		states = append(states, st.State)
		mu.Unlock()
		seen.Add(1)
	})
	defer unsub()

	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return seen.Load() >= 2 })
	mu.Lock()
	defer mu.Unlock()
	if states[0] != StateStarting || states[len(states)-1] != StateRunning {
		t.Fatalf("states = %v", states)
	}
}

func TestManagerLateSubscriberGetsCurrentStatus(t *testing.T) {
	sup := &fakeSupervisor{}
	dialer := &fakeDialer{}
	m, _ := newTestManager(t, sup, dialer)

	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Let the delivery loop record the running status as the replay
	// value before subscribing.
	waitFor(t, func() bool { return m.IsConnected() })
	time.Sleep(20 * time.Millisecond)

	got := make(chan State, 1)
	unsub := m.SubscribeStatus(func(st Status) {
		select {
		case got <- st.State:
		default:
		}
	})
	defer unsub()

	select {
	case st := <-got:
		if st != StateRunning {
			t.Fatalf("replayed state = %s", st)
		}
	case <-time.After(time.Second):
		t.Fatal("no replay for late subscriber")
	}
}

func TestManagerStopWhileStoppedIsNoop(t *testing.T) {
	m, _ := newTestManager(t, &fakeSupervisor{}, &fakeDialer{})
	if err := m.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestManagerRPCFailsWhenStartFails(t *testing.T) {
	boom := errors.New("no binary")
	sup := &fakeSupervisor{spawnErr: boom}
	m, _ := newTestManager(t, sup, &fakeDialer{})

	_, err := m.RPC(context.Background(), "sessions.list", nil, time.Second)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want spawn failure", err)
	}
}
