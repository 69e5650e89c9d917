package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clawdeck/clawdeck/internal/protocol"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// mockGateway is an in-process gateway endpoint for channel tests.
type mockGateway struct {
	t       *testing.T
	srv     *httptest.Server
	accept  func(hs *protocol.Handshake) *protocol.RPCError
	serve   func(conn *websocket.Conn)
	gotHS   chan *protocol.Handshake
	scopes  []string
}

func newMockGateway(t *testing.T) *mockGateway {
	t.Helper()
	g := &mockGateway{
		t:      t,
		gotHS:  make(chan *protocol.Handshake, 1),
		scopes: []string{"chat:write", "sessions:read"},
	}
	g.srv = httptest.NewServer(http.HandlerFunc(g.handle))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *mockGateway) endpoint() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http") + "/ws"
}

func (g *mockGateway) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := testUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	_, data, err := conn.ReadMessage()
	if err != nil {
		return
	}
	msg, err := protocol.Decode(data)
	if err != nil || msg.Method != protocol.MethodConnect {
		g.t.Errorf("first frame not a connect request: %v", err)
		return
	}

	var hs protocol.Handshake
	if err := json.Unmarshal(msg.Params, &hs); err != nil {
		g.t.Errorf("bad handshake params: %v", err)
		return
	}
	select {
	case g.gotHS <- &hs:
	default:
	}

	var resp *protocol.Message
	if g.accept != nil {
		if rpcErr := g.accept(&hs); rpcErr != nil {
			resp = &protocol.Message{JSONRPC: "2.0", ID: msg.ID, Error: rpcErr}
			frame, _ := protocol.Encode(resp)
			conn.WriteMessage(websocket.TextMessage, frame)
			return
		}
	}
	result, _ := json.Marshal(protocol.ConnectResult{Protocol: "1", Scopes: g.scopes})
	resp = &protocol.Message{JSONRPC: "2.0", ID: msg.ID, Result: result}
	frame, _ := protocol.Encode(resp)
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return
	}

	if g.serve != nil {
		g.serve(conn)
	} else {
		// Keep reading until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
}

func testAuth(ctx context.Context) (*protocol.Handshake, error) {
	return &protocol.Handshake{
		Version:    protocol.HandshakeV2,
		DeviceID:   "ab12cd34ef56ab78",
		ClientID:   "test-client",
		ClientMode: "desktop",
		Role:       "operator",
		Scopes:     []string{"chat:write", "sessions:read"},
		SignedAtMs: time.Now().UnixMilli(),
		Nonce:      "nonce",
		Signature:  "sig",
	}, nil
}

func TestDialPerformsHandshakeFirst(t *testing.T) {
	g := newMockGateway(t)

	ch, result, err := Dial(context.Background(), g.endpoint(), testAuth, nil, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ch.Close()

	hs := <-g.gotHS
	if hs.DeviceID != "ab12cd34ef56ab78" || hs.Signature == "" {
		t.Fatalf("handshake = %+v", hs)
	}
	if len(result.Scopes) != 2 {
		t.Fatalf("granted scopes = %v", result.Scopes)
	}
}

func TestDialRejectedHandshake(t *testing.T) {
	g := newMockGateway(t)
	g.accept = func(*protocol.Handshake) *protocol.RPCError {
		return &protocol.RPCError{Code: protocol.CodeAuthRequired, Message: "device not paired"}
	}

	_, _, err := Dial(context.Background(), g.endpoint(), testAuth, nil, nil)
	var hr *HandshakeRejectedError
	if !errors.As(err, &hr) {
		t.Fatalf("err = %v, want rejection", err)
	}
	if hr.Code != protocol.CodeAuthRequired {
		t.Fatalf("code = %d", hr.Code)
	}
}

func TestDialUnreachableEndpoint(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, _, err := Dial(ctx, "ws://127.0.0.1:1/ws", testAuth, nil, nil)
	if err == nil {
		t.Fatal("dial to closed port succeeded")
	}
}

func TestChannelDeliversInboundFrames(t *testing.T) {
	g := newMockGateway(t)
	g.serve = func(conn *websocket.Conn) {
		frame, _ := protocol.Encode(&protocol.Message{JSONRPC: "2.0", Method: "chat.event", Params: []byte(`{"n":1}`)})
		conn.WriteMessage(websocket.TextMessage, frame)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}

	got := make(chan []byte, 1)
	ch, _, err := Dial(context.Background(), g.endpoint(), testAuth, func(data []byte) {
		select {
		case got <- data:
		default:
		}
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()

	select {
	case data := <-got:
		msg, err := protocol.Decode(data)
		if err != nil || msg.Method != "chat.event" {
			t.Fatalf("frame = %s (%v)", data, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no inbound frame")
	}
}

func TestChannelSendReachesGateway(t *testing.T) {
	g := newMockGateway(t)
	echoed := make(chan []byte, 1)
	g.serve = func(conn *websocket.Conn) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		echoed <- data
	}

	ch, _, err := Dial(context.Background(), g.endpoint(), testAuth, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()

	frame, _ := protocol.Encode(&protocol.Message{JSONRPC: "2.0", Method: "noop"})
	if err := ch.Send(frame); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case data := <-echoed:
		if string(data) != string(frame) {
			t.Fatalf("gateway saw %s", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame never reached the gateway")
	}
}

func TestChannelCloseFromCloseHandlerDoesNotBlock(t *testing.T) {
	g := newMockGateway(t)
	g.serve = func(conn *websocket.Conn) {
		conn.Close()
	}

	// The state machine closes the channel from inside the close
	// handler; that nested Close must return instead of waiting on
	// the teardown that is already in progress.
	handlerDone := make(chan struct{})
	ready := make(chan *Channel, 1)
	ch, _, err := Dial(context.Background(), g.endpoint(), testAuth, nil, func(cause error) {
		c := <-ready
		c.Close()
		close(handlerDone)
	})
	if err != nil {
		t.Fatal(err)
	}
	ready <- ch

	select {
	case <-handlerDone:
	case <-time.After(2 * time.Second):
		t.Fatal("close handler deadlocked calling Close")
	}
}

func TestChannelCloseHandlerFiresOnceOnServerDrop(t *testing.T) {
	g := newMockGateway(t)
	g.serve = func(conn *websocket.Conn) {
		// Hard drop after the handshake.
		conn.Close()
	}

	closed := make(chan error, 2)
	ch, _, err := Dial(context.Background(), g.endpoint(), testAuth, nil, func(cause error) {
		closed <- cause
	})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("close handler never fired")
	}

	// Extra Close after failure must not fire the handler again.
	ch.Close()
	select {
	case <-closed:
		t.Fatal("close handler fired twice")
	case <-time.After(100 * time.Millisecond):
	}

	if err := ch.Send([]byte("{}")); err == nil {
		t.Fatal("send on dead channel succeeded")
	}
}
