package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clawdeck/clawdeck/internal/protocol"
)

const (
	// Time allowed to write a message to the gateway.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the gateway.
	pongWait = 60 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound frame size.
	maxMessageSize = 4 << 20

	// Handshake read deadline when the dial context has none.
	handshakeTimeout = 10 * time.Second

	sendQueueSize = 256
)

// AuthFactory builds the signed handshake params for one connection
// attempt. Invoked once per Dial.
type AuthFactory func(ctx context.Context) (*protocol.Handshake, error)

// Channel is one logical message connection to a running gateway. A
// Channel is single-use: after its close handler fires it is discarded
// and a new one is dialed for the next attempt.
type Channel struct {
	conn *websocket.Conn
	send chan []byte

	onMessage func([]byte)
	onClose   func(error)

	closeOnce sync.Once
	closed    chan struct{}

	logger *slog.Logger
}

// ChannelOption configures a dialed Channel.
type ChannelOption func(*Channel)

// WithChannelLogger sets a custom logger.
func WithChannelLogger(l *slog.Logger) ChannelOption {
	return func(c *Channel) { c.logger = l }
}

// Dial opens a connection to the gateway endpoint, performs the signed
// handshake as the first frame, and starts the read/write pumps.
// onMessage receives every inbound frame after the handshake; onClose
// fires exactly once when the channel becomes unusable.
func Dial(ctx context.Context, endpoint string, auth AuthFactory, onMessage func([]byte), onClose func(error), opts ...ChannelOption) (*Channel, *protocol.ConnectResult, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	result, err := handshake(ctx, conn, auth)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}

	c := &Channel{
		conn:      conn,
		send:      make(chan []byte, sendQueueSize),
		onMessage: onMessage,
		onClose:   onClose,
		closed:    make(chan struct{}),
		logger:    slog.Default().With("component", "channel"),
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.readPump()
	go c.writePump()

	return c, result, nil
}

// handshake sends the connect request and waits for the gateway's
// response. A JSON-RPC error response is a rejection; a success result
// carries the granted scopes, which may be fewer than requested.
func handshake(ctx context.Context, conn *websocket.Conn, auth AuthFactory) (*protocol.ConnectResult, error) {
	hs, err := auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("build handshake: %w", err)
	}

	req, err := protocol.NewRequest(0, protocol.MethodConnect, hs)
	if err != nil {
		return nil, err
	}
	frame, err := protocol.Encode(req)
	if err != nil {
		return nil, fmt.Errorf("encode handshake: %w", err)
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return nil, fmt.Errorf("write handshake: %w", err)
	}

	if dl, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(dl)
	} else {
		conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read handshake response: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	msg, err := protocol.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode handshake response: %w", err)
	}
	if msg.Kind() != protocol.KindResponse || msg.ID == nil || *msg.ID != 0 {
		return nil, fmt.Errorf("unexpected frame during handshake")
	}
	if msg.Error != nil {
		return nil, &HandshakeRejectedError{Code: msg.Error.Code, Message: msg.Error.Message}
	}

	var result protocol.ConnectResult
	if len(msg.Result) > 0 {
		if err := json.Unmarshal(msg.Result, &result); err != nil {
			return nil, fmt.Errorf("parse handshake result: %w", err)
		}
	}
	return &result, nil
}

// Send enqueues a frame for transmission. It never blocks beyond the
// in-memory buffer; a full queue is an error, not a stall.
func (c *Channel) Send(frame []byte) error {
	select {
	case <-c.closed:
		return &DisconnectedError{}
	default:
	}

	select {
	case c.send <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close initiates a graceful shutdown. The close handler still fires.
func (c *Channel) Close() error {
	c.fail(nil)
	return nil
}

// Closed returns a channel closed when the connection is unusable.
func (c *Channel) Closed() <-chan struct{} {
	return c.closed
}

// fail tears the connection down and fires onClose exactly once. The
// close handler may call back into Close, so fail must not re-enter
// the Once from its own goroutine.
func (c *Channel) fail(err error) {
	select {
	case <-c.closed:
		return
	default:
	}
	c.closeOnce.Do(func() {
		close(c.closed)
		if err == nil {
			// Best-effort close frame for graceful shutdown.
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		}
		c.conn.Close()
		if c.onClose != nil {
			c.onClose(err)
		}
	})
}

func (c *Channel) readPump() {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("read error", "error", err)
			}
			c.fail(err)
			return
		}
		if c.onMessage != nil {
			c.onMessage(data)
		}
	}
}

func (c *Channel) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.fail(err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.fail(err)
				return
			}

		case <-c.closed:
			return
		}
	}
}
