package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clawdeck/clawdeck/internal/protocol"
)

// DefaultCallTimeout applies when a caller does not specify one. Chat
// turns and other long operations pass their own larger timeout.
const DefaultCallTimeout = 30 * time.Second

// frameSender is the slice of Channel the session needs. Narrowed for
// tests.
type frameSender interface {
	Send(frame []byte) error
}

// NotifyHandler receives unsolicited notifications (frames without an
// id) pushed by the gateway.
type NotifyHandler func(method string, params json.RawMessage)

// Session multiplexes concurrent request/response calls over one
// channel. IDs are unique within the channel's lifetime; the session
// is discarded together with its channel.
type Session struct {
	sender   frameSender
	onNotify NotifyHandler
	logger   *slog.Logger

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]*pendingCall
	failed  error // set once the channel is gone; new calls fail fast
}

type pendingCall struct {
	method string
	result chan callResult
}

type callResult struct {
	payload json.RawMessage
	err     error
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithSessionLogger sets a custom logger.
func WithSessionLogger(l *slog.Logger) SessionOption {
	return func(s *Session) { s.logger = l }
}

// WithNotifyHandler routes gateway-pushed notifications.
func WithNotifyHandler(h NotifyHandler) SessionOption {
	return func(s *Session) { s.onNotify = h }
}

// NewSession creates a Session writing frames to sender.
func NewSession(sender frameSender, opts ...SessionOption) *Session {
	s := &Session{
		sender:  sender,
		pending: make(map[int64]*pendingCall),
		logger:  slog.Default().With("component", "rpc"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Call issues a request and waits for the matching response, the
// timeout, or context cancellation. A timed-out call is removed from
// the pending table so a late response is dropped, not delivered.
func (s *Session) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}

	id := s.nextID.Add(1)
	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	frame, err := protocol.Encode(req)
	if err != nil {
		return nil, err
	}

	call := &pendingCall{method: method, result: make(chan callResult, 1)}

	s.mu.Lock()
	if s.failed != nil {
		err := s.failed
		s.mu.Unlock()
		return nil, err
	}
	s.pending[id] = call
	s.mu.Unlock()

	if err := s.sender.Send(frame); err != nil {
		s.remove(id)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-call.result:
		return res.payload, res.err

	case <-timer.C:
		if s.remove(id) {
			return nil, &TimeoutError{Method: method, After: timeout}
		}
		// The response landed between the timer firing and removal.
		res := <-call.result
		return res.payload, res.err

	case <-ctx.Done():
		if s.remove(id) {
			return nil, ctx.Err()
		}
		res := <-call.result
		return res.payload, res.err
	}
}

// Notify sends a fire-and-forget notification. No response is
// expected or correlated.
func (s *Session) Notify(method string, params any) error {
	msg, err := protocol.NewNotification(method, params)
	if err != nil {
		return err
	}
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return s.sender.Send(frame)
}

// HandleFrame demultiplexes one inbound frame: responses settle their
// pending call, notifications go to the notify handler, anything else
// is logged and dropped.
func (s *Session) HandleFrame(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		s.logger.Warn("dropping undecodable frame", "error", err)
		return
	}

	switch msg.Kind() {
	case protocol.KindResponse:
		s.settle(msg)

	case protocol.KindNotification:
		if s.onNotify != nil {
			s.onNotify(msg.Method, msg.Params)
		}

	default:
		// The gateway should not send us requests.
		s.logger.Warn("dropping unexpected frame", "method", msg.Method)
	}
}

// FailAll settles every pending call with err immediately. Used when
// the channel closes: a response can never arrive on a dead channel,
// so nothing waits out its own timeout. Subsequent calls fail fast
// with the same error.
func (s *Session) FailAll(err error) {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[int64]*pendingCall)
	if s.failed == nil {
		s.failed = err
	}
	s.mu.Unlock()

	for _, call := range pending {
		call.result <- callResult{err: err}
	}
}

// PendingCount reports outstanding calls. Used by tests and the
// health probe.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// settle routes a response to its pending call. Unknown or duplicate
// ids are logged and discarded, never delivered to another caller.
func (s *Session) settle(msg *protocol.Message) {
	s.mu.Lock()
	call, ok := s.pending[*msg.ID]
	if ok {
		delete(s.pending, *msg.ID)
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Debug("dropping response with no pending call", "id", *msg.ID)
		return
	}

	if msg.Error != nil {
		call.result <- callResult{err: msg.Error}
		return
	}
	call.result <- callResult{payload: msg.Result}
}

// remove deletes a pending call, reporting whether it was still
// registered. The caller that wins removal owns settlement.
func (s *Session) remove(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[id]; !ok {
		return false
	}
	delete(s.pending, id)
	return true
}
