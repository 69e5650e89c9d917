package gateway

import (
	"errors"
	"fmt"
	"time"

	"github.com/clawdeck/clawdeck/internal/protocol"
)

// Sentinel errors for connection-level failures.
var (
	// ErrNotConnected is returned by calls that require an active
	// connection when auto-start is disabled.
	ErrNotConnected = errors.New("gateway not connected")

	// ErrStopped settles pending calls when the manager is stopped
	// deliberately.
	ErrStopped = errors.New("gateway stopped")

	// ErrSendBufferFull is returned when the channel's outbound queue
	// is saturated.
	ErrSendBufferFull = errors.New("send buffer full")
)

// SpawnError reports that the gateway subprocess could not be created.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn gateway %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// HandshakeRejectedError reports that the gateway refused the
// authentication frame outright. A handshake that merely strips scopes
// is not an error; the session continues with reduced capability.
type HandshakeRejectedError struct {
	Code    int
	Message string
}

func (e *HandshakeRejectedError) Error() string {
	return fmt.Sprintf("handshake rejected (%d): %s", e.Code, e.Message)
}

// TimeoutError reports that one RPC call received no response before
// its deadline. Local to that call; the connection stays up.
type TimeoutError struct {
	Method string
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("rpc %s timed out after %s", e.Method, e.After)
}

// DisconnectedError settles pending calls when the channel drops while
// they are in flight.
type DisconnectedError struct {
	Cause error
}

func (e *DisconnectedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("disconnected while request pending: %v", e.Cause)
	}
	return "disconnected while request pending"
}

func (e *DisconnectedError) Unwrap() error { return e.Cause }

// AsRPCError unwraps a structured gateway error from err, if present.
func AsRPCError(err error) (*protocol.RPCError, bool) {
	var rpcErr *protocol.RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr, true
	}
	return nil, false
}
