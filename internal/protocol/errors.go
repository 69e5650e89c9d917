package protocol

import (
	"encoding/json"
	"fmt"
)

// Reserved JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Application error codes in the server-reserved range (-32000..-32099).
const (
	CodeNotConnected     = -32000
	CodeAuthRequired     = -32001
	CodePermissionDenied = -32002
	CodeNotFound         = -32003
	CodeTimeout          = -32004
	CodeRateLimited      = -32005
)

// RPCError is a structured error returned by the gateway in a response
// frame. It is propagated to the caller that issued the request.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// IsPermissionDenied reports whether the error is a permission-class
// rejection, the failure mode for RPCs whose scope was stripped during
// the handshake.
func (e *RPCError) IsPermissionDenied() bool {
	return e.Code == CodePermissionDenied || e.Code == CodeAuthRequired
}
