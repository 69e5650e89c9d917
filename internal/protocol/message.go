// Package protocol defines the JSON-RPC 2.0 wire format spoken between
// the desktop app and the gateway process, plus the handshake payload
// sent as the first frame of every connection.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC protocol version sent on every frame.
const Version = "2.0"

// Kind classifies a decoded message.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindResponse
	KindNotification
)

// Message is the wire-level JSON-RPC 2.0 frame. Exactly one of the three
// shapes is valid: request (id+method), response (id + result or error),
// notification (method, no id).
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Kind discriminates the message per JSON-RPC 2.0 rules: presence of an
// id plus result/error means response, id plus method means request,
// method without id means notification.
func (m *Message) Kind() Kind {
	switch {
	case m.ID != nil && (m.Result != nil || m.Error != nil):
		return KindResponse
	case m.ID != nil && m.Method != "":
		return KindRequest
	case m.ID == nil && m.Method != "":
		return KindNotification
	default:
		return KindInvalid
	}
}

// NewRequest builds a request frame, marshaling params. A nil params
// value omits the field entirely.
func NewRequest(id int64, method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params for %s: %w", method, err)
	}
	return &Message{JSONRPC: Version, ID: &id, Method: method, Params: raw}, nil
}

// NewNotification builds a fire-and-forget frame with no id.
func NewNotification(method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params for %s: %w", method, err)
	}
	return &Message{JSONRPC: Version, Method: method, Params: raw}, nil
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(params)
}

// Encode serializes a message for transmission.
func Encode(m *Message) ([]byte, error) {
	if m.JSONRPC == "" {
		m.JSONRPC = Version
	}
	return json.Marshal(m)
}

// Decode parses an inbound frame and validates the protocol version.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if m.JSONRPC != Version {
		return nil, fmt.Errorf("unexpected jsonrpc version %q", m.JSONRPC)
	}
	if m.Kind() == KindInvalid {
		return nil, fmt.Errorf("frame is neither request, response nor notification")
	}
	return &m, nil
}
