package protocol

import (
	"strconv"
	"strings"
)

// Handshake versions. V2 appends a server-issued nonce to the signed
// payload; V1 omits it.
const (
	HandshakeV1 = "v1"
	HandshakeV2 = "v2"
)

// MethodConnect is the method of the first request on a new channel.
const MethodConnect = "connect"

// Handshake is the signed authentication payload carried in the params
// of the connect request. One value is produced per connection attempt.
type Handshake struct {
	Version    string   `json:"version"`
	DeviceID   string   `json:"deviceId"`
	ClientID   string   `json:"clientId"`
	ClientMode string   `json:"clientMode"`
	Role       string   `json:"role"`
	Scopes     []string `json:"scopes"`
	SignedAtMs int64    `json:"signedAtMs"`
	Token      string   `json:"token,omitempty"`
	Nonce      string   `json:"nonce,omitempty"`
	Signature  string   `json:"signature"`
}

// CanonicalPayload joins the handshake fields into the string that is
// signed with the device key. Field order and the "|" delimiter are
// fixed; scopes are comma-joined. The nonce is appended only for v2.
func (h *Handshake) CanonicalPayload() string {
	fields := []string{
		h.Version,
		h.DeviceID,
		h.ClientID,
		h.ClientMode,
		h.Role,
		strings.Join(h.Scopes, ","),
		strconv.FormatInt(h.SignedAtMs, 10),
		h.Token,
	}
	if h.Version == HandshakeV2 {
		fields = append(fields, h.Nonce)
	}
	return strings.Join(fields, "|")
}

// ConnectResult is the result of a successful connect response.
type ConnectResult struct {
	Protocol string   `json:"protocol"`
	Scopes   []string `json:"scopes"`
	Server   string   `json:"server,omitempty"`
}
