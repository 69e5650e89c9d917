package identity

import (
	"encoding/base64"

	"github.com/google/uuid"

	"github.com/clawdeck/clawdeck/internal/protocol"
)

// HandshakeRequest describes one authentication attempt. The gateway
// core fills in the scopes it wants and an optional server nonce; the
// rest comes from configuration.
type HandshakeRequest struct {
	Version    string // protocol.HandshakeV1 or V2; defaults to V2
	ClientMode string
	Role       string
	Scopes     []string
	Token      string
	Nonce      string
}

// Signer produces signed handshake payloads for connection attempts.
type Signer struct {
	id *Identity
}

// NewSigner wraps a device identity.
func NewSigner(id *Identity) *Signer {
	return &Signer{id: id}
}

// SignHandshake builds the canonical payload for the request, signs it
// with the device key and returns the complete handshake frame params.
func (s *Signer) SignHandshake(req HandshakeRequest) (*protocol.Handshake, error) {
	version := req.Version
	if version == "" {
		version = protocol.HandshakeV2
	}
	nonce := req.Nonce
	if nonce == "" && version == protocol.HandshakeV2 {
		// V2 binds the signature to a fresh nonce per attempt.
		nonce = uuid.NewString()
	}
	h := &protocol.Handshake{
		Version:    version,
		DeviceID:   s.id.DeviceID,
		ClientID:   s.id.ClientID,
		ClientMode: req.ClientMode,
		Role:       req.Role,
		Scopes:     req.Scopes,
		SignedAtMs: nowMs(),
		Token:      req.Token,
		Nonce:      nonce,
	}
	sig := s.id.Sign([]byte(h.CanonicalPayload()))
	h.Signature = base64.StdEncoding.EncodeToString(sig)
	return h, nil
}
