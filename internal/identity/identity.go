// Package identity owns the device keypair used to authenticate the
// desktop app against the local gateway. The private key lives in the
// OS keychain when one is available, with a file fallback for
// headless machines.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	zkr "github.com/zalando/go-keyring"
)

const (
	serviceName = "clawdeck"
	accountName = "device-identity"

	keyFileName = "device.key"
)

// Identity is the device keypair plus the stable client identifier.
type Identity struct {
	DeviceID string
	ClientID string

	priv ed25519.PrivateKey
}

// storedIdentity is the serialized form kept in the keychain or the
// fallback key file.
type storedIdentity struct {
	ClientID   string `json:"clientId"`
	PrivateKey string `json:"privateKey"` // base64 raw ed25519 seed+pub
}

// LoadOrCreate returns the device identity, generating and persisting a
// fresh keypair on first run.
func LoadOrCreate(dataDir string) (*Identity, error) {
	if stored, err := load(dataDir); err == nil {
		return stored, nil
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate device key: %w", err)
	}
	id := &Identity{
		DeviceID: Fingerprint(priv.Public().(ed25519.PublicKey)),
		ClientID: uuid.NewString(),
		priv:     priv,
	}
	if err := save(dataDir, id); err != nil {
		return nil, err
	}
	return id, nil
}

// Fingerprint derives the public device identifier from a public key.
func Fingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])[:16]
}

// PublicKey returns the device's public key.
func (id *Identity) PublicKey() ed25519.PublicKey {
	return id.priv.Public().(ed25519.PublicKey)
}

// Sign signs an arbitrary payload with the device key.
func (id *Identity) Sign(payload []byte) []byte {
	return ed25519.Sign(id.priv, payload)
}

func load(dataDir string) (*Identity, error) {
	var raw string
	err := zkr.ErrNotFound
	if os.Getenv("CLAWDECK_KEYRING_DISABLED") != "1" {
		raw, err = zkr.Get(serviceName, accountName)
	}
	if err != nil {
		data, ferr := os.ReadFile(filepath.Join(dataDir, keyFileName))
		if ferr != nil {
			return nil, fmt.Errorf("no stored identity: %w", ferr)
		}
		raw = string(data)
	}
	return decode(raw)
}

func save(dataDir string, id *Identity) error {
	raw, err := encode(id)
	if err != nil {
		return err
	}
	if keychainAvailable() {
		if err := zkr.Set(serviceName, accountName, raw); err == nil {
			return nil
		}
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, keyFileName)
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	return nil
}

func encode(id *Identity) (string, error) {
	data, err := json.Marshal(storedIdentity{
		ClientID:   id.ClientID,
		PrivateKey: base64.StdEncoding.EncodeToString(id.priv),
	})
	if err != nil {
		return "", fmt.Errorf("encode identity: %w", err)
	}
	return string(data), nil
}

func decode(raw string) (*Identity, error) {
	var stored storedIdentity
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, fmt.Errorf("decode identity: %w", err)
	}
	keyBytes, err := base64.StdEncoding.DecodeString(stored.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if len(keyBytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key has %d bytes, want %d", len(keyBytes), ed25519.PrivateKeySize)
	}
	priv := ed25519.PrivateKey(keyBytes)
	return &Identity{
		DeviceID: Fingerprint(priv.Public().(ed25519.PublicKey)),
		ClientID: stored.ClientID,
		priv:     priv,
	}, nil
}

// keychainAvailable probes the OS keychain with a throwaway write.
// CLAWDECK_KEYRING_DISABLED=1 forces the file fallback (CI, Docker).
func keychainAvailable() bool {
	if os.Getenv("CLAWDECK_KEYRING_DISABLED") == "1" {
		return false
	}
	probe := serviceName + "-keyring-probe"
	if err := zkr.Set(probe, "probe", "ok"); err != nil {
		return false
	}
	_ = zkr.Delete(probe, "probe")
	return true
}

// nowMs is swapped in tests.
var nowMs = func() int64 { return time.Now().UnixMilli() }
