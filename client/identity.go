// Package client is the device side of the ledger: identity keys, signed requests and
// an HTTP client for the service.
package client

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Artfain/uav-ledger/core"
	"github.com/Artfain/uav-ledger/service"
)

// Identity is a device id with its ed25519 key pair.
type Identity struct {
	DeviceID   string
	PrivateKey ed25519.PrivateKey
}

type keyFile struct {
	DeviceID   string `json:"uav_id"`
	PrivateKey string `json:"private_key"`
	PublicKey  string `json:"public_key"`
}

// NewIdentity generates a key pair. An empty device id is replaced by a random
// "uav-<uuid>" id.
func NewIdentity(deviceID string) (*Identity, error) {
	if strings.TrimSpace(deviceID) == "" {
		deviceID = "uav-" + uuid.NewString()
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return &Identity{DeviceID: deviceID, PrivateKey: priv}, nil
}

// IdentityFromSeed rebuilds an identity from a hex encoded 32 byte private key.
func IdentityFromSeed(deviceID, seedHex string) (*Identity, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("failed to decode private key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &Identity{DeviceID: deviceID, PrivateKey: ed25519.NewKeyFromSeed(seed)}, nil
}

func (id *Identity) PublicKeyHex() string {
	return hex.EncodeToString(id.PrivateKey.Public().(ed25519.PublicKey))
}

// Sign returns the hex encoded signature of message.
func (id *Identity) Sign(message []byte) string {
	return hex.EncodeToString(ed25519.Sign(id.PrivateKey, message))
}

// Registration builds the request registering this identity.
func (id *Identity) Registration(model, firmware string) service.RegisterRequest {
	return service.RegisterRequest{
		DeviceID:        id.DeviceID,
		PublicKey:       id.PublicKeyHex(),
		Model:           model,
		FirmwareVersion: firmware,
	}
}

// NewAuthentication builds a signed authentication request with a fresh nonce.
func (id *Identity) NewAuthentication(now time.Time) service.AuthenticateRequest {
	nonce := strings.ReplaceAll(uuid.NewString(), "-", "")
	ts := now.Unix()
	return service.AuthenticateRequest{
		DeviceID:  id.DeviceID,
		Nonce:     nonce,
		Timestamp: ts,
		Signature: id.Sign(core.AuthMessage(id.DeviceID, nonce, ts)),
	}
}

// Save writes the key file readable only by the owner.
func (id *Identity) Save(path string) error {
	data, err := json.MarshalIndent(keyFile{
		DeviceID:   id.DeviceID,
		PrivateKey: hex.EncodeToString(id.PrivateKey.Seed()),
		PublicKey:  id.PublicKeyHex(),
	}, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create %q: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// LoadIdentity reads a key file written by Save. A public key that does not match the
// private key is rejected.
func LoadIdentity(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("failed to parse key file: %w", err)
	}
	if kf.DeviceID == "" {
		return nil, fmt.Errorf("key file %s has no uav_id", path)
	}
	id, err := IdentityFromSeed(kf.DeviceID, kf.PrivateKey)
	if err != nil {
		return nil, err
	}
	if kf.PublicKey != "" && !strings.EqualFold(kf.PublicKey, id.PublicKeyHex()) {
		return nil, fmt.Errorf("key file %s: public key does not match private key", path)
	}
	return id, nil
}
