package core

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strconv"
)

// Verifier checks a device signature against its registered public key.
type Verifier interface {
	Verify(publicKey string, message []byte, signature string) bool
}

// KeyChecker is implemented by verifiers that can reject malformed public keys at
// registration time.
type KeyChecker interface {
	CheckKey(publicKey string) error
}

// Ed25519Verifier verifies hex-encoded ed25519 signatures made with hex-encoded
// public keys, the format produced by the device client.
type Ed25519Verifier struct{}

func (Ed25519Verifier) Verify(publicKey string, message []byte, signature string) bool {
	pub, err := decodeEd25519Key(publicKey)
	if err != nil {
		return false
	}
	sig, err := hex.DecodeString(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, message, sig)
}

func (Ed25519Verifier) CheckKey(publicKey string) error {
	_, err := decodeEd25519Key(publicKey)
	return err
}

func decodeEd25519Key(publicKey string) (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(publicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidPublicKey, ed25519.PublicKeySize, len(b))
	}
	return ed25519.PublicKey(b), nil
}

// InsecureAcceptAll accepts every signature. It exists only to reproduce deployments
// that never verified device signatures and must be enabled explicitly.
type InsecureAcceptAll struct{}

func (InsecureAcceptAll) Verify(string, []byte, string) bool { return true }

// AuthMessage is the byte string a device signs to authenticate.
func AuthMessage(deviceID, nonce string, timestamp int64) []byte {
	return []byte(deviceID + nonce + strconv.FormatInt(timestamp, 10))
}
