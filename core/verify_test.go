package core

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func newKey(t *testing.T) (string, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return hex.EncodeToString(pub), priv
}

func signAuth(priv ed25519.PrivateKey, deviceID, nonce string, ts int64) string {
	return hex.EncodeToString(ed25519.Sign(priv, AuthMessage(deviceID, nonce, ts)))
}

func TestAuthMessage(t *testing.T) {
	require.Equal(t, "uav-1abc1700000000", string(AuthMessage("uav-1", "abc", 1700000000)))
}

func TestEd25519Verifier(t *testing.T) {
	pub, priv := newKey(t)
	v := Ed25519Verifier{}
	sig := signAuth(priv, "uav-1", "abc", 42)

	require.True(t, v.Verify(pub, AuthMessage("uav-1", "abc", 42), sig))
	require.False(t, v.Verify(pub, AuthMessage("uav-1", "abc", 43), sig))
	require.False(t, v.Verify(pub, AuthMessage("uav-1", "abc", 42), "zz"))
	require.False(t, v.Verify(pub, AuthMessage("uav-1", "abc", 42), sig[:64]))
	require.False(t, v.Verify("not-hex", AuthMessage("uav-1", "abc", 42), sig))

	other, _ := newKey(t)
	require.False(t, v.Verify(other, AuthMessage("uav-1", "abc", 42), sig))
}

func TestEd25519CheckKey(t *testing.T) {
	pub, _ := newKey(t)
	v := Ed25519Verifier{}
	require.NoError(t, v.CheckKey(pub))
	require.ErrorIs(t, v.CheckKey("xyz"), ErrInvalidPublicKey)
	require.ErrorIs(t, v.CheckKey(pub[:20]), ErrInvalidPublicKey)
}

func TestInsecureAcceptAll(t *testing.T) {
	var v Verifier = InsecureAcceptAll{}
	require.True(t, v.Verify("", nil, ""))
	_, ok := v.(KeyChecker)
	require.False(t, ok)
}

func TestKind(t *testing.T) {
	require.Equal(t, "", Kind(nil))
	require.Equal(t, "internal", Kind(errors.New("boom")))
	require.Equal(t, "replayed_nonce", Kind(fmt.Errorf("%w: uav-1", ErrReplayedNonce)))
	require.Equal(t, "chain_integrity_violation", Kind(fmt.Errorf("load: %w", ErrChainIntegrity)))
	require.Equal(t, "invalid_public_key", Kind(Ed25519Verifier{}.CheckKey("00")))
}
