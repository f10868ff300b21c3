package client

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Artfain/uav-ledger/api"
	"github.com/Artfain/uav-ledger/core"
	"github.com/Artfain/uav-ledger/service"
)

func TestIdentityDefaults(t *testing.T) {
	id, err := NewIdentity("")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(id.DeviceID, "uav-"))
	require.Len(t, id.PublicKeyHex(), 64)

	named, err := NewIdentity("test-uav-1")
	require.NoError(t, err)
	require.Equal(t, "test-uav-1", named.DeviceID)
}

func TestKeyFileRoundTrip(t *testing.T) {
	id, err := NewIdentity("test-uav-1")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "keys", "uav.json")
	require.NoError(t, id.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := LoadIdentity(path)
	require.NoError(t, err)
	require.Equal(t, id.DeviceID, loaded.DeviceID)
	require.Equal(t, id.PublicKeyHex(), loaded.PublicKeyHex())
}

func TestLoadIdentityRejectsMismatchedKeys(t *testing.T) {
	a, err := NewIdentity("a")
	require.NoError(t, err)
	b, err := NewIdentity("b")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "uav.json")
	require.NoError(t, a.Save(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data = []byte(strings.Replace(string(data), a.PublicKeyHex(), b.PublicKeyHex(), 1))
	require.NoError(t, os.WriteFile(path, data, 0600))
	_, err = LoadIdentity(path)
	require.Error(t, err)

	_, err = IdentityFromSeed("x", "abcd")
	require.Error(t, err)
}

func TestAuthenticationSignature(t *testing.T) {
	id, err := NewIdentity("uav-1")
	require.NoError(t, err)
	now := time.Unix(1700000000, 0)
	req := id.NewAuthentication(now)
	require.Len(t, req.Nonce, 32)
	require.Equal(t, int64(1700000000), req.Timestamp)

	v := core.Ed25519Verifier{}
	require.True(t, v.Verify(id.PublicKeyHex(), core.AuthMessage("uav-1", req.Nonce, req.Timestamp), req.Signature))
	require.False(t, v.Verify(id.PublicKeyHex(), core.AuthMessage("uav-1", req.Nonce, req.Timestamp+1), req.Signature))

	require.NotEqual(t, req.Nonce, id.NewAuthentication(now).Nonce)
}

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	l, err := core.New()
	require.NoError(t, err)
	svc, err := service.New(l, service.Options{}, nil)
	require.NoError(t, err)
	srv := api.NewServer(svc, nil, nil, api.Options{AccessLog: io.Discard}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestClientAgainstServer(t *testing.T) {
	ts := newServer(t)
	c := New(ts.URL+"/", nil)
	ctx := context.Background()
	id, err := NewIdentity("test-uav-1")
	require.NoError(t, err)

	resp, err := c.Stats(ctx)
	require.NoError(t, err)
	require.True(t, resp.Success)

	resp, err = c.Register(ctx, id.Registration("Quadcopter X500", "1.0.0"))
	require.NoError(t, err)
	require.True(t, resp.Success, resp.Message)
	var write service.WriteResult
	require.NoError(t, resp.Decode(&write))
	require.Equal(t, int64(1), *write.BlockNumber)

	auth := id.NewAuthentication(time.Now())
	resp, err = c.Authenticate(ctx, auth)
	require.NoError(t, err)
	require.True(t, resp.Success, resp.Message)

	resp, err = c.Authenticate(ctx, auth)
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	tampered := id.NewAuthentication(time.Now())
	tampered.Signature = strings.Repeat("0", 128)
	resp, err = c.Authenticate(ctx, tampered)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = c.Status(ctx, id.DeviceID)
	require.NoError(t, err)
	var status service.DeviceStatus
	require.NoError(t, resp.Decode(&status))
	require.Equal(t, auth.Timestamp, *status.LastAuthenticated)

	resp, err = c.Verify(ctx)
	require.NoError(t, err)
	require.True(t, resp.Success)
}

func TestClientUnreachable(t *testing.T) {
	ts := newServer(t)
	ts.Close()
	_, err := New(ts.URL, nil).Stats(context.Background())
	require.Error(t, err)
}
