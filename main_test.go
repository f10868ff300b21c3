package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Artfain/uav-ledger/config"
	"github.com/Artfain/uav-ledger/core"
	"github.com/Artfain/uav-ledger/service"
	"github.com/Artfain/uav-ledger/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunNodeCommitsRequestsInFlightAtShutdown(t *testing.T) {
	l, err := core.New(core.WithLogger(discardLogger()))
	require.NoError(t, err)
	svc, err := service.New(l, service.Options{Policy: service.PolicyInterval, Interval: time.Hour}, discardLogger())
	require.NoError(t, err)

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	started, release := make(chan struct{}), make(chan struct{})
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		close(started)
		<-release
		env, err := svc.Register(service.RegisterRequest{
			DeviceID:        "uav-1",
			PublicKey:       hex.EncodeToString(pub),
			Model:           "Quadcopter X500",
			FirmwareVersion: "1.0.0",
		})
		if err != nil || !env.Success {
			w.WriteHeader(http.StatusInternalServerError)
		}
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runNode(ctx, &http.Server{Handler: handler}, ln, svc, nil) }()

	resp := make(chan int, 1)
	go func() {
		r, err := http.Post("http://"+ln.Addr().String()+"/", "application/json", nil)
		if err != nil {
			resp <- 0
			return
		}
		r.Body.Close()
		resp <- r.StatusCode
	}()
	<-started
	cancel()
	// let the producer run its own flush before the request lands
	time.Sleep(50 * time.Millisecond)
	close(release)

	require.Equal(t, http.StatusOK, <-resp)
	require.NoError(t, <-done)
	require.Zero(t, l.PendingCount())
	require.Equal(t, 2, l.Len())
	require.Equal(t, "uav-1", l.Latest().Transactions[0].DeviceID)
}

func testConfig(t *testing.T, path string) *config.Config {
	t.Helper()
	cfg, err := config.Load("", nil)
	require.NoError(t, err)
	cfg.Storage.Backend = storage.BackendBolt
	cfg.Storage.Path = path
	return cfg
}

func TestServeReleasesStoreWhenListenFails(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	path := filepath.Join(t.TempDir(), "ledger.db")
	cfg := testConfig(t, path)
	cfg.HTTP.Listen = busy.Addr().String()
	require.Error(t, serve(cfg, discardLogger()))

	s, err := storage.OpenBolt(path)
	require.NoError(t, err)
	snap, err := s.Load()
	require.NoError(t, err)
	require.Len(t, snap.Blocks, 1)
	require.NoError(t, s.Close())
}

func TestAuditStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	cfg := testConfig(t, path)

	require.ErrorContains(t, auditStore(cfg, discardLogger()), "is empty")

	s, err := storage.OpenBolt(path)
	require.NoError(t, err)
	l, err := storage.Recover(s, core.WithVerifier(core.InsecureAcceptAll{}), core.WithLogger(discardLogger()))
	require.NoError(t, err)
	_, err = l.RegisterDevice("uav-1", "k", "M", "1")
	require.NoError(t, err)
	_, err = l.ProduceBlock()
	require.NoError(t, err)
	require.NoError(t, s.Close())

	require.NoError(t, auditStore(cfg, discardLogger()))

	cfg.Storage.Backend = storage.BackendMemory
	require.Error(t, auditStore(cfg, discardLogger()))
}
