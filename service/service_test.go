package service

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Artfain/uav-ledger/core"
)

type steppingClock struct {
	mu sync.Mutex
	ts int64
}

func (c *steppingClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ts += 10
	return time.Unix(c.ts, 0)
}

type collector struct {
	mu     sync.Mutex
	blocks []core.Block
}

func (c *collector) OnBlock(b core.Block) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocks = append(c.blocks, b)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.blocks)
}

type device struct {
	id   string
	pub  string
	priv ed25519.PrivateKey
}

func newDevice(t *testing.T, id string) device {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return device{id: id, pub: hex.EncodeToString(pub), priv: priv}
}

func (d device) register() RegisterRequest {
	return RegisterRequest{DeviceID: d.id, PublicKey: d.pub, Model: "Quadcopter X500", FirmwareVersion: "1.0.0"}
}

func (d device) auth(nonce string, ts int64) AuthenticateRequest {
	sig := ed25519.Sign(d.priv, core.AuthMessage(d.id, nonce, ts))
	return AuthenticateRequest{DeviceID: d.id, Nonce: nonce, Timestamp: ts, Signature: hex.EncodeToString(sig)}
}

func newService(t *testing.T, opts Options) (*Service, *collector) {
	t.Helper()
	clock := &steppingClock{ts: 1700000000}
	l, err := core.New(core.WithClock(clock.now))
	require.NoError(t, err)
	s, err := New(l, opts, nil)
	require.NoError(t, err)
	c := &collector{}
	s.AddListener(c)
	return s, c
}

func TestEveryPolicyCommitsEachRequest(t *testing.T) {
	s, c := newService(t, Options{})
	d := newDevice(t, "test-uav-1")

	env, err := s.Register(d.register())
	require.NoError(t, err)
	require.True(t, env.Success)
	require.Equal(t, "UAV test-uav-1 successfully registered", env.Message)
	res := env.Data.(WriteResult)
	require.NotNil(t, res.BlockNumber)
	require.Equal(t, int64(1), *res.BlockNumber)
	require.Zero(t, res.Pending)

	env, err = s.Authenticate(d.auth("abc", 1700000500))
	require.NoError(t, err)
	res = env.Data.(WriteResult)
	require.Equal(t, int64(2), *res.BlockNumber)
	require.Equal(t, int64(1700000500), res.Timestamp)

	require.Equal(t, 2, c.count())
	require.Equal(t, int64(1), c.blocks[0].Index)
	require.Equal(t, int64(2), c.blocks[1].Index)
}

func TestRejectedRequests(t *testing.T) {
	s, c := newService(t, Options{})
	d := newDevice(t, "uav-1")
	_, err := s.Register(d.register())
	require.NoError(t, err)

	env, err := s.Register(d.register())
	require.ErrorIs(t, err, core.ErrDuplicateDevice)
	require.False(t, env.Success)
	require.Equal(t, "UAV already registered", env.Message)
	require.Nil(t, env.Data)

	_, err = s.Authenticate(newDevice(t, "uav-2").auth("n", 100))
	require.ErrorIs(t, err, core.ErrUnknownDevice)

	_, err = s.Authenticate(d.auth("n", 100))
	require.NoError(t, err)
	env, err = s.Authenticate(d.auth("n", 101))
	require.ErrorIs(t, err, core.ErrReplayedNonce)
	require.Equal(t, "nonce already used (potential replay attack)", env.Message)

	req := d.auth("m", 100)
	req.Timestamp = 101
	_, err = s.Authenticate(req)
	require.ErrorIs(t, err, core.ErrUnverifiedSignature)

	_, err = s.Register(RegisterRequest{DeviceID: "uav-3", PublicKey: "zz", Model: "M", FirmwareVersion: "1"})
	require.ErrorIs(t, err, core.ErrInvalidArgument)
	_, err = s.Authenticate(AuthenticateRequest{DeviceID: "uav-1", Timestamp: 5, Signature: "00"})
	require.ErrorIs(t, err, core.ErrInvalidArgument)

	require.Equal(t, 2, c.count())
}

func TestSizePolicy(t *testing.T) {
	s, c := newService(t, Options{Policy: PolicySize, MaxTransactions: 3})
	for i, id := range []string{"a", "b"} {
		env, err := s.Register(newDevice(t, id).register())
		require.NoError(t, err)
		res := env.Data.(WriteResult)
		require.Nil(t, res.BlockNumber)
		require.Equal(t, i+1, res.Pending)
	}
	require.Zero(t, c.count())

	env, err := s.Register(newDevice(t, "c").register())
	require.NoError(t, err)
	res := env.Data.(WriteResult)
	require.Equal(t, int64(1), *res.BlockNumber)
	require.Equal(t, 1, c.count())
	require.Len(t, c.blocks[0].Transactions, 3)
}

func TestIntervalPolicyRun(t *testing.T) {
	s, c := newService(t, Options{Policy: PolicyInterval, Interval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	_, err := s.Register(newDevice(t, "a").register())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	_, err = s.Register(newDevice(t, "b").register())
	require.NoError(t, err)
	cancel()
	require.NoError(t, <-done)
	require.Zero(t, s.Ledger().PendingCount())
	require.Equal(t, 2, c.count())
}

func TestNewRejectsBadOptions(t *testing.T) {
	l, err := core.New()
	require.NoError(t, err)
	_, err = New(l, Options{Policy: PolicyInterval}, nil)
	require.ErrorIs(t, err, core.ErrInvalidArgument)
	_, err = New(l, Options{Policy: PolicySize}, nil)
	require.ErrorIs(t, err, core.ErrInvalidArgument)
	_, err = New(l, Options{Policy: "sometimes"}, nil)
	require.ErrorIs(t, err, core.ErrInvalidArgument)
}

func TestReads(t *testing.T) {
	s, _ := newService(t, Options{})
	d := newDevice(t, "uav-1")
	_, err := s.Register(d.register())
	require.NoError(t, err)

	env, err := s.Status("uav-1")
	require.NoError(t, err)
	st := env.Data.(DeviceStatus)
	require.Equal(t, "1.0.0", st.Firmware)
	require.Nil(t, st.LastAuthenticated)

	_, err = s.Authenticate(d.auth("n", 1700000900))
	require.NoError(t, err)
	env, _ = s.Status("uav-1")
	require.Equal(t, int64(1700000900), *env.Data.(DeviceStatus).LastAuthenticated)

	env, err = s.Status("ghost")
	require.ErrorIs(t, err, core.ErrUnknownDevice)
	require.Equal(t, "UAV ghost is not registered", env.Message)

	env, err = s.Blocks(0, 0)
	require.NoError(t, err)
	require.Len(t, env.Data.([]core.Block), 3)
	env, _ = s.Blocks(2, 1)
	require.Len(t, env.Data.([]core.Block), 1)
	_, err = s.Blocks(-1, 1)
	require.ErrorIs(t, err, core.ErrInvalidArgument)

	env, err = s.Block(1)
	require.NoError(t, err)
	require.Equal(t, int64(1), env.Data.(core.Block).Index)
	_, err = s.Block(9)
	require.ErrorIs(t, err, ErrUnknownBlock)

	env, err = s.Verify()
	require.NoError(t, err)
	report := env.Data.(VerifyReport)
	require.True(t, report.ChainValid)
	require.True(t, report.TicksValid)
	require.Equal(t, 3, report.Blocks)
}

func TestStats(t *testing.T) {
	s, _ := newService(t, Options{})
	st := s.Stats().Data.(Stats)
	require.Equal(t, 1, st.Blocks)
	require.Zero(t, st.MeanBlockInterval)

	d := newDevice(t, "uav-1")
	_, err := s.Register(d.register())
	require.NoError(t, err)
	_, err = s.Authenticate(d.auth("n1", 1))
	require.NoError(t, err)
	_, err = s.Authenticate(d.auth("n2", 2))
	require.NoError(t, err)

	st = s.Stats().Data.(Stats)
	require.Equal(t, 4, st.Blocks)
	require.Equal(t, 1, st.Devices)
	require.Equal(t, 2, st.Nonces)
	require.Equal(t, 1.0, st.MeanBlockSize)
	require.Zero(t, st.StdDevBlockSize)
	require.Greater(t, st.MeanBlockInterval, 0.0)
}

type countingObserver struct {
	ops     map[string]int
	pending int
}

func (o *countingObserver) Operation(op string, err error) {
	o.ops[op+":"+core.Kind(err)]++
}

func (o *countingObserver) SetPending(n int) { o.pending = n }

func TestObserver(t *testing.T) {
	s, _ := newService(t, Options{Policy: PolicySize, MaxTransactions: 10})
	o := &countingObserver{ops: map[string]int{}}
	s.SetObserver(o)
	d := newDevice(t, "uav-1")
	_, _ = s.Register(d.register())
	_, _ = s.Register(d.register())
	require.Equal(t, 1, o.ops["register:"])
	require.Equal(t, 1, o.ops["register:duplicate_device"])
	require.Equal(t, 1, o.pending)
}

type flakyCommitter struct {
	mu   sync.Mutex
	fail bool
	n    int
}

func (c *flakyCommitter) Commit(core.CommitBatch) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("disk full")
	}
	c.n++
	return nil
}

func (c *flakyCommitter) setFail(fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail = fail
}

func TestCommitFailureLeavesWriteAccepted(t *testing.T) {
	store := &flakyCommitter{}
	clock := &steppingClock{ts: 1700000000}
	l, err := core.New(core.WithClock(clock.now), core.WithCommitter(store))
	require.NoError(t, err)
	s, err := New(l, Options{}, nil)
	require.NoError(t, err)
	c := &collector{}
	s.AddListener(c)

	store.setFail(true)
	d := newDevice(t, "uav-1")
	env, err := s.Register(d.register())
	require.NoError(t, err)
	require.True(t, env.Success)
	res := env.Data.(WriteResult)
	require.Nil(t, res.BlockNumber)
	require.Equal(t, 1, res.Pending)

	// the registration stands, so a retry is a duplicate
	env, err = s.Register(d.register())
	require.ErrorIs(t, err, core.ErrDuplicateDevice)
	require.False(t, env.Success)

	store.setFail(false)
	env, err = s.Register(newDevice(t, "uav-2").register())
	require.NoError(t, err)
	res = env.Data.(WriteResult)
	require.Equal(t, int64(1), *res.BlockNumber)
	require.Zero(t, res.Pending)
	require.Equal(t, 1, c.count())
	require.Len(t, c.blocks[0].Transactions, 2)
	require.Equal(t, "uav-1", c.blocks[0].Transactions[0].DeviceID)
}
