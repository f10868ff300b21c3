package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fixedClock(ts int64) func() time.Time {
	return func() time.Time { return time.Unix(ts, 0) }
}

func sha(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestGeneratorGenesis(t *testing.T) {
	g := NewGenerator(nil)
	require.Equal(t, sha("UAV Authentication System Genesis"), g.GenesisDigest())
	require.Equal(t, g.GenesisDigest(), g.Current())
	require.Zero(t, g.Count())
}

func TestGeneratorTickDigests(t *testing.T) {
	g := NewGenerator(fixedClock(1700000000))
	genesis := g.GenesisDigest()

	t1, err := g.Tick("Genesis Block")
	require.NoError(t, err)
	require.Equal(t, uint64(1), t1.Sequence)
	require.Equal(t, genesis, t1.PrevDigest)
	require.Equal(t, sha(genesis+"Genesis Block"), t1.Digest)
	require.Equal(t, int64(1700000000), t1.Timestamp)

	t2, err := g.Tick(nil)
	require.NoError(t, err)
	require.Equal(t, uint64(2), t2.Sequence)
	require.Equal(t, t1.Digest, t2.PrevDigest)
	require.Equal(t, sha(t1.Digest), t2.Digest)
	require.Nil(t, t2.Data)

	t3, err := g.Tick(map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	require.Equal(t, sha(t2.Digest+`{"a":1,"b":2}`), t3.Digest)

	require.Equal(t, 3, g.Count())
	require.Equal(t, t3.Digest, g.Current())
	require.True(t, g.VerifySequence(0, 3))
}

func TestGeneratorNextDoesNotAdvance(t *testing.T) {
	g := NewGenerator(nil)
	a, err := g.Next("x")
	require.NoError(t, err)
	b, err := g.Next("x")
	require.NoError(t, err)
	require.Equal(t, a.Digest, b.Digest)
	require.Zero(t, g.Count())

	require.NoError(t, g.Append(a))
	require.ErrorIs(t, g.Append(b), ErrChainIntegrity)
	require.Equal(t, 1, g.Count())
}

func TestGeneratorRejectsUnserializablePayload(t *testing.T) {
	g := NewGenerator(nil)
	_, err := g.Tick(func() {})
	require.Error(t, err)
	require.Zero(t, g.Count())
}

func TestVerifySequenceRanges(t *testing.T) {
	g := NewGenerator(nil)
	for i := 0; i < 4; i++ {
		_, err := g.Tick(i)
		require.NoError(t, err)
	}
	require.True(t, g.VerifySequence(0, 4))
	require.True(t, g.VerifySequence(2, 3))

	require.False(t, g.VerifySequence(2, 2))
	require.False(t, g.VerifySequence(3, 1))
	require.False(t, g.VerifySequence(-1, 2))
	require.False(t, g.VerifySequence(0, 5))
	require.ErrorIs(t, g.checkRange(0, 5), ErrOutOfRangeVerification)
}

func TestVerifySequenceDetectsTampering(t *testing.T) {
	build := func() *Generator {
		g := NewGenerator(nil)
		for i := 0; i < 5; i++ {
			_, err := g.Tick(map[string]int{"i": i})
			require.NoError(t, err)
		}
		return g
	}

	tamper := map[string]func(tk *Tick){
		"data":     func(tk *Tick) { tk.Data = json.RawMessage(`{"i":99}`) },
		"digest":   func(tk *Tick) { tk.Digest = sha("forged") },
		"sequence": func(tk *Tick) { tk.Sequence += 7 },
		"prev":     func(tk *Tick) { tk.PrevDigest = sha("other") },
	}
	for name, fn := range tamper {
		t.Run(name, func(t *testing.T) {
			g := build()
			fn(&g.ticks[2])
			require.False(t, g.VerifySequence(0, 5))
			require.False(t, g.VerifySequence(2, 3))
			require.True(t, g.VerifySequence(0, 2))
		})
	}
}

func TestRestoreGenerator(t *testing.T) {
	g := NewGenerator(nil)
	for i := 0; i < 3; i++ {
		_, err := g.Tick("t")
		require.NoError(t, err)
	}
	r := RestoreGenerator(g.ticks, nil)
	require.Equal(t, g.Current(), r.Current())
	require.Equal(t, 3, r.Count())
	require.True(t, r.VerifySequence(0, 3))

	next, err := r.Tick("more")
	require.NoError(t, err)
	require.Equal(t, uint64(4), next.Sequence)
}
