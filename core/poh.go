package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// GenesisSeed is hashed to obtain the digest every tick sequence starts from.
const GenesisSeed = "UAV Authentication System Genesis"

// Tick is one step of the Proof of History sequence.
type Tick struct {
	Sequence   uint64          `json:"sequence"`
	PrevDigest string          `json:"prev_hash"`
	Digest     string          `json:"hash"`
	Data       json.RawMessage `json:"data,omitempty"`
	Timestamp  int64           `json:"timestamp"`
}

// Clone returns a deep copy of the tick.
func (t Tick) Clone() Tick {
	cp := t
	if t.Data != nil {
		cp.Data = append(json.RawMessage(nil), t.Data...)
	}
	return cp
}

// ComputeDigest recomputes the tick digest from its predecessor digest and payload.
func ComputeDigest(prevDigest string, data json.RawMessage) (string, error) {
	input, err := CanonicalData(data)
	if err != nil {
		return "", err
	}
	msg := make([]byte, 0, len(prevDigest)+len(input))
	msg = append(msg, prevDigest...)
	msg = append(msg, input...)
	return HashHex(msg), nil
}

// Generator produces the hash-linked tick sequence. It is not safe for concurrent
// use; the Ledger serializes access to it.
type Generator struct {
	genesis string
	current string
	ticks   []Tick
	now     func() time.Time
}

// NewGenerator creates a generator positioned at the genesis digest.
func NewGenerator(now func() time.Time) *Generator {
	if now == nil {
		now = time.Now
	}
	genesis := HashHex([]byte(GenesisSeed))
	return &Generator{genesis: genesis, current: genesis, now: now}
}

// RestoreGenerator rebuilds a generator from previously emitted ticks. The ticks are
// taken as given; callers verify them with VerifySequence.
func RestoreGenerator(ticks []Tick, now func() time.Time) *Generator {
	g := NewGenerator(now)
	for _, t := range ticks {
		g.ticks = append(g.ticks, t.Clone())
	}
	if len(g.ticks) > 0 {
		g.current = g.ticks[len(g.ticks)-1].Digest
	}
	return g
}

// Next computes the tick that would follow the current one without advancing.
func (g *Generator) Next(data any) (Tick, error) {
	payload, err := EncodePayload(data)
	if err != nil {
		return Tick{}, fmt.Errorf("failed to encode tick payload: %w", err)
	}
	digest, err := ComputeDigest(g.current, payload)
	if err != nil {
		return Tick{}, err
	}
	return Tick{
		Sequence:   uint64(len(g.ticks)) + 1,
		PrevDigest: g.current,
		Digest:     digest,
		Data:       payload,
		Timestamp:  g.now().Unix(),
	}, nil
}

// Append advances the generator by a tick obtained from Next.
func (g *Generator) Append(t Tick) error {
	if t.PrevDigest != g.current || t.Sequence != uint64(len(g.ticks))+1 {
		return fmt.Errorf("%w: tick %d does not extend the sequence", ErrChainIntegrity, t.Sequence)
	}
	g.ticks = append(g.ticks, t.Clone())
	g.current = t.Digest
	return nil
}

// Tick binds data to the next position in the sequence.
func (g *Generator) Tick(data any) (Tick, error) {
	t, err := g.Next(data)
	if err != nil {
		return Tick{}, err
	}
	if err := g.Append(t); err != nil {
		return Tick{}, err
	}
	return t.Clone(), nil
}

// VerifySequence checks the ticks with indexes in [start, end) against their
// predecessors. It fails closed on an invalid range.
func (g *Generator) VerifySequence(start, end int) bool {
	return g.checkRange(start, end) == nil
}

func (g *Generator) checkRange(start, end int) error {
	if start >= end || start < 0 || end > len(g.ticks) {
		return fmt.Errorf("%w: [%d, %d) of %d ticks", ErrOutOfRangeVerification, start, end, len(g.ticks))
	}
	for i := start; i < end; i++ {
		prevDigest, prevSeq := g.genesis, uint64(0)
		if i > 0 {
			prevDigest, prevSeq = g.ticks[i-1].Digest, g.ticks[i-1].Sequence
		}
		cur := g.ticks[i]
		if cur.PrevDigest != prevDigest {
			return fmt.Errorf("%w: tick %d prev_hash mismatch", ErrChainIntegrity, i)
		}
		if cur.Sequence != prevSeq+1 {
			return fmt.Errorf("%w: tick %d sequence mismatch", ErrChainIntegrity, i)
		}
		digest, err := ComputeDigest(prevDigest, cur.Data)
		if err != nil {
			return fmt.Errorf("%w: tick %d: %v", ErrChainIntegrity, i, err)
		}
		if digest != cur.Digest {
			return fmt.Errorf("%w: tick %d hash mismatch", ErrChainIntegrity, i)
		}
	}
	return nil
}

// Count returns the number of emitted ticks.
func (g *Generator) Count() int { return len(g.ticks) }

// Current returns the digest the next tick will link to.
func (g *Generator) Current() string { return g.current }

// GenesisDigest returns the digest the sequence starts from.
func (g *Generator) GenesisDigest() string { return g.genesis }
