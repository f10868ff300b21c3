package core

import (
	"fmt"
	"strings"
)

// ZeroHash is the prev_hash of the genesis block.
var ZeroHash = strings.Repeat("0", 64)

// GenesisPayload is the data bound by the genesis tick.
const GenesisPayload = "Genesis Block"

// Block represents a block in the ledger. Its fields must not be changed after
// NewBlock; the ledger only ever hands out clones.
type Block struct {
	Index        int64         `json:"index"`
	PrevHash     string        `json:"prev_hash"`
	Tick         Tick          `json:"poh_tick"`
	Transactions []Transaction `json:"transactions"`
	Timestamp    int64         `json:"timestamp"`
	Hash         string        `json:"hash"`
}

// NewBlock creates a block and computes its hash.
func NewBlock(index int64, prevHash string, tick Tick, txs []Transaction, timestamp int64) (*Block, error) {
	b := &Block{
		Index:        index,
		PrevHash:     prevHash,
		Tick:         tick.Clone(),
		Transactions: append([]Transaction{}, txs...),
		Timestamp:    timestamp,
	}
	hash, err := b.ComputeHash()
	if err != nil {
		return nil, err
	}
	b.Hash = hash
	return b, nil
}

// ComputeHash calculates the hash of the block from its fields, excluding Hash.
func (b *Block) ComputeHash() (string, error) {
	txs := b.Transactions
	if txs == nil {
		txs = []Transaction{}
	}
	data, err := Canonical(struct {
		Index        int64         `json:"index"`
		PrevHash     string        `json:"prev_hash"`
		Tick         Tick          `json:"poh_tick"`
		Transactions []Transaction `json:"transactions"`
		Timestamp    int64         `json:"timestamp"`
	}{b.Index, b.PrevHash, b.Tick, txs, b.Timestamp})
	if err != nil {
		return "", fmt.Errorf("failed to hash block %d: %w", b.Index, err)
	}
	return HashHex(data), nil
}

// Verify reports whether the stored hash matches a recomputation.
func (b *Block) Verify() bool {
	h, err := b.ComputeHash()
	return err == nil && h == b.Hash
}

// Clone returns a deep copy of the block.
func (b *Block) Clone() Block {
	cp := *b
	cp.Tick = b.Tick.Clone()
	cp.Transactions = append([]Transaction{}, b.Transactions...)
	return cp
}
