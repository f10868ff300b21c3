// Package storage persists ledger blocks and registry records.
package storage

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Artfain/uav-ledger/core"
)

// Backend names accepted by Open.
const (
	BackendMemory  = "memory"
	BackendLevelDB = "leveldb"
	BackendBolt    = "bolt"
)

// Store is a durable home for a ledger. Commit writes one produced block together with
// the registry records it touched as a single atomic unit.
type Store interface {
	core.Committer
	// Load returns the persisted ledger, or nil when the store is empty.
	Load() (*core.Snapshot, error)
	Close() error
}

// Open opens the named backend at path. The memory backend ignores path.
func Open(backend, path string) (Store, error) {
	switch strings.ToLower(backend) {
	case BackendMemory, "":
		return NewMemory(), nil
	case BackendLevelDB:
		return OpenLevelDB(path)
	case BackendBolt:
		return OpenBolt(path)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

// Recover builds a ledger from the store. An empty store yields a fresh ledger whose
// genesis block is committed to it; otherwise the persisted chain is re-validated and
// replayed. Either way the ledger keeps committing to the store.
func Recover(store Store, opts ...core.Option) (*core.Ledger, error) {
	snap, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger: %w", err)
	}
	opts = append(opts, core.WithCommitter(store))
	if snap == nil {
		slog.Info("storage empty, creating genesis block")
		return core.New(opts...)
	}
	l, err := core.Restore(*snap, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to restore ledger: %w", err)
	}
	return l, nil
}

func checkNext(expected int64, b core.Block) error {
	if b.Index != expected {
		return fmt.Errorf("%w: commit of block %d, expected %d", core.ErrChainIntegrity, b.Index, expected)
	}
	return nil
}

// nonceID is the storage key suffix of a consumed nonce. The device id is length
// prefixed so no (device, nonce) pair can collide with another.
func nonceID(deviceID, nonce string) []byte {
	k := binary.AppendUvarint(nil, uint64(len(deviceID)))
	k = append(k, deviceID...)
	return append(k, nonce...)
}
