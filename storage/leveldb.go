package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/Artfain/uav-ledger/core"
)

const (
	blockPrefix  = "b/"
	devicePrefix = "d/"
	noncePrefix  = "n/"
)

// LevelDB stores JSON values under prefixed keys. Block keys carry the zero padded
// index so iteration returns blocks in chain order.
type LevelDB struct {
	mu   sync.Mutex
	db   *leveldb.DB
	next int64
}

// OpenLevelDB opens or creates a LevelDB store in the directory path.
func OpenLevelDB(path string) (*LevelDB, error) {
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, fmt.Errorf("failed to create %q: %w", path, err)
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s := &LevelDB{db: db}
	if s.next, err = s.count(blockPrefix); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func blockKey(index int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", blockPrefix, index))
}

func deviceKey(id string) []byte {
	return []byte(devicePrefix + id)
}

func nonceKey(id, nonce string) []byte {
	return append([]byte(noncePrefix), nonceID(id, nonce)...)
}

func (s *LevelDB) Commit(batch core.CommitBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := checkNext(s.next, batch.Block); err != nil {
		return err
	}

	wb := new(leveldb.Batch)
	data, err := json.Marshal(batch.Block)
	if err != nil {
		return fmt.Errorf("failed to marshal block: %w", err)
	}
	wb.Put(blockKey(batch.Block.Index), data)
	for id, rec := range batch.Devices {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal device %s: %w", id, err)
		}
		wb.Put(deviceKey(id), data)
	}
	for _, e := range batch.Nonces {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal nonce: %w", err)
		}
		wb.Put(nonceKey(e.DeviceID, e.Nonce), data)
	}
	if err := s.db.Write(wb, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("failed to store block %d: %w", batch.Block.Index, err)
	}
	s.next++
	return nil
}

func (s *LevelDB) count(prefix string) (int64, error) {
	var n int64
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()
	for iter.Next() {
		n++
	}
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("iterator error: %w", err)
	}
	return n, nil
}

func (s *LevelDB) Load() (*core.Snapshot, error) {
	snap, err := s.db.GetSnapshot()
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer snap.Release()

	out := &core.Snapshot{Devices: make(map[string]core.DeviceRecord), Nonces: []core.NonceEntry{}}
	err = forEach(snap, blockPrefix, func(_ []byte, v []byte) error {
		var b core.Block
		if err := json.Unmarshal(v, &b); err != nil {
			return fmt.Errorf("failed to unmarshal block: %w", err)
		}
		out.Blocks = append(out.Blocks, b)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(out.Blocks) == 0 {
		return nil, nil
	}
	err = forEach(snap, devicePrefix, func(k []byte, v []byte) error {
		var rec core.DeviceRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("failed to unmarshal device: %w", err)
		}
		out.Devices[string(k[len(devicePrefix):])] = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	err = forEach(snap, noncePrefix, func(_ []byte, v []byte) error {
		var e core.NonceEntry
		if err := json.Unmarshal(v, &e); err != nil {
			return fmt.Errorf("failed to unmarshal nonce: %w", err)
		}
		out.Nonces = append(out.Nonces, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func forEach(snap *leveldb.Snapshot, prefix string, fn func(k, v []byte) error) error {
	iter := snap.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()
	for iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("iterator error: %w", err)
	}
	return nil
}

func (s *LevelDB) Close() error {
	return s.db.Close()
}
