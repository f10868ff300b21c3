package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ugorji/go/codec"
	"go.etcd.io/bbolt"

	"github.com/Artfain/uav-ledger/core"
)

var cborHandle = &codec.CborHandle{}

const (
	blocksBucket  = "blocks"
	devicesBucket = "devices"
	noncesBucket  = "nonces"
)

// Bolt stores CBOR encoded values in three buckets. Block keys are big endian indexes.
type Bolt struct {
	db *bbolt.DB
}

// OpenBolt opens or creates a bbolt file at path.
func OpenBolt(path string) (*Bolt, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create %q: %w", dir, err)
		}
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{blocksBucket, devicesBucket, noncesBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}
	return &Bolt{db: db}, nil
}

func encodeCBOR(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, cborHandle).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeCBOR(data []byte, v any) error {
	return codec.NewDecoder(bytes.NewReader(data), cborHandle).Decode(v)
}

func indexKey(index int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(index))
	return k
}

func (s *Bolt) Commit(batch core.CommitBatch) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		blocks := tx.Bucket([]byte(blocksBucket))
		var next int64
		if k, _ := blocks.Cursor().Last(); k != nil {
			next = int64(binary.BigEndian.Uint64(k)) + 1
		}
		if err := checkNext(next, batch.Block); err != nil {
			return err
		}
		data, err := encodeCBOR(batch.Block)
		if err != nil {
			return fmt.Errorf("failed to encode block: %w", err)
		}
		if err := blocks.Put(indexKey(batch.Block.Index), data); err != nil {
			return fmt.Errorf("failed to store block %d: %w", batch.Block.Index, err)
		}

		devices := tx.Bucket([]byte(devicesBucket))
		for id, rec := range batch.Devices {
			data, err := encodeCBOR(rec)
			if err != nil {
				return fmt.Errorf("failed to encode device %s: %w", id, err)
			}
			if err := devices.Put([]byte(id), data); err != nil {
				return err
			}
		}

		nonces := tx.Bucket([]byte(noncesBucket))
		for _, e := range batch.Nonces {
			data, err := encodeCBOR(e)
			if err != nil {
				return fmt.Errorf("failed to encode nonce: %w", err)
			}
			if err := nonces.Put(nonceID(e.DeviceID, e.Nonce), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Bolt) Load() (*core.Snapshot, error) {
	var out *core.Snapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		snap := &core.Snapshot{Devices: make(map[string]core.DeviceRecord), Nonces: []core.NonceEntry{}}
		err := tx.Bucket([]byte(blocksBucket)).ForEach(func(_, v []byte) error {
			var b core.Block
			if err := decodeCBOR(v, &b); err != nil {
				return fmt.Errorf("failed to decode block: %w", err)
			}
			snap.Blocks = append(snap.Blocks, b)
			return nil
		})
		if err != nil || len(snap.Blocks) == 0 {
			return err
		}
		err = tx.Bucket([]byte(devicesBucket)).ForEach(func(k, v []byte) error {
			var rec core.DeviceRecord
			if err := decodeCBOR(v, &rec); err != nil {
				return fmt.Errorf("failed to decode device: %w", err)
			}
			snap.Devices[string(k)] = rec
			return nil
		})
		if err != nil {
			return err
		}
		err = tx.Bucket([]byte(noncesBucket)).ForEach(func(_, v []byte) error {
			var e core.NonceEntry
			if err := decodeCBOR(v, &e); err != nil {
				return fmt.Errorf("failed to decode nonce: %w", err)
			}
			snap.Nonces = append(snap.Nonces, e)
			return nil
		})
		if err != nil {
			return err
		}
		out = snap
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Bolt) Close() error {
	return s.db.Close()
}
