package storage

import (
	"sort"
	"sync"

	"github.com/Artfain/uav-ledger/core"
)

// Memory keeps everything in process. It is used for ephemeral runs and tests.
type Memory struct {
	mu      sync.Mutex
	blocks  []core.Block
	devices map[string]core.DeviceRecord
	nonces  map[core.NonceKey]int64
}

func NewMemory() *Memory {
	return &Memory{
		devices: make(map[string]core.DeviceRecord),
		nonces:  make(map[core.NonceKey]int64),
	}
}

func (m *Memory) Commit(batch core.CommitBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := checkNext(int64(len(m.blocks)), batch.Block); err != nil {
		return err
	}
	m.blocks = append(m.blocks, batch.Block.Clone())
	for id, rec := range batch.Devices {
		m.devices[id] = rec.Clone()
	}
	for _, e := range batch.Nonces {
		m.nonces[e.Key()] = e.Timestamp
	}
	return nil
}

func (m *Memory) Load() (*core.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.blocks) == 0 {
		return nil, nil
	}
	snap := &core.Snapshot{
		Devices: make(map[string]core.DeviceRecord, len(m.devices)),
		Nonces:  make([]core.NonceEntry, 0, len(m.nonces)),
	}
	for i := range m.blocks {
		snap.Blocks = append(snap.Blocks, m.blocks[i].Clone())
	}
	for id, rec := range m.devices {
		snap.Devices[id] = rec.Clone()
	}
	for k, ts := range m.nonces {
		snap.Nonces = append(snap.Nonces, core.NonceEntry{DeviceID: k.DeviceID, Nonce: k.Nonce, Timestamp: ts})
	}
	sort.Slice(snap.Nonces, func(i, j int) bool {
		if snap.Nonces[i].DeviceID != snap.Nonces[j].DeviceID {
			return snap.Nonces[i].DeviceID < snap.Nonces[j].DeviceID
		}
		return snap.Nonces[i].Nonce < snap.Nonces[j].Nonce
	})
	return snap, nil
}

func (m *Memory) Close() error { return nil }
