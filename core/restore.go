package core

import (
	"fmt"
	"log/slog"
)

// Restore rebuilds a ledger from its persisted form. The chain and tick sequence are
// re-validated and the registries are rebuilt by replaying the chain's transactions;
// persisted registry records, when present, must agree with the replay.
func Restore(snap Snapshot, opts ...Option) (*Ledger, error) {
	l := newLedger(opts)
	if len(snap.Blocks) == 0 {
		return nil, fmt.Errorf("%w: missing genesis block", ErrChainIntegrity)
	}
	ticks := make([]Tick, 0, len(snap.Blocks))
	for i := range snap.Blocks {
		b := snap.Blocks[i].Clone()
		l.chain = append(l.chain, &b)
		ticks = append(ticks, b.Tick)
	}
	l.poh = RestoreGenerator(ticks, l.now)
	if err := l.auditLocked(); err != nil {
		return nil, err
	}
	if err := l.replayLocked(); err != nil {
		return nil, err
	}
	if err := l.compareRegistriesLocked(snap); err != nil {
		return nil, err
	}
	l.log.Info("ledger restored",
		slog.Int("blocks", len(l.chain)),
		slog.Int("devices", len(l.devices)),
		slog.Int("nonces", len(l.nonces)),
		slog.String("tip", l.chain[len(l.chain)-1].Hash))
	return l, nil
}

func (l *Ledger) replayLocked() error {
	for _, b := range l.chain[1:] {
		for _, tx := range b.Transactions {
			switch tx.Type {
			case TxRegister:
				if _, exists := l.devices[tx.DeviceID]; exists {
					return fmt.Errorf("%w: block %d registers %s twice", ErrChainIntegrity, b.Index, tx.DeviceID)
				}
				l.devices[tx.DeviceID] = &DeviceRecord{
					PublicKey:       tx.PublicKey,
					Model:           tx.Model,
					FirmwareVersion: tx.FirmwareVersion,
				}
			case TxAuthenticate:
				rec, exists := l.devices[tx.DeviceID]
				if !exists {
					return fmt.Errorf("%w: block %d authenticates unknown %s", ErrChainIntegrity, b.Index, tx.DeviceID)
				}
				key := NonceKey{DeviceID: tx.DeviceID, Nonce: tx.Nonce}
				if _, used := l.nonces[key]; used {
					return fmt.Errorf("%w: block %d replays a nonce of %s", ErrChainIntegrity, b.Index, tx.DeviceID)
				}
				l.nonces[key] = tx.Timestamp
				ts := tx.Timestamp
				rec.LastAuthenticated = &ts
			default:
				return fmt.Errorf("%w: block %d has transaction type %q", ErrChainIntegrity, b.Index, tx.Type)
			}
		}
	}
	return nil
}

func (l *Ledger) compareRegistriesLocked(snap Snapshot) error {
	if snap.Devices != nil {
		if len(snap.Devices) != len(l.devices) {
			return fmt.Errorf("%w: %d persisted devices, chain has %d", ErrChainIntegrity, len(snap.Devices), len(l.devices))
		}
		for id, stored := range snap.Devices {
			rec, ok := l.devices[id]
			if !ok || !sameRecord(*rec, stored) {
				return fmt.Errorf("%w: persisted record of %s diverges from chain", ErrChainIntegrity, id)
			}
		}
	}
	if snap.Nonces != nil {
		if len(snap.Nonces) != len(l.nonces) {
			return fmt.Errorf("%w: %d persisted nonces, chain has %d", ErrChainIntegrity, len(snap.Nonces), len(l.nonces))
		}
		for _, e := range snap.Nonces {
			ts, ok := l.nonces[e.Key()]
			if !ok || ts != e.Timestamp {
				return fmt.Errorf("%w: persisted nonce of %s diverges from chain", ErrChainIntegrity, e.DeviceID)
			}
		}
	}
	return nil
}

func sameRecord(a, b DeviceRecord) bool {
	if a.PublicKey != b.PublicKey || a.Model != b.Model || a.FirmwareVersion != b.FirmwareVersion {
		return false
	}
	if a.LastAuthenticated == nil || b.LastAuthenticated == nil {
		return a.LastAuthenticated == b.LastAuthenticated
	}
	return *a.LastAuthenticated == *b.LastAuthenticated
}
