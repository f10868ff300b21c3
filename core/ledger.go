package core

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Ledger owns the tick generator, the chain and the device and nonce registries.
// Writes are serialized by a single lock; reads share it.
type Ledger struct {
	mu        sync.RWMutex
	poh       *Generator
	chain     []*Block
	pending   []Transaction
	devices   map[string]*DeviceRecord
	nonces    map[NonceKey]int64
	verifier  Verifier
	committer Committer
	now       func() time.Time
	log       *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithVerifier sets the signature verifier used by AuthenticateDevice.
func WithVerifier(v Verifier) Option {
	return func(l *Ledger) { l.verifier = v }
}

// WithCommitter persists every produced block, genesis included.
func WithCommitter(c Committer) Option {
	return func(l *Ledger) { l.committer = c }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(l *Ledger) { l.log = log }
}

func newLedger(opts []Option) *Ledger {
	l := &Ledger{
		devices:  make(map[string]*DeviceRecord),
		nonces:   make(map[NonceKey]int64),
		verifier: Ed25519Verifier{},
		now:      time.Now,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	l.log = l.log.With(slog.String("component", "ledger"))
	return l
}

// New creates a ledger holding only the genesis block.
func New(opts ...Option) (*Ledger, error) {
	l := newLedger(opts)
	l.poh = NewGenerator(l.now)
	tick, err := l.poh.Next(GenesisPayload)
	if err != nil {
		return nil, err
	}
	genesis, err := NewBlock(0, ZeroHash, tick, nil, l.now().Unix())
	if err != nil {
		return nil, err
	}
	if l.committer != nil {
		if err := l.committer.Commit(CommitBatch{Block: genesis.Clone()}); err != nil {
			return nil, fmt.Errorf("failed to commit genesis block: %w", err)
		}
	}
	if err := l.poh.Append(tick); err != nil {
		return nil, err
	}
	l.chain = append(l.chain, genesis)
	l.log.Info("genesis block created", slog.String("hash", genesis.Hash))
	return l, nil
}

// Submit appends a transaction to the pending queue without validation and returns
// the queue length.
func (l *Ledger) Submit(tx Transaction) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.submitLocked(tx)
}

func (l *Ledger) submitLocked(tx Transaction) int {
	l.pending = append(l.pending, tx)
	return len(l.pending)
}

// RegisterDevice records a new UAV identity and queues its registration transaction.
func (l *Ledger) RegisterDevice(deviceID, publicKey, model, firmwareVersion string) (Receipt, error) {
	if strings.TrimSpace(deviceID) == "" {
		return Receipt{}, fmt.Errorf("%w: device id is required", ErrInvalidArgument)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.devices[deviceID]; exists {
		return Receipt{}, fmt.Errorf("%w: %s", ErrDuplicateDevice, deviceID)
	}
	if kc, ok := l.verifier.(KeyChecker); ok {
		if err := kc.CheckKey(publicKey); err != nil {
			return Receipt{}, err
		}
	}

	n := l.submitLocked(Transaction{
		Type:            TxRegister,
		DeviceID:        deviceID,
		PublicKey:       publicKey,
		Model:           model,
		FirmwareVersion: firmwareVersion,
		Timestamp:       l.now().Unix(),
	})
	l.devices[deviceID] = &DeviceRecord{
		PublicKey:       publicKey,
		Model:           model,
		FirmwareVersion: firmwareVersion,
	}
	l.log.Debug("device registered", slog.String("device", deviceID), slog.Int("pending", n))
	return Receipt{DeviceID: deviceID, QueueLength: n, Message: "UAV registered successfully"}, nil
}

// AuthenticateDevice accepts a signed authentication request, consuming its nonce.
func (l *Ledger) AuthenticateDevice(deviceID, nonce string, timestamp int64, signature string) (Receipt, error) {
	if strings.TrimSpace(nonce) == "" {
		return Receipt{}, fmt.Errorf("%w: nonce is required", ErrInvalidArgument)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, exists := l.devices[deviceID]
	if !exists {
		return Receipt{}, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	key := NonceKey{DeviceID: deviceID, Nonce: nonce}
	if _, used := l.nonces[key]; used {
		return Receipt{}, fmt.Errorf("%w: %s", ErrReplayedNonce, deviceID)
	}
	if !l.verifier.Verify(rec.PublicKey, AuthMessage(deviceID, nonce, timestamp), signature) {
		return Receipt{}, fmt.Errorf("%w: %s", ErrUnverifiedSignature, deviceID)
	}

	n := l.submitLocked(Transaction{
		Type:      TxAuthenticate,
		DeviceID:  deviceID,
		Nonce:     nonce,
		Timestamp: timestamp,
		Signature: signature,
	})
	l.nonces[key] = timestamp
	ts := timestamp
	rec.LastAuthenticated = &ts
	l.log.Debug("device authenticated", slog.String("device", deviceID), slog.Int("pending", n))
	return Receipt{DeviceID: deviceID, QueueLength: n, Message: "UAV authenticated successfully"}, nil
}

// ProduceBlock drains the pending queue into a new block bound to one tick.
// It returns ErrEmptySubmissionQueue when there is nothing to include.
func (l *Ledger) ProduceBlock() (*Block, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.pending) == 0 {
		return nil, ErrEmptySubmissionQueue
	}
	batch := append([]Transaction(nil), l.pending...)
	tick, err := l.poh.Next(batch)
	if err != nil {
		return nil, err
	}
	tip := l.chain[len(l.chain)-1]
	block, err := NewBlock(tip.Index+1, tip.Hash, tick, batch, l.now().Unix())
	if err != nil {
		return nil, err
	}
	if l.committer != nil {
		if err := l.committer.Commit(l.commitBatchLocked(block)); err != nil {
			return nil, fmt.Errorf("failed to commit block %d: %w", block.Index, err)
		}
	}
	if err := l.poh.Append(tick); err != nil {
		return nil, err
	}
	l.chain = append(l.chain, block)
	l.pending = nil

	l.log.Info("block produced", slog.Int64("index", block.Index), slog.String("hash", block.Hash), slog.Int("transactions", len(block.Transactions)))
	cp := block.Clone()
	return &cp, nil
}

func (l *Ledger) commitBatchLocked(b *Block) CommitBatch {
	batch := CommitBatch{Block: b.Clone(), Devices: make(map[string]DeviceRecord)}
	for _, tx := range b.Transactions {
		if rec, ok := l.devices[tx.DeviceID]; ok {
			batch.Devices[tx.DeviceID] = rec.Clone()
		}
		if tx.Type == TxAuthenticate {
			key := NonceKey{DeviceID: tx.DeviceID, Nonce: tx.Nonce}
			batch.Nonces = append(batch.Nonces, NonceEntry{DeviceID: tx.DeviceID, Nonce: tx.Nonce, Timestamp: l.nonces[key]})
		}
	}
	return batch
}

// IsChainValid walks the chain from index 1 checking every stored hash and link.
func (l *Ledger) IsChainValid() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.checkLinksLocked() == nil
}

func (l *Ledger) checkLinksLocked() error {
	for i := 1; i < len(l.chain); i++ {
		cur, prev := l.chain[i], l.chain[i-1]
		if !cur.Verify() {
			return fmt.Errorf("%w: block %d hash mismatch", ErrChainIntegrity, i)
		}
		if cur.PrevHash != prev.Hash {
			return fmt.Errorf("%w: block %d prev_hash mismatch", ErrChainIntegrity, i)
		}
	}
	return nil
}

// VerifyTicks checks the tick sequence over [start, end).
func (l *Ledger) VerifyTicks(start, end int) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.poh.VerifySequence(start, end)
}

// Audit runs every integrity check the ledger knows and returns the first violation:
// the genesis block shape, the block links, the full tick sequence and the binding of
// each block to its tick.
func (l *Ledger) Audit() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.auditLocked()
}

func (l *Ledger) auditLocked() error {
	if len(l.chain) == 0 {
		return fmt.Errorf("%w: missing genesis block", ErrChainIntegrity)
	}
	g := l.chain[0]
	if g.Index != 0 || g.PrevHash != ZeroHash || len(g.Transactions) != 0 || !g.Verify() {
		return fmt.Errorf("%w: malformed genesis block", ErrChainIntegrity)
	}
	if err := l.checkLinksLocked(); err != nil {
		return err
	}
	if l.poh.Count() != len(l.chain) {
		return fmt.Errorf("%w: %d ticks for %d blocks", ErrChainIntegrity, l.poh.Count(), len(l.chain))
	}
	if err := l.poh.checkRange(0, l.poh.Count()); err != nil {
		return err
	}
	for i, b := range l.chain {
		if b.Index != int64(i) {
			return fmt.Errorf("%w: block %d has index %d", ErrChainIntegrity, i, b.Index)
		}
		if b.Tick.Digest != l.poh.ticks[i].Digest {
			return fmt.Errorf("%w: block %d is not bound to tick %d", ErrChainIntegrity, i, i+1)
		}
	}
	return nil
}

// Verification is the outcome of one pass over the chain.
type Verification struct {
	Blocks     int
	ChainValid bool
	TicksValid bool
	// Err is the first violation found by Audit, nil for a sound ledger.
	Err error
}

// Verify runs IsChainValid, VerifyTicks over every tick and Audit against the same
// state.
func (l *Ledger) Verify() Verification {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := len(l.chain)
	return Verification{
		Blocks:     n,
		ChainValid: l.checkLinksLocked() == nil,
		TicksValid: l.poh.VerifySequence(0, n),
		Err:        l.auditLocked(),
	}
}

// DeviceStatus returns the registry record of a device.
func (l *Ledger) DeviceStatus(deviceID string) (DeviceRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.devices[deviceID]
	if !ok {
		return DeviceRecord{}, false
	}
	return rec.Clone(), true
}

// Stats returns the chain and registry sizes.
func (l *Ledger) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.statsLocked()
}

// Summary returns the stats together with a copy of the chain they describe.
func (l *Ledger) Summary() (Stats, []Block) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	blocks := make([]Block, 0, len(l.chain))
	for _, b := range l.chain {
		blocks = append(blocks, b.Clone())
	}
	return l.statsLocked(), blocks
}

func (l *Ledger) statsLocked() Stats {
	return Stats{
		Blocks:        len(l.chain),
		Devices:       len(l.devices),
		Pending:       len(l.pending),
		Nonces:        len(l.nonces),
		Ticks:         l.poh.Count(),
		LastBlockTime: l.chain[len(l.chain)-1].Timestamp,
	}
}

// PendingCount returns the number of queued transactions.
func (l *Ledger) PendingCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.pending)
}

// Len returns the number of blocks, genesis included.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.chain)
}

// Block returns the block at index.
func (l *Ledger) Block(index int64) (Block, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index < 0 || index >= int64(len(l.chain)) {
		return Block{}, false
	}
	return l.chain[index].Clone(), true
}

// Blocks returns up to limit blocks starting at index from.
func (l *Ledger) Blocks(from int64, limit int) []Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if from < 0 {
		from = 0
	}
	out := []Block{}
	for i := from; i < int64(len(l.chain)) && len(out) < limit; i++ {
		out = append(out, l.chain[i].Clone())
	}
	return out
}

// Latest returns the chain tip.
func (l *Ledger) Latest() Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.chain[len(l.chain)-1].Clone()
}

// Genesis returns block 0.
func (l *Ledger) Genesis() Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.chain[0].Clone()
}

// Snapshot copies the chain and registries. Registry effects of pending transactions
// are included, so a snapshot taken with a non-empty queue does not pass Restore.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	snap := Snapshot{Devices: make(map[string]DeviceRecord, len(l.devices))}
	for _, b := range l.chain {
		snap.Blocks = append(snap.Blocks, b.Clone())
	}
	for id, rec := range l.devices {
		snap.Devices[id] = rec.Clone()
	}
	for k, ts := range l.nonces {
		snap.Nonces = append(snap.Nonces, NonceEntry{DeviceID: k.DeviceID, Nonce: k.Nonce, Timestamp: ts})
	}
	return snap
}
