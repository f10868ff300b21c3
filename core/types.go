package core

// TxType discriminates the transaction variants recorded in blocks.
type TxType string

const (
	TxRegister     TxType = "REGISTER"
	TxAuthenticate TxType = "AUTHENTICATE"
)

// Transaction represents a ledger transaction. Register transactions carry the
// identity fields, authenticate transactions carry the nonce and signature.
type Transaction struct {
	Type            TxType `json:"type"`
	DeviceID        string `json:"uav_id"`
	PublicKey       string `json:"public_key,omitempty"`
	Model           string `json:"model,omitempty"`
	FirmwareVersion string `json:"firmware_version,omitempty"`
	Nonce           string `json:"nonce,omitempty"`
	Signature       string `json:"signature,omitempty"`
	Timestamp       int64  `json:"timestamp"`
}

// DeviceRecord is the registry entry of a registered UAV.
type DeviceRecord struct {
	PublicKey         string `json:"public_key"`
	Model             string `json:"model"`
	FirmwareVersion   string `json:"firmware_version"`
	LastAuthenticated *int64 `json:"last_auth"`
}

// Clone returns a copy that shares nothing with the registry.
func (r DeviceRecord) Clone() DeviceRecord {
	cp := r
	if r.LastAuthenticated != nil {
		ts := *r.LastAuthenticated
		cp.LastAuthenticated = &ts
	}
	return cp
}

// NonceKey identifies a consumed authentication nonce.
type NonceKey struct {
	DeviceID string
	Nonce    string
}

// NonceEntry is a consumed nonce with the timestamp it was first seen with.
type NonceEntry struct {
	DeviceID  string `json:"uav_id"`
	Nonce     string `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
}

// Key returns the registry key of the entry.
func (e NonceEntry) Key() NonceKey {
	return NonceKey{DeviceID: e.DeviceID, Nonce: e.Nonce}
}

// Receipt describes an accepted write.
type Receipt struct {
	DeviceID    string
	QueueLength int
	Message     string
}

// Snapshot is the persisted form of a ledger.
type Snapshot struct {
	Blocks  []Block
	Devices map[string]DeviceRecord
	Nonces  []NonceEntry
}

// CommitBatch is what a Committer persists when a block is produced: the block itself
// and the registry records its transactions touched.
type CommitBatch struct {
	Block   Block
	Devices map[string]DeviceRecord
	Nonces  []NonceEntry
}

// Committer persists produced blocks. Commit runs while the ledger holds its write
// lock; a returned error aborts block production.
type Committer interface {
	Commit(batch CommitBatch) error
}

// Stats is a point-in-time summary of the ledger.
type Stats struct {
	Blocks        int   `json:"blocks"`
	Devices       int   `json:"registered_uavs"`
	Pending       int   `json:"pending_transactions"`
	Nonces        int   `json:"consumed_nonces"`
	Ticks         int   `json:"ticks"`
	LastBlockTime int64 `json:"last_block_time"`
}
