package service

import "github.com/Artfain/uav-ledger/core"

// Envelope wraps every response of the service.
type Envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

func ok(message string, data any) Envelope {
	return Envelope{Success: true, Message: message, Data: data}
}

func fail(message string) Envelope {
	return Envelope{Message: message}
}

type RegisterRequest struct {
	DeviceID        string `json:"uav_id" validate:"required,max=128"`
	PublicKey       string `json:"public_key" validate:"required,hexadecimal"`
	Model           string `json:"model" validate:"required,max=128"`
	FirmwareVersion string `json:"firmware_version" validate:"required,max=64"`
}

type AuthenticateRequest struct {
	DeviceID  string `json:"uav_id" validate:"required,max=128"`
	Nonce     string `json:"nonce" validate:"required,max=128"`
	Timestamp int64  `json:"timestamp" validate:"gt=0"`
	Signature string `json:"signature" validate:"required"`
}

// WriteResult is the data of an accepted register or authenticate request. BlockNumber
// is set when the request was committed immediately.
type WriteResult struct {
	DeviceID    string `json:"uav_id"`
	BlockNumber *int64 `json:"block_number,omitempty"`
	Pending     int    `json:"pending_transactions"`
	Timestamp   int64  `json:"timestamp,omitempty"`
}

type DeviceStatus struct {
	DeviceID          string `json:"uav_id"`
	PublicKey         string `json:"public_key"`
	Model             string `json:"model"`
	Firmware          string `json:"firmware"`
	LastAuthenticated *int64 `json:"last_authenticated"`
}

type Stats struct {
	core.Stats
	MeanBlockInterval   float64 `json:"mean_block_interval"`
	StdDevBlockInterval float64 `json:"stddev_block_interval"`
	MeanBlockSize       float64 `json:"mean_transactions_per_block"`
	StdDevBlockSize     float64 `json:"stddev_transactions_per_block"`
}

type VerifyReport struct {
	ChainValid bool   `json:"chain_valid"`
	TicksValid bool   `json:"ticks_valid"`
	Blocks     int    `json:"blocks"`
	Error      string `json:"error,omitempty"`
}
