package core

import "errors"

var (
	ErrDuplicateDevice        = errors.New("UAV already registered")
	ErrUnknownDevice          = errors.New("UAV not registered")
	ErrReplayedNonce          = errors.New("nonce already used (potential replay attack)")
	ErrEmptySubmissionQueue   = errors.New("no pending transactions")
	ErrChainIntegrity         = errors.New("chain integrity violation")
	ErrOutOfRangeVerification = errors.New("verification range out of bounds")
	ErrUnverifiedSignature    = errors.New("signature verification failed")
	ErrInvalidArgument        = errors.New("invalid argument")
	ErrInvalidPublicKey       = errors.New("invalid public key")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrDuplicateDevice, "duplicate_device"},
	{ErrUnknownDevice, "unknown_device"},
	{ErrReplayedNonce, "replayed_nonce"},
	{ErrEmptySubmissionQueue, "empty_submission_queue"},
	{ErrChainIntegrity, "chain_integrity_violation"},
	{ErrOutOfRangeVerification, "out_of_range_verification"},
	{ErrUnverifiedSignature, "unverified_signature"},
	{ErrInvalidArgument, "invalid_argument"},
	{ErrInvalidPublicKey, "invalid_public_key"},
}

// Kind returns the stable name of a ledger error, "internal" for anything unclassified
// and an empty string for nil.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "internal"
}
