package txkeeper

import (
	"fmt"
	"strings"
)

// Coordinator errors
var (
	ErrInvalidTxParams   = fmt.Errorf("invalid tx params")
	ErrRecordNotFound    = fmt.Errorf("transaction record not found")
	ErrDuplicateRecordID = fmt.Errorf("transaction record id already exists")
	ErrTxParamsImmutable = fmt.Errorf("tx params cannot change once the tx is signed")
	ErrAlreadyFinalized  = fmt.Errorf("transaction record is already in a terminal status")

	ErrAcquireNonceFailed = fmt.Errorf("acquire nonce failed")
	ErrNoNonceToReplace   = fmt.Errorf("original tx has no assigned nonce to replace")

	// ErrTxMissingHash marks the structural failure of a record that reached
	// submitted without ever acquiring a network hash.
	ErrTxMissingHash = fmt.Errorf("tx reached submitted state without a hash")

	// ErrSignatureDenied is the sentinel signers wrap when the user refuses
	// to sign. Records failing with it finalize as rejected, not failed.
	ErrSignatureDenied = fmt.Errorf("transaction signature was denied")

	ErrIdempotencyNotConfigured = fmt.Errorf("no idempotency store configured")
)

// knownTransientPublishErrors are node responses to a republish of an already
// known transaction. They mean the network has the tx (or a better
// replacement) and are swallowed without a warning.
var knownTransientPublishErrors = []string{
	"replacement transaction underpriced",
	"known transaction",
	"gas price too low to replace",
	"transaction with the same hash was already imported",
	"gateway timeout",
	"nonce too low",
}

// isKnownTransientError reports whether err matches the known transient
// publish error list, by case-insensitive substring.
func isKnownTransientError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, known := range knownTransientPublishErrors {
		if strings.Contains(msg, known) {
			return true
		}
	}
	return false
}
