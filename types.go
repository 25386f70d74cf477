package txkeeper

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Defaults for controller and store configuration
const (
	// DefaultTxHistoryLimit is the maximum number of finalized records kept
	// per network before the oldest are pruned.
	DefaultTxHistoryLimit = 40

	// DefaultDroppedBlockBuffer is how many consecutive poll cycles must
	// observe a record's nonce as consumed (with no receipt) before the
	// record is declared dropped. Nodes can briefly report a higher nonce
	// for a transaction they are about to include, so a single observation
	// is not trusted.
	DefaultDroppedBlockBuffer = 3

	// DefaultCancelGasLimit is the gas limit used for cancel transactions,
	// which are plain value transfers to self.
	DefaultCancelGasLimit = 21000
)

// TxStatus is the lifecycle status of a transaction record.
type TxStatus string

const (
	// StatusUnapproved means the record was created but not yet approved
	StatusUnapproved TxStatus = "unapproved"
	// StatusApproved means the record was approved and is being processed
	StatusApproved TxStatus = "approved"
	// StatusSigned means the record has a signed raw transaction
	StatusSigned TxStatus = "signed"
	// StatusSubmitted means the signed transaction was broadcast to the network
	StatusSubmitted TxStatus = "submitted"
	// StatusConfirmed means a receipt was found for the transaction
	StatusConfirmed TxStatus = "confirmed"
	// StatusDropped means the record's nonce slot was consumed by another transaction
	StatusDropped TxStatus = "dropped"
	// StatusFailed means the record failed structurally and cannot proceed
	StatusFailed TxStatus = "failed"
	// StatusRejected means the user or caller denied the transaction
	StatusRejected TxStatus = "rejected"
)

// Terminal reports whether the status is a sink: no further transitions occur.
func (s TxStatus) Terminal() bool {
	switch s {
	case StatusConfirmed, StatusDropped, StatusFailed, StatusRejected:
		return true
	default:
		return false
	}
}

// InFlight reports whether the record is past approval but not yet finalized.
func (s TxStatus) InFlight() bool {
	return s == StatusApproved || s == StatusSigned || s == StatusSubmitted
}

// TxType classifies how a record came to be.
type TxType string

const (
	// TxTypeStandard is a regular transaction created by a caller
	TxTypeStandard TxType = "standard"
	// TxTypeRetry is a speed-up replacement sharing the original's nonce
	TxTypeRetry TxType = "retry"
	// TxTypeCancel is a cancel replacement: a zero-value self-send at the original's nonce
	TxTypeCancel TxType = "cancel"
)

// TxCategory classifies what a transaction does, derived from its params.
type TxCategory string

const (
	CategorySimpleSend          TxCategory = "simpleSend"
	CategoryTokenTransfer       TxCategory = "tokenTransfer"
	CategoryTokenApprove        TxCategory = "tokenApprove"
	CategoryTokenTransferFrom   TxCategory = "tokenTransferFrom"
	CategoryContractDeployment  TxCategory = "contractDeployment"
	CategoryContractInteraction TxCategory = "contractInteraction"
)

// TxParams holds the caller-supplied transaction fields. All fields are
// validated on every store mutation, and the whole struct is immutable once
// the record reaches StatusSigned.
type TxParams struct {
	From     common.Address
	To       *common.Address // nil means contract deployment
	Value    *big.Int
	Data     []byte
	Nonce    *uint64 // assigned by the nonce tracker during approval
	Gas      uint64
	GasPrice *big.Int
}

// Clone returns a deep copy of the params.
func (p TxParams) Clone() TxParams {
	out := p
	if p.To != nil {
		to := *p.To
		out.To = &to
	}
	if p.Value != nil {
		out.Value = new(big.Int).Set(p.Value)
	}
	if p.Data != nil {
		out.Data = append([]byte(nil), p.Data...)
	}
	if p.Nonce != nil {
		n := *p.Nonce
		out.Nonce = &n
	}
	if p.GasPrice != nil {
		out.GasPrice = new(big.Int).Set(p.GasPrice)
	}
	return out
}

// TransactionRecord is the central entity tracked by the coordinator.
// ID, NetworkID, Type, Category and CreatedAt are immutable after creation;
// TxParams becomes immutable once the record is signed.
type TransactionRecord struct {
	ID        string
	Status    TxStatus
	NetworkID uint64
	Type      TxType
	Category  TxCategory
	TxParams  TxParams

	// Hash is the network transaction hash, set once published. A record in
	// StatusSubmitted without a hash is a structural failure.
	Hash common.Hash
	// RawTx is the signed serialized transaction, set by the signer.
	RawTx []byte
	// Receipt is attached when the transaction confirms.
	Receipt *types.Receipt

	// Resubmission bookkeeping
	RetryCount            int
	FirstRetryBlockNumber *uint64

	// ReplacedBy holds the hash of the sibling transaction that consumed
	// this record's nonce slot, set when the record is dropped.
	ReplacedBy common.Hash

	// LastGasPrice is the gas price of the original transaction a retry or
	// cancel record replaces. Records with LastGasPrice set keep their
	// preset nonce during approval instead of acquiring a new one.
	LastGasPrice *big.Int

	// Err is the message of the error that finalized the record, if any.
	Err string

	// Metadata is the typed extension point for callers that need to attach
	// application data to a record.
	Metadata map[string]string

	CreatedAt time.Time

	// History is the append-only audit trail: a full snapshot at creation
	// followed by one diff entry per mutation.
	History []HistoryEntry
}

// Clone returns a deep copy of the record. History entries and receipts are
// immutable once attached, so they are shared, not copied.
func (r *TransactionRecord) Clone() *TransactionRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.TxParams = r.TxParams.Clone()
	if r.RawTx != nil {
		out.RawTx = append([]byte(nil), r.RawTx...)
	}
	if r.LastGasPrice != nil {
		out.LastGasPrice = new(big.Int).Set(r.LastGasPrice)
	}
	if r.FirstRetryBlockNumber != nil {
		n := *r.FirstRetryBlockNumber
		out.FirstRetryBlockNumber = &n
	}
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	if r.History != nil {
		out.History = append([]HistoryEntry(nil), r.History...)
	}
	return &out
}

// Nonce returns the assigned nonce and whether one is set.
func (r *TransactionRecord) Nonce() (uint64, bool) {
	if r.TxParams.Nonce == nil {
		return 0, false
	}
	return *r.TxParams.Nonce, true
}

// categorize derives the transaction category from its params. Token
// categories are detected from the ERC-20 4-byte selectors.
func categorize(p TxParams) TxCategory {
	if len(p.Data) == 0 {
		return CategorySimpleSend
	}
	if p.To == nil {
		return CategoryContractDeployment
	}
	if len(p.Data) >= 4 {
		switch [4]byte{p.Data[0], p.Data[1], p.Data[2], p.Data[3]} {
		case [4]byte{0xa9, 0x05, 0x9c, 0xbb}: // transfer(address,uint256)
			return CategoryTokenTransfer
		case [4]byte{0x09, 0x5e, 0xa7, 0xb3}: // approve(address,uint256)
			return CategoryTokenApprove
		case [4]byte{0x23, 0xb8, 0x72, 0xdd}: // transferFrom(address,address,uint256)
			return CategoryTokenTransferFrom
		}
	}
	return CategoryContractInteraction
}
