package testutil

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ============================================================
// Receipt Builders
// ============================================================

// NewReceipt creates a mined test receipt with a specific status
func NewReceipt(txHash common.Hash, blockNumber uint64, status uint64) *types.Receipt {
	return &types.Receipt{
		Status:            status,
		TxHash:            txHash,
		BlockNumber:       new(big.Int).SetUint64(blockNumber),
		BlockHash:         common.HexToHash("0xabcdef1234567890abcdef1234567890abcdef1234567890abcdef1234567890"),
		GasUsed:           21000,
		CumulativeGasUsed: 21000,
		Logs:              []*types.Log{},
	}
}

// NewSuccessReceipt creates a successful mined receipt
func NewSuccessReceipt(txHash common.Hash, blockNumber uint64) *types.Receipt {
	return NewReceipt(txHash, blockNumber, types.ReceiptStatusSuccessful)
}

// NewFailedReceipt creates a reverted mined receipt
func NewFailedReceipt(txHash common.Hash, blockNumber uint64) *types.Receipt {
	return NewReceipt(txHash, blockNumber, types.ReceiptStatusFailed)
}
