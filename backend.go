package txkeeper

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
)

// Signer produces a signed raw transaction for a record. It may fail with an
// error wrapping ErrSignatureDenied when the user refuses, which finalizes
// the record as rejected instead of failed.
type Signer interface {
	SignTx(ctx context.Context, record *TransactionRecord, chainID uint64) ([]byte, error)
}

// Publisher broadcasts a signed raw transaction and returns its hash.
type Publisher interface {
	PublishTx(ctx context.Context, rawTx []byte) (common.Hash, error)
}

// ChainReader is the read-only network query surface the coordinator needs.
// TransactionReceipt returns (nil, nil) when no receipt exists yet.
type ChainReader interface {
	TransactionCount(ctx context.Context, addr common.Address) (uint64, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	Balance(ctx context.Context, addr common.Address) (*big.Int, error)
}

// BlockSource provides the monotonically increasing block number that paces
// monitor polling and resubmission backoff.
type BlockSource interface {
	LatestBlock() uint64
	SubscribeNewBlocks(ch chan<- uint64) event.Subscription
}

// GasEstimator fills gas defaults during approval when the caller left them
// unset. Estimation heuristics live outside the coordinator.
type GasEstimator interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, params TxParams) (uint64, error)
}
