package txkeeper

// Mock implementations live here rather than in testutil to avoid an import
// cycle: they implement txkeeper interfaces.

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// mockChainReader is a configurable ChainReader. Zero-value behavior: nonce
// 0, empty balance considered ample, no receipts.
type mockChainReader struct {
	mu sync.Mutex

	nonces   map[common.Address]uint64
	balances map[common.Address]*big.Int
	receipts map[common.Hash]*types.Receipt

	nonceErr    error
	receiptErr  error
	receiptErrs map[common.Hash]error
	balanceErr  error

	receiptCalls int
}

func newMockChainReader() *mockChainReader {
	return &mockChainReader{
		nonces:      make(map[common.Address]uint64),
		balances:    make(map[common.Address]*big.Int),
		receipts:    make(map[common.Hash]*types.Receipt),
		receiptErrs: make(map[common.Hash]error),
	}
}

func (m *mockChainReader) TransactionCount(ctx context.Context, addr common.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nonceErr != nil {
		return 0, m.nonceErr
	}
	return m.nonces[addr], nil
}

func (m *mockChainReader) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receiptCalls++
	if err, ok := m.receiptErrs[hash]; ok {
		return nil, err
	}
	if m.receiptErr != nil {
		return nil, m.receiptErr
	}
	return m.receipts[hash], nil
}

func (m *mockChainReader) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balanceErr != nil {
		return nil, m.balanceErr
	}
	if b, ok := m.balances[addr]; ok {
		return new(big.Int).Set(b), nil
	}
	// Default to a balance no test transaction exceeds.
	return new(big.Int).Mul(big.NewInt(100), big.NewInt(1e18)), nil
}

func (m *mockChainReader) setNonce(addr common.Address, n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nonces[addr] = n
}

func (m *mockChainReader) setReceipt(hash common.Hash, r *types.Receipt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receipts[hash] = r
}

func (m *mockChainReader) setReceiptErr(hash common.Hash, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receiptErrs[hash] = err
}

func (m *mockChainReader) setBalance(addr common.Address, b *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[addr] = b
}

// mockSigner returns a deterministic fake raw transaction per record, or the
// configured error.
type mockSigner struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (m *mockSigner) SignTx(ctx context.Context, record *TransactionRecord, chainID uint64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return append([]byte("signed:"), []byte(record.ID)...), nil
}

// mockPublisher returns a hash derived from the raw payload, or the
// configured error. published records every payload it accepted.
type mockPublisher struct {
	mu        sync.Mutex
	err       error
	published [][]byte
}

func (m *mockPublisher) PublishTx(ctx context.Context, rawTx []byte) (common.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return common.Hash{}, m.err
	}
	m.published = append(m.published, append([]byte(nil), rawTx...))
	return crypto.Keccak256Hash(rawTx), nil
}

func (m *mockPublisher) publishCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.published)
}

// mockGasEstimator returns fixed values.
type mockGasEstimator struct {
	gasPrice *big.Int
	gasLimit uint64
}

func (m *mockGasEstimator) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(m.gasPrice), nil
}

func (m *mockGasEstimator) EstimateGas(ctx context.Context, params TxParams) (uint64, error) {
	return m.gasLimit, nil
}
