package txkeeper

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/rpc"
)

// Client adapts a JSON-RPC node to the ChainReader, Publisher, and
// GasEstimator surfaces.
type Client struct {
	eth *ethclient.Client
	rpc *rpc.Client
}

// Dial connects to an Ethereum JSON-RPC endpoint.
func Dial(ctx context.Context, url string) (*Client, error) {
	rpcClient, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	return NewClient(rpcClient), nil
}

// NewClient wraps an existing RPC connection.
func NewClient(rpcClient *rpc.Client) *Client {
	return &Client{
		eth: ethclient.NewClient(rpcClient),
		rpc: rpcClient,
	}
}

// Close tears down the underlying connection.
func (c *Client) Close() {
	c.rpc.Close()
}

// TransactionCount returns the pending-state nonce for an address.
func (c *Client) TransactionCount(ctx context.Context, addr common.Address) (uint64, error) {
	return c.eth.PendingNonceAt(ctx, addr)
}

// TransactionReceipt returns the receipt for a mined transaction, or
// (nil, nil) when the transaction is not mined yet.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	receipt, err := c.eth.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// Balance returns the latest-state balance for an address.
func (c *Client) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	return c.eth.BalanceAt(ctx, addr, nil)
}

// PublishTx broadcasts a signed raw transaction and returns its hash.
func (c *Client) PublishTx(ctx context.Context, rawTx []byte) (common.Hash, error) {
	var hash common.Hash
	if err := c.rpc.CallContext(ctx, &hash, "eth_sendRawTransaction", hexutil.Encode(rawTx)); err != nil {
		return common.Hash{}, err
	}
	return hash, nil
}

// SuggestGasPrice returns the node's gas price suggestion.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return c.eth.SuggestGasPrice(ctx)
}

// EstimateGas estimates the gas limit for the given params.
func (c *Client) EstimateGas(ctx context.Context, params TxParams) (uint64, error) {
	msg := ethereum.CallMsg{
		From:     params.From,
		To:       params.To,
		Value:    params.Value,
		Data:     params.Data,
		GasPrice: params.GasPrice,
	}
	return c.eth.EstimateGas(ctx, msg)
}

// BlockPoller implements BlockSource by polling the node's head block on an
// interval and fanning new heights out to subscribers.
type BlockPoller struct {
	client   *Client
	interval time.Duration

	mu     sync.RWMutex
	latest uint64

	feed event.FeedOf[uint64]

	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}
}

// NewBlockPoller creates a poller; call Start to begin polling and Stop to
// shut it down.
func NewBlockPoller(client *Client, interval time.Duration) *BlockPoller {
	if interval <= 0 {
		interval = 12 * time.Second
	}
	return &BlockPoller{
		client:   client,
		interval: interval,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the polling loop.
func (p *BlockPoller) Start(ctx context.Context) {
	go p.loop(ctx)
}

// Stop halts polling. Safe to call more than once.
func (p *BlockPoller) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopChan)
		<-p.done
	})
}

// LatestBlock returns the most recently observed block number.
func (p *BlockPoller) LatestBlock() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest
}

// SubscribeNewBlocks delivers each newly observed block number.
func (p *BlockPoller) SubscribeNewBlocks(ch chan<- uint64) event.Subscription {
	return p.feed.Subscribe(ch)
}

func (p *BlockPoller) loop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopChan:
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *BlockPoller) poll(ctx context.Context) {
	block, err := p.client.eth.BlockNumber(ctx)
	if err != nil {
		logger.WithFields(logger.Fields{
			"error": err,
		}).Error("block poller: fetching head block failed")
		return
	}

	p.mu.Lock()
	if block <= p.latest {
		p.mu.Unlock()
		return
	}
	p.latest = block
	p.mu.Unlock()

	p.feed.Send(block)
}
