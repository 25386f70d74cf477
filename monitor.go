package txkeeper

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"

	"github.com/CaliberVB/txkeeper/internal/nonce"
)

// PendingTrackerConfig wires a PendingTracker to its collaborators. All
// callback fields are required unless noted.
type PendingTrackerConfig struct {
	Chain        ChainReader
	NonceTracker *nonce.Tracker

	// DroppedBlockBuffer is the number of consecutive cycles a transaction
	// must look superseded on chain before it is marked dropped. Zero means
	// DefaultDroppedBlockBuffer.
	DroppedBlockBuffer int

	// GetPendingTransactions returns the records currently in flight.
	GetPendingTransactions func() []*TransactionRecord

	// GetCompletedTransactions returns confirmed records for an address, for
	// detecting locally-known nonce winners.
	GetCompletedTransactions func(addr common.Address) []*TransactionRecord

	ApproveTransaction func(ctx context.Context, id string) error
	PublishTransaction func(ctx context.Context, rawTx []byte) (common.Hash, error)
	ConfirmTransaction func(ctx context.Context, id string) error
	FailTransaction    func(id string, cause error)
	DropTransaction    func(id string, replacedBy common.Hash)

	// MarkRetried records a resubmission attempt: bumps the retry count and
	// pins the first retry block if unset.
	MarkRetried func(id string, block uint64)
}

// PendingTracker watches in-flight transactions, finalizing them when the
// chain resolves their fate and resubmitting ones the network may have
// forgotten. Failures while checking one record never block the others.
type PendingTracker struct {
	cfg PendingTrackerConfig

	warningFeed event.FeedOf[WarningEvent]

	// droppedMu guards droppedCounts, the per-record count of consecutive
	// cycles a transaction appeared superseded.
	droppedMu     sync.Mutex
	droppedCounts map[string]int
}

// NewPendingTracker creates a tracker from the given wiring.
func NewPendingTracker(cfg PendingTrackerConfig) *PendingTracker {
	if cfg.DroppedBlockBuffer <= 0 {
		cfg.DroppedBlockBuffer = DefaultDroppedBlockBuffer
	}
	return &PendingTracker{
		cfg:           cfg,
		droppedCounts: make(map[string]int),
	}
}

// SubscribeWarnings delivers a WarningEvent whenever a monitored transaction
// hits a non-transient error.
func (p *PendingTracker) SubscribeWarnings(ch chan<- WarningEvent) event.Subscription {
	return p.warningFeed.Subscribe(ch)
}

// UpdatePendingTxs checks every in-flight transaction against the chain
// concurrently. Per-record errors are reported as warnings and logged; they
// never abort the sweep.
func (p *PendingTracker) UpdatePendingTxs(ctx context.Context) {
	pending := p.cfg.GetPendingTransactions()
	p.pruneDropCounts(pending)
	if len(pending) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, rec := range pending {
		wg.Add(1)
		go func(rec *TransactionRecord) {
			defer wg.Done()
			if err := p.checkPendingTx(ctx, rec); err != nil {
				logger.WithFields(logger.Fields{
					"record_id": rec.ID,
					"error":     err,
				}).Error("pending tracker: checking transaction failed")
				p.warningFeed.Send(WarningEvent{ID: rec.ID, Err: err})
			}
		}(rec)
	}
	wg.Wait()
}

func (p *PendingTracker) checkPendingTx(ctx context.Context, rec *TransactionRecord) error {
	if rec.Status != StatusSubmitted {
		return nil
	}

	if rec.Hash == (common.Hash{}) {
		p.cfg.FailTransaction(rec.ID, ErrTxMissingHash)
		return nil
	}

	// A locally confirmed sibling with the same nonce wins outright.
	if winner := p.localWinner(rec); winner != nil {
		p.cfg.DropTransaction(rec.ID, winner.Hash)
		p.resetDropCount(rec.ID)
		return nil
	}

	receipt, err := p.cfg.Chain.TransactionReceipt(ctx, rec.Hash)
	if err != nil {
		return fmt.Errorf("fetching receipt for %s: %w", rec.Hash.Hex(), err)
	}
	if receipt != nil && receipt.BlockNumber != nil {
		p.resetDropCount(rec.ID)
		return p.cfg.ConfirmTransaction(ctx, rec.ID)
	}

	// No receipt. If the network nonce has moved past this transaction's
	// nonce it was likely superseded, but a single observation can be a
	// node inconsistency, so require several consecutive ones.
	txNonce, ok := rec.Nonce()
	if !ok {
		return nil
	}
	networkNonce, err := p.cfg.Chain.TransactionCount(ctx, rec.TxParams.From)
	if err != nil {
		return fmt.Errorf("fetching transaction count for %s: %w", rec.TxParams.From.Hex(), err)
	}
	if networkNonce > txNonce {
		if p.bumpDropCount(rec.ID) >= p.cfg.DroppedBlockBuffer {
			logger.WithFields(logger.Fields{
				"record_id":     rec.ID,
				"nonce":         txNonce,
				"network_nonce": networkNonce,
			}).Info("pending tracker: transaction superseded on chain, dropping")
			p.cfg.DropTransaction(rec.ID, common.Hash{})
			p.resetDropCount(rec.ID)
		}
		return nil
	}
	p.resetDropCount(rec.ID)
	return nil
}

func (p *PendingTracker) localWinner(rec *TransactionRecord) *TransactionRecord {
	txNonce, ok := rec.Nonce()
	if !ok {
		return nil
	}
	for _, confirmed := range p.cfg.GetCompletedTransactions(rec.TxParams.From) {
		if confirmed.ID == rec.ID {
			continue
		}
		if n, ok := confirmed.Nonce(); ok && n == txNonce {
			return confirmed
		}
	}
	return nil
}

func (p *PendingTracker) bumpDropCount(id string) int {
	p.droppedMu.Lock()
	defer p.droppedMu.Unlock()
	p.droppedCounts[id]++
	return p.droppedCounts[id]
}

func (p *PendingTracker) resetDropCount(id string) {
	p.droppedMu.Lock()
	defer p.droppedMu.Unlock()
	delete(p.droppedCounts, id)
}

// pruneDropCounts discards counters for records no longer in flight, so
// records finalized outside checkPendingTx do not leave entries behind.
func (p *PendingTracker) pruneDropCounts(pending []*TransactionRecord) {
	live := make(map[string]bool, len(pending))
	for _, rec := range pending {
		live[rec.ID] = true
	}
	p.droppedMu.Lock()
	for id := range p.droppedCounts {
		if !live[id] {
			delete(p.droppedCounts, id)
		}
	}
	p.droppedMu.Unlock()
}

// ResubmitPendingTxs rebroadcasts in-flight transactions the network may
// have lost, with exponential block-based backoff per record. The global
// nonce lock is held only while snapshotting so resubmission never races a
// nonce allocation over the same view.
func (p *PendingTracker) ResubmitPendingTxs(ctx context.Context, block uint64) {
	global := p.cfg.NonceTracker.AcquireGlobal()
	pending := p.cfg.GetPendingTransactions()
	global.Release()

	for _, rec := range pending {
		if err := p.resubmitTx(ctx, rec, block); err != nil {
			if isKnownTransientError(err) {
				logger.WithFields(logger.Fields{
					"record_id": rec.ID,
					"error":     err,
				}).Debug("pending tracker: benign resubmission error")
				continue
			}
			logger.WithFields(logger.Fields{
				"record_id": rec.ID,
				"error":     err,
			}).Error("pending tracker: resubmitting transaction failed")
			p.warningFeed.Send(WarningEvent{ID: rec.ID, Err: err})
		}
	}
}

func (p *PendingTracker) resubmitTx(ctx context.Context, rec *TransactionRecord, block uint64) error {
	if rec.Status.Terminal() {
		return nil
	}

	// Never signed: drive it through the approval pipeline instead.
	if len(rec.RawTx) == 0 {
		return p.cfg.ApproveTransaction(ctx, rec.ID)
	}

	if !resubmitDue(rec, block) {
		return nil
	}

	balance, err := p.cfg.Chain.Balance(ctx, rec.TxParams.From)
	if err != nil {
		return fmt.Errorf("fetching balance for %s: %w", rec.TxParams.From.Hex(), err)
	}
	if balance.Cmp(requiredFunds(rec.TxParams)) < 0 {
		logger.WithFields(logger.Fields{
			"record_id": rec.ID,
			"address":   rec.TxParams.From.Hex(),
			"balance":   balance.String(),
		}).Debug("pending tracker: insufficient balance, skipping resubmission")
		return nil
	}

	if _, err := p.cfg.PublishTransaction(ctx, rec.RawTx); err != nil {
		return fmt.Errorf("rebroadcasting %s: %w", rec.ID, err)
	}
	p.cfg.MarkRetried(rec.ID, block)
	return nil
}

// resubmitDue implements exponential block backoff: the Nth retry waits for
// 2^N blocks past the first retry block.
func resubmitDue(rec *TransactionRecord, block uint64) bool {
	if rec.FirstRetryBlockNumber == nil {
		return true
	}
	first := *rec.FirstRetryBlockNumber
	if block < first {
		return false
	}
	return block-first >= uint64(1)<<uint(rec.RetryCount)
}

func requiredFunds(p TxParams) *big.Int {
	total := new(big.Int)
	if p.Value != nil {
		total.Set(p.Value)
	}
	if p.GasPrice != nil {
		gasCost := new(big.Int).Mul(p.GasPrice, new(big.Int).SetUint64(p.Gas))
		total.Add(total, gasCost)
	}
	return total
}
