package txkeeper

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/google/uuid"

	"github.com/CaliberVB/txkeeper/internal/circuitbreaker"
	"github.com/CaliberVB/txkeeper/internal/nonce"
)

// Controller drives transactions through their full lifecycle: creation,
// approval, nonce assignment, signing, publication, monitoring, and
// finalization. One Controller serves one network.
type Controller struct {
	networkID uint64

	store          *TransactionStore
	nonceTracker   *nonce.Tracker
	pendingTracker *PendingTracker

	chain     ChainReader
	signer    Signer
	publisher Publisher
	blocks    BlockSource
	gas       GasEstimator

	idempotency IdempotencyStore

	historyLimit  int
	droppedBuffer int
	initial       []*TransactionRecord
	persister     Persister

	recordFeed  event.FeedOf[RecordEvent]
	warningFeed event.FeedOf[WarningEvent]
	badgeFeed   event.FeedOf[BadgeEvent]

	pumpSub    event.Subscription
	warningSub event.Subscription
	pumpDone   chan struct{}
	closeOnce  sync.Once
}

// Option configures a Controller.
type Option func(*Controller)

// WithBlockSource enables Run to react to new blocks from the given source.
func WithBlockSource(b BlockSource) Option {
	return func(c *Controller) { c.blocks = b }
}

// WithGasEstimator fills in missing gas fields during approval.
func WithGasEstimator(g GasEstimator) Option {
	return func(c *Controller) { c.gas = g }
}

// WithIdempotencyStore enables CreateWithKey deduplication.
func WithIdempotencyStore(s IdempotencyStore) Option {
	return func(c *Controller) { c.idempotency = s }
}

// WithTxHistoryLimit caps retained finalized records per network.
func WithTxHistoryLimit(limit int) Option {
	return func(c *Controller) { c.historyLimit = limit }
}

// WithDroppedBlockBuffer sets how many consecutive monitor cycles must see a
// transaction superseded before it is marked dropped.
func WithDroppedBlockBuffer(n int) Option {
	return func(c *Controller) { c.droppedBuffer = n }
}

// WithInitialRecords seeds the store, typically from a Persister's last
// snapshot. Records stuck in approved from a previous run are failed during
// boot.
func WithInitialRecords(records []*TransactionRecord) Option {
	return func(c *Controller) { c.initial = records }
}

// WithPersister persists the record set after every mutation.
func WithPersister(p Persister) Option {
	return func(c *Controller) { c.persister = p }
}

// NewController wires a controller for the given network.
func NewController(networkID uint64, chain ChainReader, signer Signer, publisher Publisher, opts ...Option) *Controller {
	c := &Controller{
		networkID:     networkID,
		chain:         chain,
		signer:        signer,
		publisher:     publisher,
		historyLimit:  DefaultTxHistoryLimit,
		droppedBuffer: DefaultDroppedBlockBuffer,
		pumpDone:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.chain = newGuardedReader(c.chain)

	storeOpts := []StoreOption{WithStoreHistoryLimit(c.historyLimit)}
	if c.persister != nil {
		storeOpts = append(storeOpts, WithStorePersister(c.persister))
	}
	c.store = NewTransactionStore(networkID, storeOpts...)

	c.nonceTracker = nonce.NewTracker(
		c.chain.TransactionCount,
		func(addr common.Address) []uint64 { return c.localNonces(addr, StatusSubmitted) },
		func(addr common.Address) []uint64 { return c.localNonces(addr, StatusConfirmed) },
	)

	c.pendingTracker = NewPendingTracker(PendingTrackerConfig{
		Chain:                    c.chain,
		NonceTracker:             c.nonceTracker,
		DroppedBlockBuffer:       c.droppedBuffer,
		GetPendingTransactions:   c.inFlightTransactions,
		GetCompletedTransactions: c.store.ConfirmedTransactions,
		ApproveTransaction:       c.Approve,
		PublishTransaction:       c.publisher.PublishTx,
		ConfirmTransaction:       c.ConfirmTransaction,
		FailTransaction:          c.failTransaction,
		DropTransaction:          c.dropTransaction,
		MarkRetried:              c.markRetried,
	})

	c.seedInitialRecords()
	c.startEventPump()
	return c
}

func (c *Controller) seedInitialRecords() {
	for _, rec := range c.initial {
		if err := c.store.AddRecord(rec); err != nil {
			logger.WithFields(logger.Fields{
				"record_id": rec.ID,
				"error":     err,
			}).Error("controller: seeding persisted record failed")
		}
	}
	c.initial = nil

	// A record left approved by a previous run holds no signed payload we
	// can trust; fail it so the sender can retry cleanly.
	for _, rec := range c.store.ApprovedTransactions() {
		if err := c.store.SetStatusFailed(rec.ID, fmt.Errorf("interrupted during approval")); err != nil {
			logger.WithFields(logger.Fields{
				"record_id": rec.ID,
				"error":     err,
			}).Error("controller: failing interrupted record failed")
		}
	}
}

// startEventPump re-emits store record events on the controller feed and
// derives badge updates from them.
func (c *Controller) startEventPump() {
	recCh := make(chan RecordEvent, 64)
	c.pumpSub = c.store.SubscribeRecords(recCh)
	warnCh := make(chan WarningEvent, 16)
	c.warningSub = c.pendingTracker.SubscribeWarnings(warnCh)

	go func() {
		defer close(c.pumpDone)
		for {
			select {
			case ev, ok := <-recCh:
				if !ok {
					return
				}
				c.recordFeed.Send(ev)
				c.badgeFeed.Send(BadgeEvent{
					UnapprovedCount: c.store.UnapprovedCount(),
					PendingCount:    c.PendingTxCount(),
				})
			case ev, ok := <-warnCh:
				if !ok {
					return
				}
				c.warningFeed.Send(ev)
			case <-c.pumpSub.Err():
				return
			}
		}
	}()
}

// Close stops the event pump. The controller must not be used afterwards.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.pumpSub.Unsubscribe()
		c.warningSub.Unsubscribe()
		<-c.pumpDone
	})
}

// SubscribeRecords delivers record creation and status-change events.
func (c *Controller) SubscribeRecords(ch chan<- RecordEvent) event.Subscription {
	return c.recordFeed.Subscribe(ch)
}

// SubscribeWarnings delivers monitoring warnings.
func (c *Controller) SubscribeWarnings(ch chan<- WarningEvent) event.Subscription {
	return c.warningFeed.Subscribe(ch)
}

// SubscribeBadge delivers unapproved/pending count updates after every
// record event.
func (c *Controller) SubscribeBadge(ch chan<- BadgeEvent) event.Subscription {
	return c.badgeFeed.Subscribe(ch)
}

func (c *Controller) localNonces(addr common.Address, status TxStatus) []uint64 {
	recs := c.store.GetFiltered(Query{From: &addr, Status: &status})
	var nonces []uint64
	for _, rec := range recs {
		if n, ok := rec.Nonce(); ok {
			nonces = append(nonces, n)
		}
	}
	return nonces
}

func (c *Controller) inFlightTransactions() []*TransactionRecord {
	return c.store.GetFiltered(Query{Match: func(rec *TransactionRecord) bool {
		return rec.Status.InFlight()
	}})
}

// Create validates params and inserts a new unapproved record, returning
// its copy.
func (c *Controller) Create(params TxParams) (*TransactionRecord, error) {
	params = normalizeTxParams(params)
	if err := validateTxParams(params); err != nil {
		return nil, err
	}

	rec := &TransactionRecord{
		ID:       uuid.NewString(),
		Status:   StatusUnapproved,
		Type:     TxTypeStandard,
		Category: categorize(params),
		TxParams: params,
	}
	if err := c.store.AddRecord(rec); err != nil {
		return nil, err
	}
	return c.store.GetRecord(rec.ID), nil
}

// CreateWithKey creates a record at most once per idempotency key. Repeat
// calls with the same key return the original record regardless of params.
func (c *Controller) CreateWithKey(key string, params TxParams) (*TransactionRecord, error) {
	if c.idempotency == nil {
		return nil, ErrIdempotencyNotConfigured
	}

	if existing, err := c.idempotency.Get(key); err == nil {
		if rec := c.store.GetRecord(existing.RecordID); rec != nil {
			return rec, nil
		}
	}
	claim, err := c.idempotency.Create(key)
	if err != nil {
		// Lost the race: another caller claimed the key first.
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			if existing, gerr := c.idempotency.Get(key); gerr == nil {
				if rec := c.store.GetRecord(existing.RecordID); rec != nil {
					return rec, nil
				}
			}
		}
		return nil, err
	}

	rec, err := c.Create(params)
	if err != nil {
		if derr := c.idempotency.Delete(key); derr != nil {
			logger.WithFields(logger.Fields{
				"key":   key,
				"error": derr,
			}).Error("controller: releasing idempotency key failed")
		}
		return nil, err
	}
	claim.RecordID = rec.ID
	if err := c.idempotency.Update(claim); err != nil {
		logger.WithFields(logger.Fields{
			"key":   key,
			"error": err,
		}).Error("controller: binding idempotency key failed")
	}
	return rec, nil
}

// Approve moves an unapproved record through nonce assignment, signing, and
// publication. The nonce lock is held until publication is durable so a
// concurrent approval cannot reuse the slot.
func (c *Controller) Approve(ctx context.Context, id string) error {
	rec := c.store.GetRecord(id)
	if rec == nil {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	if rec.Status == StatusUnapproved {
		if err := c.store.SetStatusApproved(id); err != nil {
			return err
		}
		rec = c.store.GetRecord(id)
	}

	var nonceLock *nonce.Lock
	if rec.TxParams.Nonce == nil {
		lock, err := c.nonceTracker.NextNonceLock(ctx, rec.TxParams.From)
		if err != nil {
			c.failRecord(id, fmt.Errorf("%w: %v", ErrAcquireNonceFailed, err))
			return fmt.Errorf("%w: %v", ErrAcquireNonceFailed, err)
		}
		nonceLock = lock
		defer nonceLock.Release()

		n := lock.NextNonce
		rec.TxParams.Nonce = &n
		if err := c.store.UpdateRecord(rec, "txkeeper: nonce assigned"); err != nil {
			return err
		}
	}

	if err := c.fillGasDefaults(ctx, rec); err != nil {
		c.failRecord(id, err)
		return err
	}

	rawTx, err := c.signer.SignTx(ctx, rec, c.networkID)
	if err != nil {
		if errors.Is(err, ErrSignatureDenied) {
			if serr := c.store.SetStatusRejected(id); serr != nil {
				logger.WithFields(logger.Fields{
					"record_id": id,
					"error":     serr,
				}).Error("controller: rejecting record failed")
			}
		} else {
			c.failRecord(id, err)
		}
		return fmt.Errorf("signing transaction %s: %w", id, err)
	}

	rec.RawTx = rawTx
	if err := c.store.UpdateRecord(rec, "txkeeper: tx prepared"); err != nil {
		return err
	}
	if err := c.store.SetStatusSigned(id); err != nil {
		return err
	}

	hash, err := c.publisher.PublishTx(ctx, rawTx)
	if err != nil {
		c.failRecord(id, err)
		return fmt.Errorf("publishing transaction %s: %w", id, err)
	}

	rec = c.store.GetRecord(id)
	rec.Hash = hash
	if err := c.store.UpdateRecord(rec, "txkeeper: tx hash recorded"); err != nil {
		return err
	}
	return c.store.SetStatusSubmitted(id)
}

func (c *Controller) fillGasDefaults(ctx context.Context, rec *TransactionRecord) error {
	if c.gas == nil {
		return nil
	}
	changed := false
	if rec.TxParams.GasPrice == nil {
		price, err := c.gas.SuggestGasPrice(ctx)
		if err != nil {
			return fmt.Errorf("suggesting gas price: %w", err)
		}
		rec.TxParams.GasPrice = price
		changed = true
	}
	if rec.TxParams.Gas == 0 {
		limit, err := c.gas.EstimateGas(ctx, rec.TxParams)
		if err != nil {
			return fmt.Errorf("estimating gas: %w", err)
		}
		rec.TxParams.Gas = limit
		changed = true
	}
	if !changed {
		return nil
	}
	return c.store.UpdateRecord(rec, "txkeeper: gas defaults filled")
}

func (c *Controller) failRecord(id string, cause error) {
	if err := c.store.SetStatusFailed(id, cause); err != nil {
		logger.WithFields(logger.Fields{
			"record_id": id,
			"error":     err,
		}).Error("controller: failing record failed")
	}
}

// Reject finalizes an unapproved record as rejected.
func (c *Controller) Reject(id string) error {
	return c.store.SetStatusRejected(id)
}

// CreateCancelTransaction builds and approves a replacement that sends zero
// value back to the sender at the original nonce, bumping the gas price so
// miners prefer it. customGasPrice overrides the default 10% bump.
func (c *Controller) CreateCancelTransaction(ctx context.Context, id string, customGasPrice *big.Int) (*TransactionRecord, error) {
	orig := c.store.GetRecord(id)
	if orig == nil {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	origNonce, ok := orig.Nonce()
	if !ok {
		return nil, fmt.Errorf("%w: record %s", ErrNoNonceToReplace, id)
	}

	n := origNonce
	self := orig.TxParams.From
	params := TxParams{
		From:     orig.TxParams.From,
		To:       &self,
		Value:    big.NewInt(0),
		Nonce:    &n,
		Gas:      DefaultCancelGasLimit,
		GasPrice: replacementGasPrice(orig.TxParams.GasPrice, customGasPrice),
	}
	return c.createReplacement(ctx, orig, params, TxTypeCancel)
}

// CreateSpeedUpTransaction builds and approves a copy of the original at the
// same nonce with a bumped gas price.
func (c *Controller) CreateSpeedUpTransaction(ctx context.Context, id string, customGasPrice *big.Int) (*TransactionRecord, error) {
	orig := c.store.GetRecord(id)
	if orig == nil {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	if _, ok := orig.Nonce(); !ok {
		return nil, fmt.Errorf("%w: record %s", ErrNoNonceToReplace, id)
	}

	params := orig.TxParams.Clone()
	params.GasPrice = replacementGasPrice(orig.TxParams.GasPrice, customGasPrice)
	return c.createReplacement(ctx, orig, params, TxTypeRetry)
}

func (c *Controller) createReplacement(ctx context.Context, orig *TransactionRecord, params TxParams, txType TxType) (*TransactionRecord, error) {
	params = normalizeTxParams(params)
	if err := validateTxParams(params); err != nil {
		return nil, err
	}

	rec := &TransactionRecord{
		ID:           uuid.NewString(),
		Status:       StatusApproved,
		Type:         txType,
		Category:     categorize(params),
		TxParams:     params,
		LastGasPrice: cloneBig(orig.TxParams.GasPrice),
	}
	if err := c.store.AddRecord(rec); err != nil {
		return nil, err
	}
	if err := c.Approve(ctx, rec.ID); err != nil {
		return nil, err
	}
	return c.store.GetRecord(rec.ID), nil
}

// replacementGasPrice returns custom when given, otherwise the original
// bumped by 10%. A nil original yields nil so gas estimation fills it in.
func replacementGasPrice(orig, custom *big.Int) *big.Int {
	if custom != nil {
		return new(big.Int).Set(custom)
	}
	if orig == nil {
		return nil
	}
	bumped := new(big.Int).Mul(orig, big.NewInt(11))
	return bumped.Div(bumped, big.NewInt(10))
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

// ConfirmTransaction finalizes a record as confirmed, attaching the receipt
// when the chain can provide one, and drops every competing sibling at the
// same nonce.
func (c *Controller) ConfirmTransaction(ctx context.Context, id string) error {
	rec := c.store.GetRecord(id)
	if rec == nil {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}

	if rec.Hash != (common.Hash{}) {
		receipt, err := c.chain.TransactionReceipt(ctx, rec.Hash)
		if err != nil {
			logger.WithFields(logger.Fields{
				"record_id": id,
				"error":     err,
			}).Error("controller: fetching receipt failed, confirming without it")
		} else if receipt != nil {
			if receipt.Logs == nil {
				receipt.Logs = []*types.Log{}
			}
			err := c.store.UpdateRecordFn(id, "txkeeper: receipt attached", func(r *TransactionRecord) error {
				r.Receipt = receipt
				return nil
			})
			if err != nil {
				return err
			}
		}
	}

	if err := c.store.SetStatusConfirmed(id); err != nil {
		return err
	}
	c.markNonceDuplicatesDropped(id)
	return nil
}

// markNonceDuplicatesDropped finalizes every non-terminal sibling sharing
// the winner's (from, nonce) as dropped, recording which hash replaced it.
func (c *Controller) markNonceDuplicatesDropped(winnerID string) {
	winner := c.store.GetRecord(winnerID)
	if winner == nil {
		return
	}
	winnerNonce, ok := winner.Nonce()
	if !ok {
		return
	}

	from := winner.TxParams.From
	siblings := c.store.GetFiltered(Query{From: &from, Nonce: &winnerNonce})
	for _, sib := range siblings {
		if sib.ID == winnerID || sib.Status.Terminal() {
			continue
		}
		c.dropTransaction(sib.ID, winner.Hash)
	}
}

func (c *Controller) dropTransaction(id string, replacedBy common.Hash) {
	err := c.store.UpdateRecordFn(id, "txkeeper: tx dropped", func(rec *TransactionRecord) error {
		if rec.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrAlreadyFinalized, id, rec.Status)
		}
		if replacedBy != (common.Hash{}) {
			rec.ReplacedBy = replacedBy
		}
		rec.Status = StatusDropped
		return nil
	})
	if err != nil && !errors.Is(err, ErrAlreadyFinalized) {
		logger.WithFields(logger.Fields{
			"record_id": id,
			"error":     err,
		}).Error("controller: dropping record failed")
	}
}

func (c *Controller) failTransaction(id string, cause error) {
	c.failRecord(id, cause)
}

func (c *Controller) markRetried(id string, block uint64) {
	err := c.store.UpdateRecordFn(id, "txkeeper: tx rebroadcast", func(rec *TransactionRecord) error {
		rec.RetryCount++
		if rec.FirstRetryBlockNumber == nil {
			b := block
			rec.FirstRetryBlockNumber = &b
		}
		return nil
	})
	if err != nil {
		logger.WithFields(logger.Fields{
			"record_id": id,
			"error":     err,
		}).Error("controller: recording rebroadcast failed")
	}
}

// GetRecord returns a copy of the record, or nil.
func (c *Controller) GetRecord(id string) *TransactionRecord {
	return c.store.GetRecord(id)
}

// GetFiltered returns copies of records matching the query.
func (c *Controller) GetFiltered(q Query) []*TransactionRecord {
	return c.store.GetFiltered(q)
}

// RecordList returns current-network records capped to the most recent
// distinct nonces. See TransactionStore.RecordList.
func (c *Controller) RecordList(maxUniqueNonces int) []*TransactionRecord {
	return c.store.RecordList(maxUniqueNonces)
}

// UnapprovedTxCount returns the number of unapproved records.
func (c *Controller) UnapprovedTxCount() int {
	return c.store.UnapprovedCount()
}

// PendingTxCount returns the number of records awaiting network resolution,
// counting both approved and submitted ones.
func (c *Controller) PendingTxCount() int {
	return len(c.store.GetFiltered(Query{Match: func(r *TransactionRecord) bool {
		return r.Status == StatusApproved || r.Status == StatusSubmitted
	}}))
}

// ConfirmedTransactions returns confirmed records for an address.
func (c *Controller) ConfirmedTransactions(addr common.Address) []*TransactionRecord {
	return c.store.ConfirmedTransactions(addr)
}

// WipeTransactions removes every current-network record for the address.
func (c *Controller) WipeTransactions(addr common.Address) {
	c.store.WipeRecords(addr)
}

// OnNewBlock runs one monitoring cycle: finalize what the chain resolved,
// then rebroadcast what it may have lost.
func (c *Controller) OnNewBlock(ctx context.Context, block uint64) {
	c.pendingTracker.UpdatePendingTxs(ctx)
	c.pendingTracker.ResubmitPendingTxs(ctx, block)
}

// Run consumes the configured block source until ctx is done, driving a
// monitoring cycle per block.
func (c *Controller) Run(ctx context.Context) error {
	if c.blocks == nil {
		return fmt.Errorf("no block source configured")
	}
	blockCh := make(chan uint64, 16)
	sub := c.blocks.SubscribeNewBlocks(blockCh)
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return fmt.Errorf("block subscription failed: %w", err)
		case block := <-blockCh:
			c.OnNewBlock(ctx, block)
		}
	}
}

// WaitForFinished blocks until the record reaches submitted or a terminal
// failure. It returns the submitted record, or an error carrying the failure
// state.
func (c *Controller) WaitForFinished(ctx context.Context, id string) (*TransactionRecord, error) {
	ch := make(chan RecordEvent, 16)
	sub := c.SubscribeRecords(ch)
	defer sub.Unsubscribe()

	// Check current state after subscribing so a transition between the
	// lookup and the subscription cannot be missed.
	if rec := c.store.GetRecord(id); rec != nil {
		if done, out, err := finishedState(rec); done {
			return out, err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev := <-ch:
			if ev.ID != id {
				continue
			}
			if done, out, err := finishedState(ev.Record); done {
				return out, err
			}
		}
	}
}

func finishedState(rec *TransactionRecord) (bool, *TransactionRecord, error) {
	switch rec.Status {
	case StatusSubmitted, StatusConfirmed:
		return true, rec, nil
	case StatusRejected:
		return true, nil, fmt.Errorf("transaction %s was rejected", rec.ID)
	case StatusFailed:
		return true, nil, fmt.Errorf("transaction %s failed: %s", rec.ID, rec.Err)
	case StatusDropped:
		return true, nil, fmt.Errorf("transaction %s was dropped", rec.ID)
	default:
		return false, nil, nil
	}
}

// guardedReader protects chain reads with a circuit breaker so a flapping
// node fails fast instead of stalling every caller.
type guardedReader struct {
	inner   ChainReader
	breaker *circuitbreaker.Breaker
}

func newGuardedReader(inner ChainReader) ChainReader {
	return &guardedReader{
		inner:   inner,
		breaker: circuitbreaker.New(circuitbreaker.DefaultConfig()),
	}
}

func (g *guardedReader) TransactionCount(ctx context.Context, addr common.Address) (uint64, error) {
	var out uint64
	err := g.breaker.Do(func() error {
		var err error
		out, err = g.inner.TransactionCount(ctx, addr)
		return err
	})
	return out, err
}

func (g *guardedReader) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	var out *types.Receipt
	err := g.breaker.Do(func() error {
		var err error
		out, err = g.inner.TransactionReceipt(ctx, hash)
		return err
	})
	return out, err
}

func (g *guardedReader) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	var out *big.Int
	err := g.breaker.Do(func() error {
		var err error
		out, err = g.inner.Balance(ctx, addr)
		return err
	})
	return out, err
}
