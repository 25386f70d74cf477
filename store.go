package txkeeper

import (
	"fmt"
	"sync"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
)

// Persister receives the full record list after every store mutation.
// Implement it to keep records across restarts; failures are logged and
// never block the mutation.
type Persister interface {
	Persist(records []*TransactionRecord) error
}

// Query selects records from the store. Nil fields match everything.
// Queries are scoped to the store's current network unless AllNetworks is
// set; records from other networks are invisible by default.
type Query struct {
	From        *common.Address
	To          *common.Address
	Status      *TxStatus
	Type        *TxType
	Nonce       *uint64
	Hash        *common.Hash
	AllNetworks bool

	// Match is an arbitrary extra predicate applied after the field filters.
	Match func(*TransactionRecord) bool
}

// TransactionStore is the authoritative, network-scoped collection of
// transaction records. All mutations validate params first and are atomic:
// an invalid update leaves the stored record untouched. Every mutation to a
// record appends a history diff computed against the previous stored value,
// so updates to the same record are serialized by the store lock and diffs
// are never computed against a stale base.
type TransactionStore struct {
	mu        sync.RWMutex
	records   map[string]*TransactionRecord
	order     []string // insertion order, oldest first
	networkID uint64

	historyLimit int
	persister    Persister

	feed event.FeedOf[RecordEvent]
}

// StoreOption configures a TransactionStore.
type StoreOption func(*TransactionStore)

// WithStoreHistoryLimit caps how many finalized records are retained per
// network.
func WithStoreHistoryLimit(limit int) StoreOption {
	return func(s *TransactionStore) {
		s.historyLimit = limit
	}
}

// WithStorePersister sets the persistence hook invoked after every mutation.
func WithStorePersister(p Persister) StoreOption {
	return func(s *TransactionStore) {
		s.persister = p
	}
}

// NewTransactionStore creates a store scoped to the given network.
func NewTransactionStore(networkID uint64, opts ...StoreOption) *TransactionStore {
	s := &TransactionStore{
		records:      make(map[string]*TransactionRecord),
		networkID:    networkID,
		historyLimit: DefaultTxHistoryLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NetworkID returns the network the store is currently scoped to.
func (s *TransactionStore) NetworkID() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.networkID
}

// SubscribeRecords delivers a RecordEvent for every record creation and
// status change.
func (s *TransactionStore) SubscribeRecords(ch chan<- RecordEvent) event.Subscription {
	return s.feed.Subscribe(ch)
}

// AddRecord validates and inserts a new record, seeding its history with a
// full snapshot and enforcing the retention policy. The caller's record is
// not retained; the store keeps its own copy.
func (s *TransactionStore) AddRecord(rec *TransactionRecord) error {
	if err := validateTxParams(rec.TxParams); err != nil {
		return err
	}

	s.mu.Lock()
	if _, exists := s.records[rec.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateRecordID, rec.ID)
	}

	stored := rec.Clone()
	if stored.NetworkID == 0 {
		stored.NetworkID = s.networkID
	}
	if stored.Status == "" {
		stored.Status = StatusUnapproved
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	stored.History = []HistoryEntry{snapshotEntry(stored, "txkeeper: record created")}

	s.records[stored.ID] = stored
	s.order = append(s.order, stored.ID)
	s.trimFinalizedLocked()
	ev := RecordEvent{ID: stored.ID, Status: stored.Status, Record: stored.Clone()}
	s.mu.Unlock()

	s.persist()
	s.feed.Send(ev)
	return nil
}

// UpdateRecord validates and applies a full-record update, appending a diff
// entry to the record's history. A no-op update (no field changed) appends
// nothing and emits nothing. Params are immutable once the record is signed,
// and terminal statuses are sinks: a status change away from one is rejected
// even when the caller's copy predates finalization.
func (s *TransactionStore) UpdateRecord(rec *TransactionRecord, note string) error {
	if err := validateTxParams(rec.TxParams); err != nil {
		return err
	}

	s.mu.Lock()
	prev, ok := s.records[rec.ID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRecordNotFound, rec.ID)
	}
	ev, changed, err := s.applyUpdateLocked(prev, rec.Clone(), note)
	s.mu.Unlock()
	if err != nil || !changed {
		return err
	}

	s.persist()
	if ev != nil {
		s.feed.Send(*ev)
	}
	return nil
}

// UpdateRecordFn mutates a record through fn while holding the store lock,
// so a read-modify-write sequence cannot interleave with a concurrent
// mutation of the same record. fn receives a copy of the value as stored
// right now and must not call back into the store; returning an error from
// fn aborts the update with the record untouched.
func (s *TransactionStore) UpdateRecordFn(id, note string, fn func(*TransactionRecord) error) error {
	s.mu.Lock()
	prev, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	next := prev.Clone()
	if err := fn(next); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := validateTxParams(next.TxParams); err != nil {
		s.mu.Unlock()
		return err
	}
	ev, changed, err := s.applyUpdateLocked(prev, next, note)
	s.mu.Unlock()
	if err != nil || !changed {
		return err
	}

	s.persist()
	if ev != nil {
		s.feed.Send(*ev)
	}
	return nil
}

// applyUpdateLocked checks the update invariants against the record as
// stored right now and writes next in place of prev, reporting whether
// anything changed. The caller holds the write lock; the returned event, if
// any, must be sent after unlocking.
func (s *TransactionStore) applyUpdateLocked(prev, next *TransactionRecord, note string) (*RecordEvent, bool, error) {
	if prev.Status.Terminal() && next.Status != prev.Status {
		return nil, false, fmt.Errorf("%w: %s is %s", ErrAlreadyFinalized, prev.ID, prev.Status)
	}
	if signedOrLater(prev.Status) && !equalTxParams(prev.TxParams, next.TxParams) {
		return nil, false, fmt.Errorf("%w: record %s", ErrTxParamsImmutable, prev.ID)
	}

	// Immutable fields always come from the stored record.
	next.NetworkID = prev.NetworkID
	next.Type = prev.Type
	next.Category = prev.Category
	next.CreatedAt = prev.CreatedAt
	if next.Receipt != nil && next.Receipt.Logs == nil {
		next.Receipt.Logs = []*types.Log{}
	}

	changes := diffRecords(prev, next)
	if len(changes) == 0 {
		return nil, false, nil
	}
	next.History = append(append([]HistoryEntry(nil), prev.History...), HistoryEntry{
		Kind:    EntryDiff,
		Changes: changes,
		Note:    note,
		Time:    time.Now(),
	})
	s.records[next.ID] = next

	if prev.Status != next.Status {
		return &RecordEvent{ID: next.ID, Status: next.Status, Record: next.Clone()}, true, nil
	}
	return nil, true, nil
}

// setStatus transitions a record to the given status, validating against the
// stored record at write time. Terminal statuses are sinks: transitioning
// out of one is an error even when another flow finalized the record a
// moment earlier.
func (s *TransactionStore) setStatus(id string, status TxStatus, note string) error {
	return s.UpdateRecordFn(id, note, func(rec *TransactionRecord) error {
		if rec.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrAlreadyFinalized, id, rec.Status)
		}
		rec.Status = status
		return nil
	})
}

// SetStatusApproved marks the record approved.
func (s *TransactionStore) SetStatusApproved(id string) error {
	return s.setStatus(id, StatusApproved, "txkeeper: tx approved")
}

// SetStatusSigned marks the record signed.
func (s *TransactionStore) SetStatusSigned(id string) error {
	return s.setStatus(id, StatusSigned, "txkeeper: tx signed")
}

// SetStatusSubmitted marks the record submitted.
func (s *TransactionStore) SetStatusSubmitted(id string) error {
	return s.setStatus(id, StatusSubmitted, "txkeeper: tx submitted")
}

// SetStatusConfirmed marks the record confirmed.
func (s *TransactionStore) SetStatusConfirmed(id string) error {
	return s.setStatus(id, StatusConfirmed, "txkeeper: tx confirmed")
}

// SetStatusDropped marks the record dropped.
func (s *TransactionStore) SetStatusDropped(id string) error {
	return s.setStatus(id, StatusDropped, "txkeeper: tx dropped")
}

// SetStatusRejected marks the record rejected.
func (s *TransactionStore) SetStatusRejected(id string) error {
	return s.setStatus(id, StatusRejected, "txkeeper: tx rejected")
}

// SetStatusFailed marks the record failed and stores the error message.
func (s *TransactionStore) SetStatusFailed(id string, cause error) error {
	return s.UpdateRecordFn(id, "txkeeper: tx failed", func(rec *TransactionRecord) error {
		if rec.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrAlreadyFinalized, id, rec.Status)
		}
		rec.Status = StatusFailed
		if cause != nil {
			rec.Err = cause.Error()
		}
		return nil
	})
}

// GetRecord returns a copy of the record, or nil if it does not exist.
func (s *TransactionStore) GetRecord(id string) *TransactionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[id].Clone()
}

// GetFiltered returns copies of all records matching the query, in
// insertion order.
func (s *TransactionStore) GetFiltered(q Query) []*TransactionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*TransactionRecord
	for _, id := range s.order {
		rec := s.records[id]
		if s.matchesLocked(rec, q) {
			out = append(out, rec.Clone())
		}
	}
	return out
}

func (s *TransactionStore) matchesLocked(rec *TransactionRecord, q Query) bool {
	if !q.AllNetworks && rec.NetworkID != s.networkID {
		return false
	}
	if q.From != nil && rec.TxParams.From != *q.From {
		return false
	}
	if q.To != nil && (rec.TxParams.To == nil || *rec.TxParams.To != *q.To) {
		return false
	}
	if q.Status != nil && rec.Status != *q.Status {
		return false
	}
	if q.Type != nil && rec.Type != *q.Type {
		return false
	}
	if q.Nonce != nil && (rec.TxParams.Nonce == nil || *rec.TxParams.Nonce != *q.Nonce) {
		return false
	}
	if q.Hash != nil && rec.Hash != *q.Hash {
		return false
	}
	if q.Match != nil && !q.Match(rec) {
		return false
	}
	return true
}

// RecordList returns all current-network records in insertion order. When
// maxUniqueNonces > 0 the result is capped to the most recent N distinct
// (from, nonce) tuples, keeping every record of an included tuple so
// competing submissions for a displayed nonce all appear. Records without a
// nonce count as their own tuple.
func (s *TransactionStore) RecordList(maxUniqueNonces int) []*TransactionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var scoped []*TransactionRecord
	for _, id := range s.order {
		if rec := s.records[id]; rec.NetworkID == s.networkID {
			scoped = append(scoped, rec)
		}
	}
	if maxUniqueNonces <= 0 {
		out := make([]*TransactionRecord, len(scoped))
		for i, rec := range scoped {
			out[i] = rec.Clone()
		}
		return out
	}

	included := map[string]bool{}
	for i := len(scoped) - 1; i >= 0; i-- {
		key := nonceKey(scoped[i])
		if !included[key] {
			if len(included) == maxUniqueNonces {
				continue
			}
			included[key] = true
		}
	}
	var out []*TransactionRecord
	for _, rec := range scoped {
		if included[nonceKey(rec)] {
			out = append(out, rec.Clone())
		}
	}
	return out
}

func nonceKey(rec *TransactionRecord) string {
	if rec.TxParams.Nonce == nil {
		return "id:" + rec.ID
	}
	return fmt.Sprintf("%s:%d", rec.TxParams.From.Hex(), *rec.TxParams.Nonce)
}

// RemoveRecord hard-deletes a record.
func (s *TransactionStore) RemoveRecord(id string) {
	s.mu.Lock()
	s.removeLocked(id)
	s.mu.Unlock()
	s.persist()
}

// WipeRecords removes every current-network record sent from the given
// address.
func (s *TransactionStore) WipeRecords(addr common.Address) {
	s.mu.Lock()
	var doomed []string
	for _, id := range s.order {
		rec := s.records[id]
		if rec.NetworkID == s.networkID && rec.TxParams.From == addr {
			doomed = append(doomed, id)
		}
	}
	for _, id := range doomed {
		s.removeLocked(id)
	}
	s.mu.Unlock()
	s.persist()
}

func (s *TransactionStore) removeLocked(id string) {
	if _, ok := s.records[id]; !ok {
		return
	}
	delete(s.records, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// trimFinalizedLocked enforces the retention policy: once more than
// historyLimit finalized records exist for the current network, the oldest
// finalized records go first. Unapproved records are never pruned.
func (s *TransactionStore) trimFinalizedLocked() {
	var finalized []string
	for _, id := range s.order {
		rec := s.records[id]
		if rec.NetworkID == s.networkID && rec.Status.Terminal() {
			finalized = append(finalized, id)
		}
	}
	for len(finalized) > s.historyLimit {
		victim := finalized[0]
		finalized = finalized[1:]
		logger.WithFields(logger.Fields{
			"record_id": victim,
			"limit":     s.historyLimit,
		}).Debug("transaction store: pruning oldest finalized record")
		s.removeLocked(victim)
	}
}

// UnapprovedCount returns the number of unapproved records on the current
// network.
func (s *TransactionStore) UnapprovedCount() int {
	status := StatusUnapproved
	return len(s.GetFiltered(Query{Status: &status}))
}

// PendingTransactions returns current-network records in submitted status,
// optionally restricted to one sender.
func (s *TransactionStore) PendingTransactions(from *common.Address) []*TransactionRecord {
	status := StatusSubmitted
	return s.GetFiltered(Query{Status: &status, From: from})
}

// ApprovedTransactions returns current-network records in approved status.
func (s *TransactionStore) ApprovedTransactions() []*TransactionRecord {
	status := StatusApproved
	return s.GetFiltered(Query{Status: &status})
}

// ConfirmedTransactions returns current-network confirmed records for an
// address. This feeds the nonce tracker's local-confirmed source of truth.
func (s *TransactionStore) ConfirmedTransactions(from common.Address) []*TransactionRecord {
	status := StatusConfirmed
	return s.GetFiltered(Query{Status: &status, From: &from})
}

func signedOrLater(status TxStatus) bool {
	switch status {
	case StatusSigned, StatusSubmitted, StatusConfirmed, StatusDropped:
		return true
	default:
		return false
	}
}

func (s *TransactionStore) persist() {
	if s.persister == nil {
		return
	}
	if err := s.persister.Persist(s.GetFiltered(Query{AllNetworks: true})); err != nil {
		logger.WithFields(logger.Fields{
			"error": err,
		}).Error("transaction store: persisting records failed")
	}
}
