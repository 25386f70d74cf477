package txkeeper

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CaliberVB/txkeeper/testutil"
)

func addRecord(t *testing.T, s *TransactionStore, id string, status TxStatus) *TransactionRecord {
	t.Helper()
	rec := newTestRecord(id)
	rec.Status = status
	require.NoError(t, s.AddRecord(rec))
	return s.GetRecord(id)
}

func TestAddRecord(t *testing.T) {
	s := NewTransactionStore(1)

	rec := newTestRecord("tx-1")
	require.NoError(t, s.AddRecord(rec))

	stored := s.GetRecord("tx-1")
	require.NotNil(t, stored)
	assert.Equal(t, StatusUnapproved, stored.Status)
	assert.Equal(t, uint64(1), stored.NetworkID)
	assert.False(t, stored.CreatedAt.IsZero())

	require.Len(t, stored.History, 1)
	assert.Equal(t, EntrySnapshot, stored.History[0].Kind)
	assert.Empty(t, stored.History[0].Snapshot.History)
}

func TestAddRecord_RejectsDuplicateID(t *testing.T) {
	s := NewTransactionStore(1)

	require.NoError(t, s.AddRecord(newTestRecord("tx-1")))
	err := s.AddRecord(newTestRecord("tx-1"))
	assert.ErrorIs(t, err, ErrDuplicateRecordID)
}

func TestAddRecord_RejectsInvalidParams(t *testing.T) {
	s := NewTransactionStore(1)

	rec := newTestRecord("tx-1")
	rec.TxParams.To = nil
	rec.TxParams.Data = nil
	err := s.AddRecord(rec)
	assert.ErrorIs(t, err, ErrInvalidTxParams)
	assert.Nil(t, s.GetRecord("tx-1"))
}

func TestAddRecord_DoesNotRetainCallerCopy(t *testing.T) {
	s := NewTransactionStore(1)

	rec := newTestRecord("tx-1")
	require.NoError(t, s.AddRecord(rec))
	rec.Status = StatusFailed
	rec.TxParams.Value.SetInt64(999999)

	stored := s.GetRecord("tx-1")
	assert.Equal(t, StatusUnapproved, stored.Status)
	assert.Equal(t, int64(1000), stored.TxParams.Value.Int64())
}

func TestUpdateRecord_AppendsDiff(t *testing.T) {
	s := NewTransactionStore(1)
	addRecord(t, s, "tx-1", StatusUnapproved)

	rec := s.GetRecord("tx-1")
	rec.Status = StatusApproved
	require.NoError(t, s.UpdateRecord(rec, "approved"))

	stored := s.GetRecord("tx-1")
	assert.Equal(t, StatusApproved, stored.Status)
	require.Len(t, stored.History, 2)
	assert.Equal(t, EntryDiff, stored.History[1].Kind)
	assert.Equal(t, "approved", stored.History[1].Note)

	replayed, err := ReplayHistory(stored.History)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, replayed.Status)
}

func TestUpdateRecord_NoOpAppendsNothing(t *testing.T) {
	s := NewTransactionStore(1)
	addRecord(t, s, "tx-1", StatusUnapproved)

	rec := s.GetRecord("tx-1")
	require.NoError(t, s.UpdateRecord(rec, "noop"))

	stored := s.GetRecord("tx-1")
	assert.Len(t, stored.History, 1)
}

func TestUpdateRecord_UnknownID(t *testing.T) {
	s := NewTransactionStore(1)
	err := s.UpdateRecord(newTestRecord("missing"), "note")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestUpdateRecord_ParamsImmutableOnceSigned(t *testing.T) {
	s := NewTransactionStore(1)
	addRecord(t, s, "tx-1", StatusSigned)

	rec := s.GetRecord("tx-1")
	rec.TxParams.Value = big.NewInt(555)
	err := s.UpdateRecord(rec, "tamper")
	assert.ErrorIs(t, err, ErrTxParamsImmutable)

	stored := s.GetRecord("tx-1")
	assert.Equal(t, int64(1000), stored.TxParams.Value.Int64())
	assert.Len(t, stored.History, 1)
}

func TestUpdateRecord_InvalidLeavesRecordUntouched(t *testing.T) {
	s := NewTransactionStore(1)
	addRecord(t, s, "tx-1", StatusUnapproved)
	before := s.GetRecord("tx-1")

	rec := s.GetRecord("tx-1")
	rec.TxParams.Value = big.NewInt(-1)
	err := s.UpdateRecord(rec, "bad")
	assert.ErrorIs(t, err, ErrInvalidTxParams)

	after := s.GetRecord("tx-1")
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, 0, before.TxParams.Value.Cmp(after.TxParams.Value))
	assert.Len(t, after.History, len(before.History))
}

func TestSetStatus_TerminalIsSink(t *testing.T) {
	s := NewTransactionStore(1)
	addRecord(t, s, "tx-1", StatusSubmitted)

	require.NoError(t, s.SetStatusConfirmed("tx-1"))

	err := s.SetStatusDropped("tx-1")
	assert.ErrorIs(t, err, ErrAlreadyFinalized)
	err = s.SetStatusFailed("tx-1", fmt.Errorf("late failure"))
	assert.ErrorIs(t, err, ErrAlreadyFinalized)
	assert.Equal(t, StatusConfirmed, s.GetRecord("tx-1").Status)
}

func TestSetStatusFailed_RecordsError(t *testing.T) {
	s := NewTransactionStore(1)
	addRecord(t, s, "tx-1", StatusApproved)

	require.NoError(t, s.SetStatusFailed("tx-1", errors.New("gas estimation blew up")))

	stored := s.GetRecord("tx-1")
	assert.Equal(t, StatusFailed, stored.Status)
	assert.Equal(t, "gas estimation blew up", stored.Err)
}

func TestUpdateRecord_StaleCloneCannotRevertFinalized(t *testing.T) {
	s := NewTransactionStore(1)
	addRecord(t, s, "tx-1", StatusSubmitted)

	// A clone taken before finalization still carries the submitted status.
	stale := s.GetRecord("tx-1")
	require.NoError(t, s.SetStatusConfirmed("tx-1"))

	stale.ReplacedBy = testutil.TestHash2
	err := s.UpdateRecord(stale, "txkeeper: tx dropped")
	assert.ErrorIs(t, err, ErrAlreadyFinalized)

	stored := s.GetRecord("tx-1")
	assert.Equal(t, StatusConfirmed, stored.Status)
	assert.Equal(t, common.Hash{}, stored.ReplacedBy)
}

func TestUpdateRecordFn_SeesStoredValue(t *testing.T) {
	s := NewTransactionStore(1)
	addRecord(t, s, "tx-1", StatusSubmitted)
	require.NoError(t, s.SetStatusConfirmed("tx-1"))

	err := s.UpdateRecordFn("tx-1", "txkeeper: tx dropped", func(rec *TransactionRecord) error {
		if rec.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrAlreadyFinalized, rec.ID, rec.Status)
		}
		rec.Status = StatusDropped
		return nil
	})
	assert.ErrorIs(t, err, ErrAlreadyFinalized)
	assert.Equal(t, StatusConfirmed, s.GetRecord("tx-1").Status)
}

func TestUpdateRecordFn_SerializesConcurrentMutations(t *testing.T) {
	s := NewTransactionStore(1)
	addRecord(t, s, "tx-1", StatusSubmitted)

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.UpdateRecordFn("tx-1", "txkeeper: tx rebroadcast", func(rec *TransactionRecord) error {
				rec.RetryCount++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stored := s.GetRecord("tx-1")
	assert.Equal(t, workers, stored.RetryCount)

	// Each increment diffed against the value it actually replaced.
	replayed, err := ReplayHistory(stored.History)
	require.NoError(t, err)
	assert.Equal(t, workers, replayed.RetryCount)
}

func TestUpdateRecordFn_ErrorLeavesRecordUntouched(t *testing.T) {
	s := NewTransactionStore(1)
	addRecord(t, s, "tx-1", StatusSubmitted)
	before := s.GetRecord("tx-1")

	err := s.UpdateRecordFn("tx-1", "txkeeper: tx rebroadcast", func(rec *TransactionRecord) error {
		rec.RetryCount++
		return errors.New("changed my mind")
	})
	assert.EqualError(t, err, "changed my mind")

	after := s.GetRecord("tx-1")
	assert.Equal(t, before.RetryCount, after.RetryCount)
	assert.Len(t, after.History, len(before.History))
}

func TestUpdateRecordFn_UnknownRecord(t *testing.T) {
	s := NewTransactionStore(1)
	err := s.UpdateRecordFn("ghost", "txkeeper: tx rebroadcast", func(rec *TransactionRecord) error {
		return nil
	})
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestGetFiltered(t *testing.T) {
	s := NewTransactionStore(1)
	addRecord(t, s, "tx-1", StatusUnapproved)
	addRecord(t, s, "tx-2", StatusSubmitted)

	other := newTestRecord("tx-other")
	other.NetworkID = 5
	other.Status = StatusSubmitted
	require.NoError(t, s.AddRecord(other))

	status := StatusSubmitted
	got := s.GetFiltered(Query{Status: &status})
	require.Len(t, got, 1)
	assert.Equal(t, "tx-2", got[0].ID)

	got = s.GetFiltered(Query{Status: &status, AllNetworks: true})
	assert.Len(t, got, 2)

	from := testutil.TestAddr3
	assert.Empty(t, s.GetFiltered(Query{From: &from}))

	got = s.GetFiltered(Query{Match: func(r *TransactionRecord) bool { return r.ID == "tx-1" }})
	require.Len(t, got, 1)
	assert.Equal(t, "tx-1", got[0].ID)
}

func TestRetention_PrunesOldestFinalized(t *testing.T) {
	s := NewTransactionStore(1, WithStoreHistoryLimit(3))

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("done-%d", i)
		addRecord(t, s, id, StatusSubmitted)
		require.NoError(t, s.SetStatusConfirmed(id))
	}
	addRecord(t, s, "open-1", StatusUnapproved)

	// A fourth finalized record pushes the pool over the limit.
	extra := newTestRecord("done-3")
	extra.Status = StatusConfirmed
	require.NoError(t, s.AddRecord(extra))

	assert.Nil(t, s.GetRecord("done-0"))
	assert.NotNil(t, s.GetRecord("done-1"))
	assert.NotNil(t, s.GetRecord("done-3"))
	assert.NotNil(t, s.GetRecord("open-1"), "unapproved records are never pruned")
}

func TestRetention_IgnoresOtherNetworks(t *testing.T) {
	s := NewTransactionStore(1, WithStoreHistoryLimit(1))

	foreign := newTestRecord("foreign")
	foreign.NetworkID = 5
	foreign.Status = StatusConfirmed
	require.NoError(t, s.AddRecord(foreign))

	for i := 0; i < 2; i++ {
		local := newTestRecord(fmt.Sprintf("local-%d", i))
		local.Status = StatusConfirmed
		require.NoError(t, s.AddRecord(local))
	}

	assert.NotNil(t, s.GetRecord("foreign"))
	assert.Nil(t, s.GetRecord("local-0"))
	assert.NotNil(t, s.GetRecord("local-1"))
}

func TestRecordList_CapsUniqueNonces(t *testing.T) {
	s := NewTransactionStore(1)

	withNonce := func(id string, n uint64) {
		rec := newTestRecord(id)
		rec.TxParams.Nonce = &n
		require.NoError(t, s.AddRecord(rec))
	}
	withNonce("n0", 0)
	withNonce("n1-a", 1)
	withNonce("n1-b", 1) // competing submission at the same nonce
	withNonce("n2", 2)

	got := s.RecordList(2)
	ids := make([]string, len(got))
	for i, rec := range got {
		ids[i] = rec.ID
	}
	// Nonces 1 and 2 are the two most recent; both records at nonce 1 stay.
	assert.Equal(t, []string{"n1-a", "n1-b", "n2"}, ids)

	assert.Len(t, s.RecordList(0), 4)
}

func TestWipeRecords(t *testing.T) {
	s := NewTransactionStore(1)
	addRecord(t, s, "mine-1", StatusSubmitted)
	addRecord(t, s, "mine-2", StatusConfirmed)

	other := newTestRecord("theirs")
	other.TxParams.From = testutil.TestAddr3
	require.NoError(t, s.AddRecord(other))

	s.WipeRecords(testutil.TestAddr1)

	assert.Nil(t, s.GetRecord("mine-1"))
	assert.Nil(t, s.GetRecord("mine-2"))
	assert.NotNil(t, s.GetRecord("theirs"))
}

func TestSubscribeRecords_EmitsOnStatusChangeOnly(t *testing.T) {
	s := NewTransactionStore(1)

	ch := make(chan RecordEvent, 16)
	sub := s.SubscribeRecords(ch)
	defer sub.Unsubscribe()

	addRecord(t, s, "tx-1", StatusUnapproved)
	ev := <-ch
	assert.Equal(t, "tx-1", ev.ID)
	assert.Equal(t, StatusUnapproved, ev.Status)

	// A non-status mutation emits nothing.
	rec := s.GetRecord("tx-1")
	rec.Metadata = map[string]string{"origin": "dapp"}
	require.NoError(t, s.UpdateRecord(rec, "meta"))

	require.NoError(t, s.SetStatusApproved("tx-1"))
	ev = <-ch
	assert.Equal(t, StatusApproved, ev.Status)
	select {
	case ev := <-ch:
		t.Fatalf("unexpected extra event: %+v", ev)
	default:
	}
}

type capturingPersister struct {
	mu    sync.Mutex
	calls int
	last  []*TransactionRecord
}

func (p *capturingPersister) Persist(records []*TransactionRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.last = records
	return nil
}

func TestPersister_CalledOnEveryMutation(t *testing.T) {
	p := &capturingPersister{}
	s := NewTransactionStore(1, WithStorePersister(p))

	addRecord(t, s, "tx-1", StatusUnapproved)
	require.NoError(t, s.SetStatusApproved("tx-1"))
	s.RemoveRecord("tx-1")

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, 3, p.calls)
	assert.Empty(t, p.last)
}

func TestCountsAndViews(t *testing.T) {
	s := NewTransactionStore(1)
	addRecord(t, s, "u1", StatusUnapproved)
	addRecord(t, s, "u2", StatusUnapproved)
	addRecord(t, s, "p1", StatusSubmitted)
	addRecord(t, s, "a1", StatusApproved)
	addRecord(t, s, "c1", StatusSubmitted)
	require.NoError(t, s.SetStatusConfirmed("c1"))

	assert.Equal(t, 2, s.UnapprovedCount())
	assert.Len(t, s.PendingTransactions(nil), 1)
	assert.Len(t, s.ApprovedTransactions(), 1)

	confirmed := s.ConfirmedTransactions(testutil.TestAddr1)
	require.Len(t, confirmed, 1)
	assert.Equal(t, "c1", confirmed[0].ID)
	assert.Empty(t, s.ConfirmedTransactions(testutil.TestAddr3))
}
