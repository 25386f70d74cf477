package txkeeper

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// HistoryEntryKind tags the two history entry variants.
type HistoryEntryKind int

const (
	// EntrySnapshot is a full copy of the record; always and only history[0].
	EntrySnapshot HistoryEntryKind = iota
	// EntryDiff is a list of field-level changes against the previous state.
	EntryDiff
)

// Field names a diffable record field. The set is closed: every mutable
// field of TransactionRecord has exactly one Field constant, and the
// encode/apply switches below cover all of them.
type Field string

const (
	FieldStatus          Field = "status"
	FieldHash            Field = "hash"
	FieldRawTx           Field = "rawTx"
	FieldReceipt         Field = "receipt"
	FieldRetryCount      Field = "retryCount"
	FieldFirstRetryBlock Field = "firstRetryBlockNumber"
	FieldReplacedBy      Field = "replacedBy"
	FieldLastGasPrice    Field = "lastGasPrice"
	FieldErr             Field = "err"
	FieldMetadata        Field = "metadata"
	FieldParamsFrom      Field = "txParams.from"
	FieldParamsTo        Field = "txParams.to"
	FieldParamsValue     Field = "txParams.value"
	FieldParamsData      Field = "txParams.data"
	FieldParamsNonce     Field = "txParams.nonce"
	FieldParamsGas       Field = "txParams.gas"
	FieldParamsGasPrice  Field = "txParams.gasPrice"
)

// allFields fixes the diff ordering so history entries are deterministic.
var allFields = []Field{
	FieldStatus,
	FieldHash,
	FieldRawTx,
	FieldReceipt,
	FieldRetryCount,
	FieldFirstRetryBlock,
	FieldReplacedBy,
	FieldLastGasPrice,
	FieldErr,
	FieldMetadata,
	FieldParamsFrom,
	FieldParamsTo,
	FieldParamsValue,
	FieldParamsData,
	FieldParamsNonce,
	FieldParamsGas,
	FieldParamsGasPrice,
}

// FieldChange records one field transition inside a diff entry.
type FieldChange struct {
	Field Field
	Old   string
	New   string
}

// HistoryEntry is one element of a record's audit trail: either a snapshot
// (Kind == EntrySnapshot, Snapshot set) or a diff (Kind == EntryDiff,
// Changes set).
type HistoryEntry struct {
	Kind     HistoryEntryKind
	Snapshot *TransactionRecord
	Changes  []FieldChange
	Note     string
	Time     time.Time
}

// snapshotEntry builds the creation snapshot. The snapshot's own history is
// stripped so entries do not nest.
func snapshotEntry(rec *TransactionRecord, note string) HistoryEntry {
	snap := rec.Clone()
	snap.History = nil
	return HistoryEntry{
		Kind:     EntrySnapshot,
		Snapshot: snap,
		Note:     note,
		Time:     time.Now(),
	}
}

// diffRecords computes the field-level changes from prev to next.
func diffRecords(prev, next *TransactionRecord) []FieldChange {
	var changes []FieldChange
	for _, f := range allFields {
		oldVal := encodeField(prev, f)
		newVal := encodeField(next, f)
		if oldVal != newVal {
			changes = append(changes, FieldChange{Field: f, Old: oldVal, New: newVal})
		}
	}
	return changes
}

// ReplayHistory rebuilds a record from its audit trail: the snapshot entry
// followed by every diff applied in order. The result carries the replayed
// history itself, so a successful replay reproduces the live record exactly.
func ReplayHistory(history []HistoryEntry) (*TransactionRecord, error) {
	if len(history) == 0 {
		return nil, fmt.Errorf("empty history")
	}
	if history[0].Kind != EntrySnapshot || history[0].Snapshot == nil {
		return nil, fmt.Errorf("history[0] is not a snapshot entry")
	}
	rec := history[0].Snapshot.Clone()
	for i, entry := range history[1:] {
		if entry.Kind != EntryDiff {
			return nil, fmt.Errorf("history[%d]: unexpected snapshot entry", i+1)
		}
		for _, change := range entry.Changes {
			if err := applyField(rec, change.Field, change.New); err != nil {
				return nil, fmt.Errorf("history[%d] field %q: %w", i+1, change.Field, err)
			}
		}
	}
	rec.History = append([]HistoryEntry(nil), history...)
	return rec, nil
}

func encodeField(r *TransactionRecord, f Field) string {
	switch f {
	case FieldStatus:
		return string(r.Status)
	case FieldHash:
		return r.Hash.Hex()
	case FieldRawTx:
		return encodeBytes(r.RawTx)
	case FieldReceipt:
		return encodeReceipt(r.Receipt)
	case FieldRetryCount:
		return strconv.Itoa(r.RetryCount)
	case FieldFirstRetryBlock:
		return encodeOptUint(r.FirstRetryBlockNumber)
	case FieldReplacedBy:
		return r.ReplacedBy.Hex()
	case FieldLastGasPrice:
		return encodeBig(r.LastGasPrice)
	case FieldErr:
		return r.Err
	case FieldMetadata:
		return encodeMetadata(r.Metadata)
	case FieldParamsFrom:
		return r.TxParams.From.Hex()
	case FieldParamsTo:
		if r.TxParams.To == nil {
			return ""
		}
		return r.TxParams.To.Hex()
	case FieldParamsValue:
		return encodeBig(r.TxParams.Value)
	case FieldParamsData:
		return encodeBytes(r.TxParams.Data)
	case FieldParamsNonce:
		return encodeOptUint(r.TxParams.Nonce)
	case FieldParamsGas:
		return strconv.FormatUint(r.TxParams.Gas, 10)
	case FieldParamsGasPrice:
		return encodeBig(r.TxParams.GasPrice)
	}
	return ""
}

func applyField(r *TransactionRecord, f Field, v string) error {
	switch f {
	case FieldStatus:
		r.Status = TxStatus(v)
	case FieldHash:
		r.Hash = common.HexToHash(v)
	case FieldRawTx:
		raw, err := decodeBytes(v)
		if err != nil {
			return err
		}
		r.RawTx = raw
	case FieldReceipt:
		receipt, err := decodeReceipt(v)
		if err != nil {
			return err
		}
		r.Receipt = receipt
	case FieldRetryCount:
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		r.RetryCount = n
	case FieldFirstRetryBlock:
		n, err := decodeOptUint(v)
		if err != nil {
			return err
		}
		r.FirstRetryBlockNumber = n
	case FieldReplacedBy:
		r.ReplacedBy = common.HexToHash(v)
	case FieldLastGasPrice:
		b, err := decodeBig(v)
		if err != nil {
			return err
		}
		r.LastGasPrice = b
	case FieldErr:
		r.Err = v
	case FieldMetadata:
		md, err := decodeMetadata(v)
		if err != nil {
			return err
		}
		r.Metadata = md
	case FieldParamsFrom:
		r.TxParams.From = common.HexToAddress(v)
	case FieldParamsTo:
		if v == "" {
			r.TxParams.To = nil
		} else {
			to := common.HexToAddress(v)
			r.TxParams.To = &to
		}
	case FieldParamsValue:
		b, err := decodeBig(v)
		if err != nil {
			return err
		}
		r.TxParams.Value = b
	case FieldParamsData:
		data, err := decodeBytes(v)
		if err != nil {
			return err
		}
		r.TxParams.Data = data
	case FieldParamsNonce:
		n, err := decodeOptUint(v)
		if err != nil {
			return err
		}
		r.TxParams.Nonce = n
	case FieldParamsGas:
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return err
		}
		r.TxParams.Gas = n
	case FieldParamsGasPrice:
		b, err := decodeBig(v)
		if err != nil {
			return err
		}
		r.TxParams.GasPrice = b
	default:
		return fmt.Errorf("unknown field")
	}
	return nil
}

func encodeBytes(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return hexutil.Encode(b)
}

func decodeBytes(v string) ([]byte, error) {
	if v == "" {
		return nil, nil
	}
	return hexutil.Decode(v)
}

func encodeBig(b *big.Int) string {
	if b == nil {
		return ""
	}
	return b.String()
}

func decodeBig(v string) (*big.Int, error) {
	if v == "" {
		return nil, nil
	}
	b, ok := new(big.Int).SetString(v, 10)
	if !ok {
		return nil, fmt.Errorf("malformed big integer %q", v)
	}
	return b, nil
}

func encodeOptUint(n *uint64) string {
	if n == nil {
		return ""
	}
	return strconv.FormatUint(*n, 10)
}

func decodeOptUint(v string) (*uint64, error) {
	if v == "" {
		return nil, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func encodeReceipt(r *types.Receipt) string {
	if r == nil {
		return ""
	}
	raw, err := json.Marshal(r)
	if err != nil {
		// Receipts attached by the coordinator are normalized first, so
		// this only triggers on hand-built malformed receipts.
		return ""
	}
	return string(raw)
}

func decodeReceipt(v string) (*types.Receipt, error) {
	if v == "" {
		return nil, nil
	}
	receipt := new(types.Receipt)
	if err := json.Unmarshal([]byte(v), receipt); err != nil {
		return nil, err
	}
	return receipt, nil
}

func encodeMetadata(md map[string]string) string {
	if md == nil {
		return ""
	}
	raw, _ := json.Marshal(md)
	return string(raw)
}

func decodeMetadata(v string) (map[string]string, error) {
	if v == "" {
		return nil, nil
	}
	md := map[string]string{}
	if err := json.Unmarshal([]byte(v), &md); err != nil {
		return nil, err
	}
	return md, nil
}
