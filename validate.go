package txkeeper

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// normalizeTxParams fills the defaults the caller may omit: a nil value
// means zero. The input is not mutated.
func normalizeTxParams(p TxParams) TxParams {
	out := p.Clone()
	if out.Value == nil {
		out.Value = big.NewInt(0)
	}
	return out
}

// validateTxParams checks the structural validity of transaction params.
// It never mutates anything; callers reject the whole operation on error.
func validateTxParams(p TxParams) error {
	if p.From == (common.Address{}) {
		return fmt.Errorf("%w: from address cannot be zero", ErrInvalidTxParams)
	}
	if p.To == nil && len(p.Data) == 0 {
		return fmt.Errorf("%w: recipient is required unless deploying a contract", ErrInvalidTxParams)
	}
	if p.To != nil && *p.To == (common.Address{}) {
		return fmt.Errorf("%w: recipient address cannot be zero", ErrInvalidTxParams)
	}
	if p.Value != nil && p.Value.Sign() < 0 {
		return fmt.Errorf("%w: value cannot be negative", ErrInvalidTxParams)
	}
	if p.GasPrice != nil && p.GasPrice.Sign() < 0 {
		return fmt.Errorf("%w: gas price cannot be negative", ErrInvalidTxParams)
	}
	return nil
}

// equalTxParams reports whether two param sets are identical. Used to
// enforce immutability of params once a record is signed.
func equalTxParams(a, b TxParams) bool {
	probe := &TransactionRecord{TxParams: a}
	other := &TransactionRecord{TxParams: b}
	for _, f := range []Field{
		FieldParamsFrom, FieldParamsTo, FieldParamsValue,
		FieldParamsData, FieldParamsNonce, FieldParamsGas, FieldParamsGasPrice,
	} {
		if encodeField(probe, f) != encodeField(other, f) {
			return false
		}
	}
	return true
}
