package txkeeper

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"

	"github.com/CaliberVB/txkeeper/testutil"
)

func TestTxStatus_Terminal(t *testing.T) {
	terminal := []TxStatus{StatusConfirmed, StatusDropped, StatusFailed, StatusRejected}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "%s should be terminal", s)
	}
	open := []TxStatus{StatusUnapproved, StatusApproved, StatusSigned, StatusSubmitted}
	for _, s := range open {
		assert.False(t, s.Terminal(), "%s should not be terminal", s)
	}
}

func TestCategorize(t *testing.T) {
	to := testutil.TestAddr2
	base := TxParams{From: testutil.TestAddr1, To: &to}

	cases := []struct {
		name string
		data []byte
		noTo bool
		want TxCategory
	}{
		{name: "plain value transfer", want: CategorySimpleSend},
		{name: "erc20 transfer", data: []byte{0xa9, 0x05, 0x9c, 0xbb, 0x00}, want: CategoryTokenTransfer},
		{name: "erc20 approve", data: []byte{0x09, 0x5e, 0xa7, 0xb3, 0x00}, want: CategoryTokenApprove},
		{name: "erc20 transferFrom", data: []byte{0x23, 0xb8, 0x72, 0xdd, 0x00}, want: CategoryTokenTransferFrom},
		{name: "deployment", data: []byte{0x60, 0x80}, noTo: true, want: CategoryContractDeployment},
		{name: "unknown calldata", data: []byte{0xde, 0xad, 0xbe, 0xef}, want: CategoryContractInteraction},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := base
			p.Data = tc.data
			if tc.noTo {
				p.To = nil
			}
			assert.Equal(t, tc.want, categorize(p))
		})
	}
}

func TestRecordClone_Independent(t *testing.T) {
	rec := newTestRecord("tx-1")
	n := uint64(3)
	rec.TxParams.Nonce = &n
	rec.Metadata = map[string]string{"origin": "dapp"}

	clone := rec.Clone()
	*clone.TxParams.Nonce = 99
	clone.TxParams.Value.SetInt64(-1)
	clone.Metadata["origin"] = "tampered"

	assert.Equal(t, uint64(3), *rec.TxParams.Nonce)
	assert.Equal(t, int64(1000), rec.TxParams.Value.Int64())
	assert.Equal(t, "dapp", rec.Metadata["origin"])
}

func TestValidateTxParams(t *testing.T) {
	to := testutil.TestAddr2

	valid := TxParams{From: testutil.TestAddr1, To: &to, Value: big.NewInt(1)}
	assert.NoError(t, validateTxParams(valid))

	cases := []struct {
		name   string
		mutate func(*TxParams)
	}{
		{"zero from", func(p *TxParams) { p.From = common.Address{} }},
		{"nil to without data", func(p *TxParams) { p.To = nil }},
		{"zero to", func(p *TxParams) { p.To = &common.Address{} }},
		{"negative value", func(p *TxParams) { p.Value = big.NewInt(-5) }},
		{"negative gas price", func(p *TxParams) { p.GasPrice = big.NewInt(-5) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := valid.Clone()
			tc.mutate(&p)
			assert.ErrorIs(t, validateTxParams(p), ErrInvalidTxParams)
		})
	}

	deployment := TxParams{From: testutil.TestAddr1, Data: []byte{0x60}}
	assert.NoError(t, validateTxParams(deployment))
}
