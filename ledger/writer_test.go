package ledger

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

type fakeTxBackend struct {
	callErr     error
	estimateErr error
	sent        []*types.Transaction
	receipts    []*types.Receipt
	lookups     int
}

func (f *fakeTxBackend) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, f.callErr
}

func (f *fakeTxBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 50000, f.estimateErr
}

func (f *fakeTxBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeTxBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 3, nil
}

func (f *fakeTxBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeTxBackend) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	f.lookups++
	if len(f.receipts) == 0 {
		return nil, ethereum.NotFound
	}
	r := f.receipts[0]
	f.receipts = f.receipts[1:]
	if r == nil {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func newTestWriter(t *testing.T, backend TxBackend) *KeyedWriter {
	t.Helper()
	w, err := NewKeyedWriter(backend, "0x"+testKey, big.NewInt(84532), testLogger())
	require.NoError(t, err)
	w.pollInterval = time.Millisecond
	return w
}

func TestKeyedWriter_SimulateAndSubmit(t *testing.T) {
	backend := &fakeTxBackend{}
	w := newTestWriter(t, backend)

	key, _ := crypto.HexToECDSA(testKey)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), w.From())

	prepared, err := w.Simulate(context.Background(), TxSpec{To: common.HexToAddress("0xbeef"), Data: []byte{0x09}})
	require.NoError(t, err)
	assert.Equal(t, uint64(60000), prepared.Tx.Gas())
	assert.Equal(t, uint64(3), prepared.Tx.Nonce())

	hash, err := w.Submit(context.Background(), prepared)
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)
	assert.Equal(t, backend.sent[0].Hash(), hash)

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(84532)), backend.sent[0])
	require.NoError(t, err)
	assert.Equal(t, w.From(), sender)
}

func TestKeyedWriter_SimulationRevert(t *testing.T) {
	w := newTestWriter(t, &fakeTxBackend{callErr: errors.New("execution reverted: not owner")})

	_, err := w.Simulate(context.Background(), TxSpec{})
	assert.ErrorIs(t, err, ErrTxReverted)
}

func TestKeyedWriter_SubmitForeignPreparedTx(t *testing.T) {
	w := newTestWriter(t, &fakeTxBackend{})

	_, err := w.Submit(context.Background(), &PreparedTx{Tx: types.NewTx(&types.LegacyTx{}), From: common.HexToAddress("0x1")})
	assert.ErrorIs(t, err, ErrSignerRejected)
}

func TestKeyedWriter_WaitForInclusion(t *testing.T) {
	t.Run("included after pending lookups", func(t *testing.T) {
		backend := &fakeTxBackend{receipts: []*types.Receipt{nil, nil, {Status: types.ReceiptStatusSuccessful}}}
		w := newTestWriter(t, backend)

		receipt, err := w.WaitForInclusion(context.Background(), common.Hash{1})
		require.NoError(t, err)
		assert.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)
		assert.Equal(t, 3, backend.lookups)
	})

	t.Run("reverted on inclusion", func(t *testing.T) {
		w := newTestWriter(t, &fakeTxBackend{receipts: []*types.Receipt{{Status: types.ReceiptStatusFailed}}})

		_, err := w.WaitForInclusion(context.Background(), common.Hash{1})
		assert.ErrorIs(t, err, ErrTxReverted)
	})

	t.Run("deadline", func(t *testing.T) {
		w := newTestWriter(t, &fakeTxBackend{})
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		_, err := w.WaitForInclusion(ctx, common.Hash{1})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
