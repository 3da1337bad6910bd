package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// TxSpec describes a contract transaction before gas and nonce are known.
type TxSpec struct {
	To    common.Address
	Data  []byte
	Value *big.Int
}

// PreparedTx is a simulated, unsigned transaction ready for submission.
type PreparedTx struct {
	Tx   *types.Transaction
	From common.Address
}

// TxBackend is the subset of *ethclient.Client needed to write.
type TxBackend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// KeyedWriter signs transactions with an operator key. It stands in for a
// client-side signer when the service itself drives resale.
type KeyedWriter struct {
	backend      TxBackend
	key          *ecdsa.PrivateKey
	from         common.Address
	signer       types.Signer
	pollInterval time.Duration
	logger       *slog.Logger
}

func NewKeyedWriter(backend TxBackend, hexKey string, chainID *big.Int, logger *slog.Logger) (*KeyedWriter, error) {
	key, err := crypto.HexToECDSA(trimHexPrefix(hexKey))
	if err != nil {
		return nil, fmt.Errorf("failed to parse signer key: %w", err)
	}
	return &KeyedWriter{
		backend:      backend,
		key:          key,
		from:         crypto.PubkeyToAddress(key.PublicKey),
		signer:       types.LatestSignerForChainID(chainID),
		pollInterval: time.Second,
		logger:       logger,
	}, nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// From returns the signing address.
func (w *KeyedWriter) From() common.Address {
	return w.from
}

// Simulate dry-runs spec and prices it. A revert here is a ledger rejection.
func (w *KeyedWriter) Simulate(ctx context.Context, spec TxSpec) (*PreparedTx, error) {
	msg := ethereum.CallMsg{From: w.from, To: &spec.To, Data: spec.Data, Value: spec.Value}

	if _, err := w.backend.CallContract(ctx, msg, nil); err != nil {
		if isRevert(err) {
			return nil, fmt.Errorf("%w: simulation: %v", ErrTxReverted, err)
		}
		return nil, fmt.Errorf("failed to simulate transaction: %w", err)
	}

	gas, err := w.backend.EstimateGas(ctx, msg)
	if err != nil {
		if isRevert(err) {
			return nil, fmt.Errorf("%w: gas estimation: %v", ErrTxReverted, err)
		}
		return nil, fmt.Errorf("failed to estimate gas: %w", err)
	}
	gasPrice, err := w.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to suggest gas price: %w", err)
	}
	nonce, err := w.backend.PendingNonceAt(ctx, w.from)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending nonce: %w", err)
	}

	value := spec.Value
	if value == nil {
		value = new(big.Int)
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &spec.To,
		Value:    value,
		Gas:      gas * 12 / 10,
		GasPrice: gasPrice,
		Data:     spec.Data,
	})
	return &PreparedTx{Tx: tx, From: w.from}, nil
}

// Submit signs and broadcasts a prepared transaction.
func (w *KeyedWriter) Submit(ctx context.Context, prepared *PreparedTx) (common.Hash, error) {
	if prepared == nil || prepared.Tx == nil {
		return common.Hash{}, fmt.Errorf("%w: nothing to sign", ErrSignerRejected)
	}
	if prepared.From != w.from {
		return common.Hash{}, fmt.Errorf("%w: prepared for %s, signer is %s", ErrSignerRejected, prepared.From.Hex(), w.from.Hex())
	}
	signed, err := types.SignTx(prepared.Tx, w.signer, w.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %v", ErrSignerRejected, err)
	}
	if err := w.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("failed to send transaction: %w", err)
	}
	w.logger.Info("transaction submitted", "hash", signed.Hash().Hex(), "to", prepared.Tx.To().Hex())
	return signed.Hash(), nil
}

// WaitForInclusion blocks until the receipt for hash is available or ctx
// ends. A receipt with a failed status is returned with ErrTxReverted.
func (w *KeyedWriter) WaitForInclusion(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := w.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, fmt.Errorf("%w: tx %s", ErrTxReverted, hash.Hex())
			}
			return receipt, nil
		case errors.Is(err, ethereum.NotFound):
		default:
			w.logger.Debug("receipt lookup failed", "hash", hash.Hex(), "error", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
