package ledger

import (
	"context"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/rpc"
)

var (
	// ErrUnreachable means every configured endpoint failed for a read.
	ErrUnreachable = errors.New("ledger: all endpoints unreachable")
	// ErrReverted means the ledger answered but the call is logically
	// invalid, e.g. the queried token does not exist.
	ErrReverted = errors.New("ledger: call reverted")

	// ErrSignerRejected means the signer refused to sign a transaction.
	ErrSignerRejected = errors.New("ledger: signer rejected transaction")
	// ErrTxReverted means a transaction was rejected by the ledger, either
	// during simulation or on inclusion.
	ErrTxReverted = errors.New("ledger: transaction reverted")
	// ErrPollExhausted is returned by Poll when the condition was never met.
	ErrPollExhausted = errors.New("ledger: polling attempts exhausted")
)

// isRevert reports whether err came back from the node as an execution
// revert rather than a transport failure.
func isRevert(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrReverted) || errors.Is(err, ethereum.NotFound) {
		return true
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "execution reverted") || strings.Contains(msg, "invalid opcode")
}

// isContextDone reports whether the caller's context, not the per-attempt
// timeout, ended the call.
func isContextDone(parent context.Context) bool {
	return parent.Err() != nil
}
