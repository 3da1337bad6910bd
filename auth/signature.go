// Package auth verifies wallet-signed login messages and issues sessions.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrMalformedMessage  = errors.New("message does not carry a nonce")
	ErrMalformedSig      = errors.New("malformed signature")
	ErrSignatureMismatch = errors.New("signature does not match address")
)

var nonceLine = regexp.MustCompile(`(?m)^Nonce:\s*(\S+)\s*$`)

// ExtractNonce returns the value of the "Nonce: <value>" line of a login
// message.
func ExtractNonce(message string) (string, error) {
	m := nonceLine.FindStringSubmatch(strings.ReplaceAll(message, "\r\n", "\n"))
	if m == nil {
		return "", ErrMalformedMessage
	}
	return m[1], nil
}

// RecoverAddress returns the account that produced an personal_sign
// signature over message.
func RecoverAddress(message, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrMalformedSig, err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrMalformedSig, len(sig))
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrMalformedSig, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// NonceConsumer redeems a login nonce exactly once.
type NonceConsumer interface {
	Consume(ctx context.Context, value string) error
}

// Authenticator turns a signed login message into a session token.
type Authenticator struct {
	nonces   NonceConsumer
	sessions *Sessions
	logger   *slog.Logger
}

func NewAuthenticator(nonces NonceConsumer, sessions *Sessions, logger *slog.Logger) *Authenticator {
	return &Authenticator{nonces: nonces, sessions: sessions, logger: logger}
}

// Verify consumes the message's nonce before checking the signature, so a
// captured message cannot be replayed even with a valid signature. Any
// consume failure rejects the login.
func (a *Authenticator) Verify(ctx context.Context, address, message, signature string) (string, error) {
	value, err := ExtractNonce(message)
	if err != nil {
		return "", err
	}

	if err := a.nonces.Consume(ctx, value); err != nil {
		return "", err
	}

	signer, err := RecoverAddress(message, signature)
	if err != nil {
		return "", err
	}
	if signer != common.HexToAddress(address) {
		a.logger.Warn("signature mismatch", "claimed", address, "recovered", signer.Hex())
		return "", ErrSignatureMismatch
	}

	token, err := a.sessions.Issue(signer)
	if err != nil {
		return "", fmt.Errorf("failed to issue session: %w", err)
	}
	return token, nil
}
