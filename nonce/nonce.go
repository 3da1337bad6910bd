// Package nonce issues and single-use consumes authentication challenges.
package nonce

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ticketchain-backend/monitoring"
)

var (
	// ErrInvalid is the parent of every consume failure. Callers must reject
	// the signed assertion on any error that matches it.
	ErrInvalid         = errors.New("nonce invalid")
	ErrNotFound        = fmt.Errorf("%w: not found", ErrInvalid)
	ErrAlreadyConsumed = fmt.Errorf("%w: already consumed", ErrInvalid)
	ErrExpired         = fmt.Errorf("%w: expired", ErrInvalid)

	// ErrDuplicate is returned by Store.Insert for a value already present.
	ErrDuplicate = errors.New("nonce value already issued")
)

// Nonce is a one-time challenge. Consumed only ever moves false to true.
type Nonce struct {
	Value     string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Consumed  bool
}

// Store persists nonces. Consume must be an atomic check-and-set: for one
// value, at most one concurrent caller may observe success.
type Store interface {
	Insert(ctx context.Context, n Nonce) error
	Consume(ctx context.Context, value string, now time.Time) error
	// Sweep deletes entries past their expiry and returns how many.
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// Ledger issues and consumes nonces against a Store.
type Ledger struct {
	store  Store
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

func NewLedger(store Store, ttl time.Duration, logger *slog.Logger) *Ledger {
	return &Ledger{store: store, ttl: ttl, now: time.Now, logger: logger}
}

// WithClock replaces the time source.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

func (l *Ledger) TTL() time.Duration {
	return l.ttl
}

func randomValue() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Issue creates and stores a fresh nonce.
func (l *Ledger) Issue(ctx context.Context) (Nonce, error) {
	for attempt := 0; attempt < 3; attempt++ {
		value, err := randomValue()
		if err != nil {
			return Nonce{}, err
		}
		issuedAt := l.now()
		n := Nonce{Value: value, IssuedAt: issuedAt, ExpiresAt: issuedAt.Add(l.ttl)}

		err = l.store.Insert(ctx, n)
		if errors.Is(err, ErrDuplicate) {
			l.logger.Warn("nonce collision, regenerating", "attempt", attempt)
			continue
		}
		if err != nil {
			return Nonce{}, fmt.Errorf("failed to store nonce: %w", err)
		}
		return n, nil
	}
	return Nonce{}, ErrDuplicate
}

// Consume redeems value exactly once. Any error means the caller must
// reject the authentication attempt.
func (l *Ledger) Consume(ctx context.Context, value string) error {
	err := l.store.Consume(ctx, value, l.now())
	switch {
	case err == nil:
		monitoring.TrackNonceConsume("ok")
	case errors.Is(err, ErrNotFound):
		monitoring.TrackNonceConsume("not_found")
	case errors.Is(err, ErrAlreadyConsumed):
		monitoring.TrackNonceConsume("already_consumed")
		l.logger.Warn("nonce replay rejected", "nonce", value)
	case errors.Is(err, ErrExpired):
		monitoring.TrackNonceConsume("expired")
	default:
		monitoring.TrackNonceConsume("error")
		return fmt.Errorf("failed to consume nonce: %w", err)
	}
	return err
}

// Sweep removes expired entries from the store.
func (l *Ledger) Sweep(ctx context.Context) (int, error) {
	return l.store.Sweep(ctx, l.now())
}
