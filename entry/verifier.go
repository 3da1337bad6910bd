// Package entry issues and verifies the codes attendees present at the door.
//
// A code is client-controlled. Its holder field only feeds the informational
// resold flag and is never used to admit or reject anyone.
package entry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"ticketchain-backend/ledger"
	"ticketchain-backend/models"
	"ticketchain-backend/monitoring"
)

// Tickets is the ticket contract surface entry verification reads.
type Tickets interface {
	Event(ctx context.Context, eventID uint64) (*models.Event, error)
	OwnerOf(ctx context.Context, tokenID uint64) (common.Address, error)
	TicketEvent(ctx context.Context, tokenID uint64) (uint64, error)
}

type Verifier struct {
	tickets Tickets
	grace   time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// NewVerifier admits entry until grace after the event date.
func NewVerifier(tickets Tickets, grace time.Duration, logger *slog.Logger) *Verifier {
	return &Verifier{tickets: tickets, grace: grace, now: time.Now, logger: logger}
}

// Verify runs the entry checks in order and stops at the first failure:
// local code parsing and event match, event existence, scanner authority,
// token existence, token binding, event date. Denials are reported in the
// record. An error is returned only when the ledger could not be read.
func (v *Verifier) Verify(ctx context.Context, code string, eventID uint64, scanner common.Address) (*models.EntryVerificationRecord, error) {
	record := &models.EntryVerificationRecord{EventID: eventID}

	parsed, err := Parse(code)
	if err != nil {
		return v.deny(record, models.ReasonMalformedCode), nil
	}
	record.TokenID = parsed.TokenID

	if parsed.EventID != eventID {
		return v.deny(record, models.ReasonWrongEvent), nil
	}

	event, err := v.tickets.Event(ctx, eventID)
	if errors.Is(err, ledger.ErrReverted) {
		return v.deny(record, models.ReasonEventNotFound), nil
	}
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(event.Creator) || common.HexToAddress(event.Creator) != scanner {
		return v.deny(record, models.ReasonUnauthorizedScanner), nil
	}

	owner, err := v.tickets.OwnerOf(ctx, parsed.TokenID)
	if errors.Is(err, ledger.ErrReverted) {
		return v.deny(record, models.ReasonTicketNotFound), nil
	}
	if err != nil {
		return nil, err
	}
	record.CurrentOwner = owner.Hex()

	bound, err := v.tickets.TicketEvent(ctx, parsed.TokenID)
	if errors.Is(err, ledger.ErrReverted) {
		return v.deny(record, models.ReasonTicketNotFound), nil
	}
	if err != nil {
		return nil, err
	}
	if bound != eventID {
		return v.deny(record, models.ReasonEventMismatch), nil
	}

	if event.HasPassed(v.now(), v.grace) {
		return v.deny(record, models.ReasonEventExpired), nil
	}

	record.Valid = true
	record.Reason = models.ReasonValid
	record.Resold = owner != parsed.Holder
	monitoring.TrackEntryDecision(string(record.Reason), record.Resold)
	if record.Resold {
		v.logger.Info("admitting resold ticket",
			"token_id", parsed.TokenID,
			"event_id", eventID,
			"original_holder", parsed.Holder.Hex(),
			"current_owner", owner.Hex(),
		)
	}
	return record, nil
}

func (v *Verifier) deny(record *models.EntryVerificationRecord, reason models.ReasonCode) *models.EntryVerificationRecord {
	record.Valid = false
	record.Reason = reason
	monitoring.TrackEntryDecision(string(reason), false)
	v.logger.Debug("entry denied", "token_id", record.TokenID, "event_id", record.EventID, "reason", reason)
	return record
}
