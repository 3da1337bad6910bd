package models

import (
	"time"
)

// Ticket status constants
type TicketStatus string

const (
	StatusOwned           TicketStatus = "OWNED"
	StatusPendingApproval TicketStatus = "PENDING_APPROVAL"
	StatusListedPending   TicketStatus = "LISTED_PENDING"
	StatusListed          TicketStatus = "LISTED"
	StatusSold            TicketStatus = "SOLD"
)

// Ticket is one non-fungible ledger entry bound to an event, as seen by
// its current holder.
type Ticket struct {
	TokenID     uint64       `json:"token_id"`
	EventID     uint64       `json:"event_id"`
	Holder      string       `json:"holder"`
	PurchasedAt *time.Time   `json:"purchased_at,omitempty"`
	Status      TicketStatus `json:"status"`
	Event       *Event       `json:"event,omitempty"`
}

type TicketsResponse struct {
	Address string   `json:"address"`
	Tickets []Ticket `json:"tickets"`
	Source  string   `json:"source"`
	Dropped int      `json:"dropped"`
}

// EntryCodeResponse carries a scannable entry code for a held ticket.
type EntryCodeResponse struct {
	TokenID uint64 `json:"token_id"`
	EventID uint64 `json:"event_id"`
	Code    string `json:"code"`
}
