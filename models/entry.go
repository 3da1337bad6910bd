package models

// ReasonCode explains an entry verification decision.
type ReasonCode string

const (
	ReasonValid               ReasonCode = "VALID"
	ReasonMalformedCode       ReasonCode = "MALFORMED_CODE"
	ReasonWrongEvent          ReasonCode = "WRONG_EVENT"
	ReasonEventNotFound       ReasonCode = "EVENT_NOT_FOUND"
	ReasonUnauthorizedScanner ReasonCode = "UNAUTHORIZED_SCANNER"
	ReasonTicketNotFound      ReasonCode = "TICKET_NOT_FOUND"
	ReasonEventMismatch       ReasonCode = "EVENT_MISMATCH"
	ReasonEventExpired        ReasonCode = "EVENT_EXPIRED"
)

// EntryVerificationRecord is the decision for one scanned ticket code. It
// is never persisted.
type EntryVerificationRecord struct {
	TokenID      uint64     `json:"token_id"`
	EventID      uint64     `json:"event_id"`
	Valid        bool       `json:"valid"`
	Reason       ReasonCode `json:"reason_code"`
	Resold       bool       `json:"resold"`
	CurrentOwner string     `json:"current_owner,omitempty"`
}

type VerifyTicketRequest struct {
	Code           string `json:"code" binding:"required"`
	EventID        uint64 `json:"event_id"`
	ScannerAddress string `json:"scanner_address" binding:"required,ethaddr"`
}
