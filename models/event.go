package models

import (
	"time"
)

// Event is the on-ledger event descriptor returned by the ticket contract.
type Event struct {
	EventID     uint64    `json:"event_id"`
	Creator     string    `json:"creator"`
	Name        string    `json:"name"`
	Location    string    `json:"location"`
	Date        time.Time `json:"date"`
	TicketsSold uint64    `json:"tickets_sold"`
}

// HasPassed reports whether the event date plus grace lies before now.
func (e Event) HasPassed(now time.Time, grace time.Duration) bool {
	return now.After(e.Date.Add(grace))
}

// Attendee is one address holding a ticket for an event.
type Attendee struct {
	Address string   `json:"address"`
	Profile *Profile `json:"profile,omitempty"`
}

type AttendeesResponse struct {
	EventID   uint64     `json:"event_id"`
	Attendees []Attendee `json:"attendees"`
	Expected  uint64     `json:"expected"`
	Probed    uint64     `json:"probed"`
	Exhausted bool       `json:"exhausted"`
}
