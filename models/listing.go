package models

import (
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Listing mirrors an active resale offer held on the marketplace contract.
type Listing struct {
	TokenID  uint64   `json:"token_id"`
	EventID  uint64   `json:"event_id"`
	Seller   string   `json:"seller"`
	PriceWei string   `json:"price_wei"`
	PriceEth string   `json:"price_eth"`
	Active   bool     `json:"active"`
	Metadata *Legacy  `json:"metadata,omitempty"`
	Profile  *Profile `json:"seller_profile,omitempty"`
}

// Legacy holds presentation-only fields carried by the legacy listing index.
type Legacy struct {
	EventName string    `json:"event_name"`
	Location  string    `json:"location"`
	ListedAt  time.Time `json:"listed_at"`
}

// LegacyListing is a row of the non-authoritative listing index.
type LegacyListing struct {
	ID        uuid.UUID `json:"id" db:"id"`
	TicketID  uint64    `json:"ticket_id" db:"ticket_id"`
	EventID   uint64    `json:"event_id" db:"event_id"`
	Seller    string    `json:"seller" db:"seller"`
	PriceWei  string    `json:"price_wei" db:"price_wei"`
	EventName string    `json:"event_name" db:"event_name"`
	Location  string    `json:"location" db:"location"`
	ListedAt  time.Time `json:"listed_at" db:"listed_at"`
}

// CreateListingRequest registers presentation metadata for a listing that
// already exists on the marketplace contract.
type CreateListingRequest struct {
	TicketID  uint64 `json:"ticket_id" binding:"required"`
	Seller    string `json:"seller" binding:"required,ethaddr"`
	EventName string `json:"event_name"`
	Location  string `json:"location"`
}

type ListingsResponse struct {
	Listings   []Listing `json:"listings"`
	Source     string    `json:"source"`
	Pruned     int       `json:"pruned"`
	Unverified int       `json:"unverified"`
	Offset     uint64    `json:"offset"`
	Limit      uint64    `json:"limit"`
}

// FormatWei renders a wei amount as an ETH decimal string.
func FormatWei(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -18).String()
}
