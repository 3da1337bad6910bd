package contracts

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"ticketchain-backend/ledger"
)

// Listing is the marketplace contract's record for one token.
type Listing struct {
	TokenID uint64
	Seller  common.Address
	Price   *big.Int
	Active  bool
}

// Marketplace wraps the resale marketplace contract interactions
type Marketplace struct {
	caller  Caller
	address common.Address
	abi     abi.ABI
}

func NewMarketplace(caller Caller, address string) (*Marketplace, error) {
	parsedABI, err := parseABI("marketplace", MarketplaceABI)
	if err != nil {
		return nil, err
	}

	return &Marketplace{
		caller:  caller,
		address: common.HexToAddress(address),
		abi:     parsedABI,
	}, nil
}

func (m *Marketplace) Address() common.Address {
	return m.address
}

// Listing returns the listing slot for tokenID. Tokens that were never
// listed come back inactive with a zero seller.
func (m *Marketplace) Listing(ctx context.Context, tokenID uint64) (*Listing, error) {
	callData, err := m.abi.Pack("listings", bigID(tokenID))
	if err != nil {
		return nil, fmt.Errorf("failed to pack call data: %w", err)
	}

	result, err := m.caller.Call(ctx, ledger.CallSpec{To: m.address, Data: callData})
	if err != nil {
		return nil, fmt.Errorf("failed to call listings: %w", err)
	}

	out, err := m.abi.Unpack("listings", result)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to unpack listings: %v", ledger.ErrReverted, err)
	}

	return &Listing{
		TokenID: tokenID,
		Seller:  out[0].(common.Address),
		Price:   out[1].(*big.Int),
		Active:  out[2].(bool),
	}, nil
}

// ActiveListings pages through the contract's active listings.
func (m *Marketplace) ActiveListings(ctx context.Context, offset, limit uint64) ([]Listing, error) {
	callData, err := m.abi.Pack("getActiveListings", bigID(offset), bigID(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to pack call data: %w", err)
	}

	result, err := m.caller.Call(ctx, ledger.CallSpec{To: m.address, Data: callData})
	if err != nil {
		return nil, fmt.Errorf("failed to call getActiveListings: %w", err)
	}

	out, err := m.abi.Unpack("getActiveListings", result)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to unpack getActiveListings: %v", ledger.ErrReverted, err)
	}

	ids := out[0].([]*big.Int)
	sellers := out[1].([]common.Address)
	prices := out[2].([]*big.Int)
	if len(sellers) != len(ids) || len(prices) != len(ids) {
		return nil, fmt.Errorf("getActiveListings returned mismatched arrays (%d/%d/%d)", len(ids), len(sellers), len(prices))
	}

	listings := make([]Listing, 0, len(ids))
	for i := range ids {
		id, err := toUint64(ids[i])
		if err != nil {
			return nil, fmt.Errorf("invalid listing token id: %w", err)
		}
		listings = append(listings, Listing{TokenID: id, Seller: sellers[i], Price: prices[i], Active: true})
	}
	return listings, nil
}

// ListTx builds the listing transaction for tokenID at priceWei.
func (m *Marketplace) ListTx(tokenID uint64, priceWei *big.Int) (ledger.TxSpec, error) {
	data, err := m.abi.Pack("listTicket", bigID(tokenID), priceWei)
	if err != nil {
		return ledger.TxSpec{}, fmt.Errorf("failed to pack listTicket: %w", err)
	}
	return ledger.TxSpec{To: m.address, Data: data}, nil
}

// CancelTx builds the cancel transaction for tokenID.
func (m *Marketplace) CancelTx(tokenID uint64) (ledger.TxSpec, error) {
	data, err := m.abi.Pack("cancelListing", bigID(tokenID))
	if err != nil {
		return ledger.TxSpec{}, fmt.Errorf("failed to pack cancelListing: %w", err)
	}
	return ledger.TxSpec{To: m.address, Data: data}, nil
}
