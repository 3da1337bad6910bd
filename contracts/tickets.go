package contracts

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"ticketchain-backend/ledger"
	"ticketchain-backend/models"
)

// Transfer is a decoded ERC-721 Transfer log.
type Transfer struct {
	From        common.Address
	To          common.Address
	TokenID     uint64
	BlockNumber uint64
	TxHash      common.Hash
}

// Probe is the (bound event, owner) pair for one token id. Err is set when
// either read failed; a revert means the id has not been minted.
type Probe struct {
	ID      uint64
	EventID uint64
	Owner   common.Address
	Err     error
}

// Tickets wraps the ticket contract interactions
type Tickets struct {
	caller      Caller
	address     common.Address
	abi         abi.ABI
	deployBlock uint64
}

// NewTickets creates a new Tickets instance. deployBlock bounds mint log
// lookups.
func NewTickets(caller Caller, address string, deployBlock uint64) (*Tickets, error) {
	parsedABI, err := parseABI("ticket", TicketABI)
	if err != nil {
		return nil, err
	}

	return &Tickets{
		caller:      caller,
		address:     common.HexToAddress(address),
		abi:         parsedABI,
		deployBlock: deployBlock,
	}, nil
}

func (t *Tickets) Address() common.Address {
	return t.address
}

func (t *Tickets) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	callData, err := t.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack call data: %w", err)
	}

	result, err := t.caller.Call(ctx, ledger.CallSpec{To: t.address, Data: callData})
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", method, err)
	}

	return t.unpack(method, result)
}

func (t *Tickets) unpack(method string, data []byte) ([]interface{}, error) {
	out, err := t.abi.Unpack(method, data)
	if err != nil {
		// The deployed contract does not speak this ABI.
		return nil, fmt.Errorf("%w: failed to unpack %s: %v", ledger.ErrReverted, method, err)
	}
	return out, nil
}

// OwnerOf returns the current holder of tokenID. A token without an owner
// is reported as ledger.ErrReverted.
func (t *Tickets) OwnerOf(ctx context.Context, tokenID uint64) (common.Address, error) {
	out, err := t.call(ctx, "ownerOf", bigID(tokenID))
	if err != nil {
		return common.Address{}, err
	}
	owner := out[0].(common.Address)
	if owner == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: token %d has no owner", ledger.ErrReverted, tokenID)
	}
	return owner, nil
}

// GetApproved returns the address currently approved to move tokenID.
func (t *Tickets) GetApproved(ctx context.Context, tokenID uint64) (common.Address, error) {
	out, err := t.call(ctx, "getApproved", bigID(tokenID))
	if err != nil {
		return common.Address{}, err
	}
	return out[0].(common.Address), nil
}

// TicketEvent returns the event id a token is bound to.
func (t *Tickets) TicketEvent(ctx context.Context, tokenID uint64) (uint64, error) {
	out, err := t.call(ctx, "ticketEvent", bigID(tokenID))
	if err != nil {
		return 0, err
	}
	return toUint64(out[0].(*big.Int))
}

// Event returns the on-ledger descriptor of eventID. Unregistered events
// have a zero creator and are reported as ledger.ErrReverted.
func (t *Tickets) Event(ctx context.Context, eventID uint64) (*models.Event, error) {
	out, err := t.call(ctx, "getEvent", bigID(eventID))
	if err != nil {
		return nil, err
	}

	creator := out[0].(common.Address)
	if creator == (common.Address{}) {
		return nil, fmt.Errorf("%w: event %d not registered", ledger.ErrReverted, eventID)
	}
	date, err := toUnixTime(out[3].(*big.Int))
	if err != nil {
		return nil, fmt.Errorf("invalid date for event %d: %w", eventID, err)
	}
	sold, err := toUint64(out[4].(*big.Int))
	if err != nil {
		return nil, fmt.Errorf("invalid ticketsSold for event %d: %w", eventID, err)
	}

	return &models.Event{
		EventID:     eventID,
		Creator:     creator.Hex(),
		Name:        out[1].(string),
		Location:    out[2].(string),
		Date:        date,
		TicketsSold: sold,
	}, nil
}

// TokensOfOwner calls the enumeration accessor. Contract versions without
// it fail with ledger.ErrReverted.
func (t *Tickets) TokensOfOwner(ctx context.Context, owner common.Address) ([]uint64, error) {
	out, err := t.call(ctx, "tokensOfOwner", owner)
	if err != nil {
		return nil, err
	}

	raw := out[0].([]*big.Int)
	ids := make([]uint64, 0, len(raw))
	for _, v := range raw {
		id, err := toUint64(v)
		if err != nil {
			return nil, fmt.Errorf("invalid token id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// PurchaseTimestamp reads the authoritative purchase time. A zero value
// means the field is not recorded and is reported as ledger.ErrReverted.
func (t *Tickets) PurchaseTimestamp(ctx context.Context, tokenID uint64) (time.Time, error) {
	out, err := t.call(ctx, "purchaseTimestamp", bigID(tokenID))
	if err != nil {
		return time.Time{}, err
	}
	ts := out[0].(*big.Int)
	if ts.Sign() == 0 {
		return time.Time{}, fmt.Errorf("%w: no purchase timestamp for token %d", ledger.ErrReverted, tokenID)
	}
	return toUnixTime(ts)
}

func (t *Tickets) transferTopic() common.Hash {
	return t.abi.Events["Transfer"].ID
}

// TransfersTo returns Transfer logs addressed to `to` within [fromBlock, toBlock].
func (t *Tickets) TransfersTo(ctx context.Context, to common.Address, fromBlock, toBlock uint64) ([]Transfer, error) {
	logs, err := t.caller.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{t.address},
		Topics:    [][]common.Hash{{t.transferTopic()}, nil, {common.BytesToHash(to.Bytes())}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to filter transfer logs: %w", err)
	}
	return decodeTransfers(logs)
}

// MintTransfer locates the Transfer from the null address for tokenID.
func (t *Tickets) MintTransfer(ctx context.Context, tokenID uint64) (*Transfer, error) {
	logs, err := t.caller.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(t.deployBlock),
		Addresses: []common.Address{t.address},
		Topics: [][]common.Hash{
			{t.transferTopic()},
			{common.Hash{}},
			nil,
			{common.BigToHash(bigID(tokenID))},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to filter mint logs: %w", err)
	}
	transfers, err := decodeTransfers(logs)
	if err != nil {
		return nil, err
	}
	if len(transfers) == 0 {
		return nil, fmt.Errorf("%w: no mint log for token %d", ledger.ErrReverted, tokenID)
	}
	return &transfers[0], nil
}

func decodeTransfers(logs []types.Log) ([]Transfer, error) {
	transfers := make([]Transfer, 0, len(logs))
	for _, l := range logs {
		if l.Removed {
			continue
		}
		if len(l.Topics) != 4 {
			return nil, fmt.Errorf("unexpected Transfer log shape in tx %s", l.TxHash.Hex())
		}
		id, err := toUint64(new(big.Int).SetBytes(l.Topics[3].Bytes()))
		if err != nil {
			return nil, fmt.Errorf("invalid token id in tx %s: %w", l.TxHash.Hex(), err)
		}
		transfers = append(transfers, Transfer{
			From:        common.BytesToAddress(l.Topics[1].Bytes()),
			To:          common.BytesToAddress(l.Topics[2].Bytes()),
			TokenID:     id,
			BlockNumber: l.BlockNumber,
			TxHash:      l.TxHash,
		})
	}
	return transfers, nil
}

func (t *Tickets) BlockTime(ctx context.Context, number uint64) (time.Time, error) {
	return t.caller.BlockTime(ctx, number)
}

func (t *Tickets) LatestBlock(ctx context.Context) (uint64, error) {
	return t.caller.LatestBlock(ctx)
}

// Probe reads the bound event and owner of every id in one batched round
// trip. Failures are reported per id.
func (t *Tickets) Probe(ctx context.Context, ids []uint64) []Probe {
	probes := make([]Probe, len(ids))
	specs := make([]ledger.CallSpec, 0, 2*len(ids))
	for i, id := range ids {
		probes[i].ID = id
		eventData, err := t.abi.Pack("ticketEvent", bigID(id))
		if err != nil {
			probes[i].Err = err
		}
		ownerData, err := t.abi.Pack("ownerOf", bigID(id))
		if err != nil {
			probes[i].Err = err
		}
		specs = append(specs,
			ledger.CallSpec{To: t.address, Data: eventData},
			ledger.CallSpec{To: t.address, Data: ownerData},
		)
	}

	results := t.caller.CallBatch(ctx, specs)
	for i := range probes {
		if probes[i].Err != nil {
			continue
		}
		eventRes, ownerRes := results[2*i], results[2*i+1]
		if eventRes.Err != nil {
			probes[i].Err = eventRes.Err
			continue
		}
		if ownerRes.Err != nil {
			probes[i].Err = ownerRes.Err
			continue
		}

		out, err := t.unpack("ticketEvent", eventRes.Data)
		if err != nil {
			probes[i].Err = err
			continue
		}
		if probes[i].EventID, err = toUint64(out[0].(*big.Int)); err != nil {
			probes[i].Err = err
			continue
		}
		out, err = t.unpack("ownerOf", ownerRes.Data)
		if err != nil {
			probes[i].Err = err
			continue
		}
		probes[i].Owner = out[0].(common.Address)
	}
	return probes
}

// ApproveTx builds the approval transaction for spender on tokenID.
func (t *Tickets) ApproveTx(spender common.Address, tokenID uint64) (ledger.TxSpec, error) {
	data, err := t.abi.Pack("approve", spender, bigID(tokenID))
	if err != nil {
		return ledger.TxSpec{}, fmt.Errorf("failed to pack approve: %w", err)
	}
	return ledger.TxSpec{To: t.address, Data: data}, nil
}
