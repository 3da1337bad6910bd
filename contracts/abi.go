package contracts

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/core/types"

	"ticketchain-backend/ledger"
)

// TicketABI covers the ERC-721 ticket contract and its event registry -
// only the functions we need
const TicketABI = `[
	{"inputs":[{"internalType":"uint256","name":"tokenId","type":"uint256"}],"name":"ownerOf","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"internalType":"uint256","name":"tokenId","type":"uint256"}],"name":"getApproved","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"internalType":"uint256","name":"tokenId","type":"uint256"}],"name":"ticketEvent","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"internalType":"uint256","name":"eventId","type":"uint256"}],"name":"getEvent","outputs":[{"internalType":"address","name":"creator","type":"address"},{"internalType":"string","name":"name","type":"string"},{"internalType":"string","name":"location","type":"string"},{"internalType":"uint256","name":"date","type":"uint256"},{"internalType":"uint256","name":"ticketsSold","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"internalType":"address","name":"owner","type":"address"}],"name":"tokensOfOwner","outputs":[{"internalType":"uint256[]","name":"","type":"uint256[]"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"internalType":"uint256","name":"tokenId","type":"uint256"}],"name":"purchaseTimestamp","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"internalType":"address","name":"to","type":"address"},{"internalType":"uint256","name":"tokenId","type":"uint256"}],"name":"approve","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"internalType":"address","name":"from","type":"address"},{"indexed":true,"internalType":"address","name":"to","type":"address"},{"indexed":true,"internalType":"uint256","name":"tokenId","type":"uint256"}],"name":"Transfer","type":"event"}
]`

// MarketplaceABI covers the resale marketplace contract
const MarketplaceABI = `[
	{"inputs":[{"internalType":"uint256","name":"tokenId","type":"uint256"}],"name":"listings","outputs":[{"internalType":"address","name":"seller","type":"address"},{"internalType":"uint256","name":"price","type":"uint256"},{"internalType":"bool","name":"active","type":"bool"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"internalType":"uint256","name":"offset","type":"uint256"},{"internalType":"uint256","name":"limit","type":"uint256"}],"name":"getActiveListings","outputs":[{"internalType":"uint256[]","name":"tokenIds","type":"uint256[]"},{"internalType":"address[]","name":"sellers","type":"address[]"},{"internalType":"uint256[]","name":"prices","type":"uint256[]"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"internalType":"uint256","name":"tokenId","type":"uint256"},{"internalType":"uint256","name":"price","type":"uint256"}],"name":"listTicket","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"internalType":"uint256","name":"tokenId","type":"uint256"}],"name":"cancelListing","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

// Caller is the read surface the wrappers need. *ledger.Reader implements it.
type Caller interface {
	Call(ctx context.Context, spec ledger.CallSpec) ([]byte, error)
	CallBatch(ctx context.Context, specs []ledger.CallSpec) []ledger.Result
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BlockTime(ctx context.Context, number uint64) (time.Time, error)
	LatestBlock(ctx context.Context) (uint64, error)
}

func parseABI(name, def string) (abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("failed to parse %s ABI: %w", name, err)
	}
	return parsed, nil
}

func toUint64(v *big.Int) (uint64, error) {
	if v == nil || v.Sign() < 0 || !v.IsUint64() {
		return 0, fmt.Errorf("value %v does not fit in uint64", v)
	}
	return v.Uint64(), nil
}

// maxUnixSeconds is 9999-12-31T23:59:59Z. Larger values would overflow
// time.Time instead of failing.
const maxUnixSeconds = 253402300799

func toUnixTime(v *big.Int) (time.Time, error) {
	secs, err := toUint64(v)
	if err != nil {
		return time.Time{}, err
	}
	if secs > maxUnixSeconds {
		return time.Time{}, fmt.Errorf("timestamp %d is out of range", secs)
	}
	return time.Unix(int64(secs), 0).UTC(), nil
}

func bigID(id uint64) *big.Int {
	return new(big.Int).SetUint64(id)
}
