// Package ledgertest provides an in-memory ledger for component tests.
package ledgertest

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"ticketchain-backend/contracts"
	"ticketchain-backend/ledger"
	"ticketchain-backend/models"
)

// GenesisTime is the timestamp of block 0; blocks are 12 seconds apart.
var GenesisTime = time.Unix(1_700_000_000, 0).UTC()

// Fake models the ticket and marketplace contracts. Zero values behave
// like an empty deployment. All fields may be set directly before use.
type Fake struct {
	mu sync.Mutex

	Owners    map[uint64]common.Address
	Bindings  map[uint64]uint64
	Events    map[uint64]*models.Event
	Approvals map[uint64]common.Address
	Listings  map[uint64]*contracts.Listing
	Purchased map[uint64]time.Time
	Mints     map[uint64]contracts.Transfer
	Transfers []contracts.Transfer
	Head      uint64

	// OwnerTokens backs tokensOfOwner. Nil means the accessor is not
	// deployed and the call reverts.
	OwnerTokens map[common.Address][]uint64

	// Fail injects an error for every call of the named method.
	Fail map[string]error
	// FailToken injects an error for reads keyed on one token id.
	FailToken map[uint64]error
	// ApprovalLag is how many getApproved reads keep returning the old
	// value after an approval lands.
	ApprovalLag int

	MarketAddr  common.Address
	TicketsAddr common.Address

	calls   map[string]int
	batches [][]uint64
	lag     map[uint64]lagged
	effects map[string]func()
	txSeq   int
}

type lagged struct {
	previous  common.Address
	remaining int
}

func New() *Fake {
	return &Fake{
		Owners:      map[uint64]common.Address{},
		Bindings:    map[uint64]uint64{},
		Events:      map[uint64]*models.Event{},
		Approvals:   map[uint64]common.Address{},
		Listings:    map[uint64]*contracts.Listing{},
		Purchased:   map[uint64]time.Time{},
		Mints:       map[uint64]contracts.Transfer{},
		Fail:        map[string]error{},
		FailToken:   map[uint64]error{},
		MarketAddr:  common.HexToAddress("0x000000000000000000000000000000000000beef"),
		TicketsAddr: common.HexToAddress("0x000000000000000000000000000000000000cafe"),
		calls:       map[string]int{},
		lag:         map[uint64]lagged{},
		effects:     map[string]func(){},
	}
}

// Mint records a token for owner bound to eventID at block.
func (f *Fake) Mint(id, eventID uint64, owner common.Address, block uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Owners[id] = owner
	f.Bindings[id] = eventID
	t := contracts.Transfer{To: owner, TokenID: id, BlockNumber: block}
	f.Mints[id] = t
	f.Transfers = append(f.Transfers, t)
	if block > f.Head {
		f.Head = block
	}
}

// Transfer moves id to `to` at block.
func (f *Fake) Transfer(id uint64, to common.Address, block uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Transfers = append(f.Transfers, contracts.Transfer{From: f.Owners[id], To: to, TokenID: id, BlockNumber: block})
	f.Owners[id] = to
	if block > f.Head {
		f.Head = block
	}
}

// Calls returns how often method was invoked.
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// TotalCalls returns the number of ledger reads of any kind.
func (f *Fake) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

// Batches returns the id sets passed to Probe, in call order.
func (f *Fake) Batches() [][]uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]uint64(nil), f.batches...)
}

func (f *Fake) enter(method string) error {
	f.calls[method]++
	return f.Fail[method]
}

func (f *Fake) tokenErr(id uint64) error {
	return f.FailToken[id]
}

func reverted(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ledger.ErrReverted, fmt.Sprintf(format, args...))
}

func (f *Fake) Address() common.Address {
	return f.TicketsAddr
}

func (f *Fake) OwnerOf(_ context.Context, id uint64) (common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("OwnerOf"); err != nil {
		return common.Address{}, err
	}
	if err := f.tokenErr(id); err != nil {
		return common.Address{}, err
	}
	owner, ok := f.Owners[id]
	if !ok || owner == (common.Address{}) {
		return common.Address{}, reverted("token %d has no owner", id)
	}
	return owner, nil
}

func (f *Fake) GetApproved(_ context.Context, id uint64) (common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetApproved"); err != nil {
		return common.Address{}, err
	}
	if l, ok := f.lag[id]; ok && l.remaining > 0 {
		l.remaining--
		f.lag[id] = l
		return l.previous, nil
	}
	return f.Approvals[id], nil
}

func (f *Fake) TicketEvent(_ context.Context, id uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("TicketEvent"); err != nil {
		return 0, err
	}
	if err := f.tokenErr(id); err != nil {
		return 0, err
	}
	eventID, ok := f.Bindings[id]
	if !ok {
		return 0, reverted("token %d not minted", id)
	}
	return eventID, nil
}

func (f *Fake) Event(_ context.Context, eventID uint64) (*models.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Event"); err != nil {
		return nil, err
	}
	event, ok := f.Events[eventID]
	if !ok {
		return nil, reverted("event %d not registered", eventID)
	}
	cp := *event
	return &cp, nil
}

func (f *Fake) TokensOfOwner(_ context.Context, owner common.Address) ([]uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("TokensOfOwner"); err != nil {
		return nil, err
	}
	if f.OwnerTokens == nil {
		return nil, reverted("tokensOfOwner not deployed")
	}
	return append([]uint64(nil), f.OwnerTokens[owner]...), nil
}

func (f *Fake) PurchaseTimestamp(_ context.Context, id uint64) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("PurchaseTimestamp"); err != nil {
		return time.Time{}, err
	}
	ts, ok := f.Purchased[id]
	if !ok {
		return time.Time{}, reverted("no purchase timestamp for token %d", id)
	}
	return ts, nil
}

func (f *Fake) TransfersTo(_ context.Context, to common.Address, fromBlock, toBlock uint64) ([]contracts.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("TransfersTo"); err != nil {
		return nil, err
	}
	var out []contracts.Transfer
	for _, t := range f.Transfers {
		if t.To == to && t.BlockNumber >= fromBlock && t.BlockNumber <= toBlock {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *Fake) MintTransfer(_ context.Context, id uint64) (*contracts.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("MintTransfer"); err != nil {
		return nil, err
	}
	t, ok := f.Mints[id]
	if !ok {
		return nil, reverted("no mint log for token %d", id)
	}
	return &t, nil
}

func (f *Fake) BlockTime(_ context.Context, number uint64) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("BlockTime"); err != nil {
		return time.Time{}, err
	}
	return GenesisTime.Add(time.Duration(number) * 12 * time.Second), nil
}

func (f *Fake) LatestBlock(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("LatestBlock"); err != nil {
		return 0, err
	}
	return f.Head, nil
}

// Probe mirrors contracts.Tickets.Probe: owner reads of unminted ids
// revert, the null owner is returned as is.
func (f *Fake) Probe(_ context.Context, ids []uint64) []contracts.Probe {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["Probe"]++
	f.batches = append(f.batches, append([]uint64(nil), ids...))

	probes := make([]contracts.Probe, len(ids))
	for i, id := range ids {
		probes[i].ID = id
		if err := f.Fail["Probe"]; err != nil {
			probes[i].Err = err
			continue
		}
		if err := f.tokenErr(id); err != nil {
			probes[i].Err = err
			continue
		}
		eventID, ok := f.Bindings[id]
		if !ok {
			probes[i].Err = reverted("token %d not minted", id)
			continue
		}
		probes[i].EventID = eventID
		probes[i].Owner = f.Owners[id]
	}
	return probes
}

func (f *Fake) Listing(_ context.Context, id uint64) (*contracts.Listing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Listing"); err != nil {
		return nil, err
	}
	l, ok := f.Listings[id]
	if !ok {
		return &contracts.Listing{TokenID: id, Price: new(big.Int)}, nil
	}
	cp := *l
	return &cp, nil
}

func (f *Fake) ActiveListings(_ context.Context, offset, limit uint64) ([]contracts.Listing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ActiveListings"); err != nil {
		return nil, err
	}
	var active []contracts.Listing
	for _, l := range f.Listings {
		if l.Active {
			active = append(active, *l)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].TokenID < active[j].TokenID })
	if offset >= uint64(len(active)) {
		return nil, nil
	}
	end := min(offset+limit, uint64(len(active)))
	return active[offset:end], nil
}

func (f *Fake) queue(op string, effect func()) ledger.TxSpec {
	f.txSeq++
	key := fmt.Sprintf("%s/%d", op, f.txSeq)
	f.effects[key] = effect
	return ledger.TxSpec{Data: []byte(key)}
}

func (f *Fake) ApproveTx(spender common.Address, id uint64) (ledger.TxSpec, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	spec := f.queue("approve", func() {
		if f.ApprovalLag > 0 {
			f.lag[id] = lagged{previous: f.Approvals[id], remaining: f.ApprovalLag}
		}
		f.Approvals[id] = spender
	})
	spec.To = f.TicketsAddr
	return spec, nil
}

func (f *Fake) ListTx(id uint64, priceWei *big.Int) (ledger.TxSpec, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	spec := f.queue("list", func() {
		f.Listings[id] = &contracts.Listing{TokenID: id, Seller: f.Owners[id], Price: new(big.Int).Set(priceWei), Active: true}
	})
	spec.To = f.MarketAddr
	return spec, nil
}

func (f *Fake) CancelTx(id uint64) (ledger.TxSpec, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	spec := f.queue("cancel", func() {
		if l, ok := f.Listings[id]; ok {
			l.Active = false
		}
	})
	spec.To = f.MarketAddr
	return spec, nil
}

// Writer applies queued transaction effects from a Fake on inclusion.
type Writer struct {
	Ledger *Fake
	Signer common.Address

	// SimulateErr, SubmitErr and InclusionErr fail the matching step.
	SimulateErr  error
	SubmitErr    error
	InclusionErr error
	// Hang makes WaitForInclusion block until its context ends.
	Hang bool

	mu        sync.Mutex
	submitted []string
	nonce     uint64
	byHash    map[common.Hash]string
}

func (w *Writer) From() common.Address {
	return w.Signer
}

func (w *Writer) Simulate(_ context.Context, spec ledger.TxSpec) (*ledger.PreparedTx, error) {
	if w.SimulateErr != nil {
		return nil, w.SimulateErr
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nonce++
	tx := types.NewTx(&types.LegacyTx{Nonce: w.nonce, To: &spec.To, Value: new(big.Int), Data: spec.Data})
	return &ledger.PreparedTx{Tx: tx, From: w.Signer}, nil
}

func (w *Writer) Submit(_ context.Context, prepared *ledger.PreparedTx) (common.Hash, error) {
	if w.SubmitErr != nil {
		return common.Hash{}, w.SubmitErr
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.byHash == nil {
		w.byHash = map[common.Hash]string{}
	}
	key := string(prepared.Tx.Data())
	w.byHash[prepared.Tx.Hash()] = key
	w.submitted = append(w.submitted, key)
	return prepared.Tx.Hash(), nil
}

func (w *Writer) WaitForInclusion(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if w.Hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if w.InclusionErr != nil {
		return &types.Receipt{Status: types.ReceiptStatusFailed, TxHash: hash}, w.InclusionErr
	}

	w.mu.Lock()
	key := w.byHash[hash]
	w.mu.Unlock()

	f := w.Ledger
	f.mu.Lock()
	if effect, ok := f.effects[key]; ok {
		effect()
		delete(f.effects, key)
	}
	f.mu.Unlock()
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: hash}, nil
}

// Submitted returns the operations sent so far, e.g. "approve/1".
func (w *Writer) Submitted() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.submitted...)
}
