// Package listing drives the approve-then-list resale workflow for tickets.
package listing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"ticketchain-backend/contracts"
	"ticketchain-backend/ledger"
	"ticketchain-backend/models"
)

var (
	// ErrApprovalNotObserved is retryable by confirming again; the approval
	// transaction must not be resubmitted.
	ErrApprovalNotObserved = errors.New("approval not yet observed on ledger")
	ErrUserRejected        = errors.New("transaction rejected by signer")
	ErrLedgerRejected      = errors.New("transaction rejected by ledger")
	// ErrOutcomeUnknown means a transaction was sent but its inclusion was
	// not observed in time. Local status is left unchanged.
	ErrOutcomeUnknown   = errors.New("transaction outcome unknown")
	ErrApprovalRequired = errors.New("listing requires a confirmed approval")
	ErrNotHolder        = errors.New("signer does not hold the token")
	ErrNotListed        = errors.New("token has no active listing")
	ErrInvalidPrice     = errors.New("listing price must be positive")
	ErrInFlight         = errors.New("another transition is in progress for this token")
)

// Tickets is the ticket contract surface the lifecycle needs.
type Tickets interface {
	OwnerOf(ctx context.Context, tokenID uint64) (common.Address, error)
	GetApproved(ctx context.Context, tokenID uint64) (common.Address, error)
	ApproveTx(spender common.Address, tokenID uint64) (ledger.TxSpec, error)
}

// Market is the marketplace contract surface the lifecycle needs.
type Market interface {
	Address() common.Address
	Listing(ctx context.Context, tokenID uint64) (*contracts.Listing, error)
	ListTx(tokenID uint64, priceWei *big.Int) (ledger.TxSpec, error)
	CancelTx(tokenID uint64) (ledger.TxSpec, error)
}

// Writer is the ledger write capability. It signs on behalf of From().
type Writer interface {
	From() common.Address
	Simulate(ctx context.Context, spec ledger.TxSpec) (*ledger.PreparedTx, error)
	Submit(ctx context.Context, prepared *ledger.PreparedTx) (common.Hash, error)
	WaitForInclusion(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

type Options struct {
	PollAttempts     int
	PollInterval     time.Duration
	InclusionTimeout time.Duration
}

type tracked struct {
	status models.TicketStatus
	holder common.Address
}

// Manager tracks in-flight resale transitions per token. Ledger state is
// authoritative; tracked status only covers steps the ledger cannot show
// yet and is corrected whenever a read contradicts it.
type Manager struct {
	tickets Tickets
	market  Market
	writer  Writer
	opts    Options
	logger  *slog.Logger

	mu     sync.Mutex
	states map[uint64]tracked
	busy   map[uint64]struct{}
}

func NewManager(tickets Tickets, market Market, writer Writer, opts Options, logger *slog.Logger) *Manager {
	if opts.PollAttempts <= 0 {
		opts.PollAttempts = 5
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.InclusionTimeout <= 0 {
		opts.InclusionTimeout = 2 * time.Minute
	}
	return &Manager{
		tickets: tickets,
		market:  market,
		writer:  writer,
		opts:    opts,
		logger:  logger,
		states:  make(map[uint64]tracked),
		busy:    make(map[uint64]struct{}),
	}
}

func (m *Manager) acquire(tokenID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.busy[tokenID]; ok {
		return ErrInFlight
	}
	m.busy[tokenID] = struct{}{}
	return nil
}

func (m *Manager) release(tokenID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.busy, tokenID)
}

func (m *Manager) set(tokenID uint64, status models.TicketStatus, holder common.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if status == models.StatusOwned {
		delete(m.states, tokenID)
		return
	}
	m.states[tokenID] = tracked{status: status, holder: holder}
}

// Status returns the locally tracked status, Owned when nothing is tracked.
func (m *Manager) Status(tokenID uint64) models.TicketStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[tokenID]; ok {
		return st.status
	}
	return models.StatusOwned
}

// Signer is the account whose tickets this manager lists.
func (m *Manager) Signer() common.Address {
	return m.writer.From()
}

func (m *Manager) requireHolder(ctx context.Context, tokenID uint64) error {
	owner, err := m.tickets.OwnerOf(ctx, tokenID)
	if err != nil {
		return err
	}
	if owner != m.writer.From() {
		return fmt.Errorf("%w: token %d is held by %s", ErrNotHolder, tokenID, owner.Hex())
	}
	return nil
}

// RequestApproval approves the marketplace to move tokenID. When the
// approval is already in place it skips straight to ListedPending.
// Otherwise it submits the approval and enters PendingApproval once the
// transaction is included.
func (m *Manager) RequestApproval(ctx context.Context, tokenID uint64) (models.TicketStatus, error) {
	if err := m.acquire(tokenID); err != nil {
		return m.Status(tokenID), err
	}
	defer m.release(tokenID)

	if err := m.requireHolder(ctx, tokenID); err != nil {
		return m.Status(tokenID), err
	}

	target := m.market.Address()
	approved, err := m.tickets.GetApproved(ctx, tokenID)
	if err != nil {
		return m.Status(tokenID), fmt.Errorf("failed to read approval: %w", err)
	}
	if approved == target {
		m.set(tokenID, models.StatusListedPending, m.writer.From())
		return models.StatusListedPending, nil
	}

	spec, err := m.tickets.ApproveTx(target, tokenID)
	if err != nil {
		return m.Status(tokenID), err
	}
	if err := m.execute(ctx, "approve", tokenID, spec); err != nil {
		return m.Status(tokenID), err
	}

	m.set(tokenID, models.StatusPendingApproval, m.writer.From())
	return models.StatusPendingApproval, nil
}

// ConfirmApproval polls the ledger until the marketplace is observed as
// the approved operator. Zero attempts or interval use the configured
// defaults. Exhaustion returns ErrApprovalNotObserved and leaves the
// status unchanged.
func (m *Manager) ConfirmApproval(ctx context.Context, tokenID uint64, attempts int, interval time.Duration) (models.TicketStatus, error) {
	if attempts <= 0 {
		attempts = m.opts.PollAttempts
	}
	if interval <= 0 {
		interval = m.opts.PollInterval
	}
	if err := m.acquire(tokenID); err != nil {
		return m.Status(tokenID), err
	}
	defer m.release(tokenID)

	target := m.market.Address()
	err := ledger.Poll(ctx, attempts, interval, func(ctx context.Context) (bool, error) {
		approved, err := m.tickets.GetApproved(ctx, tokenID)
		if err != nil {
			return false, err
		}
		return approved == target, nil
	})
	if errors.Is(err, ledger.ErrPollExhausted) {
		m.logger.Info("approval not observed", "token_id", tokenID, "attempts", attempts)
		return m.Status(tokenID), fmt.Errorf("%w: token %d after %d attempts: %w", ErrApprovalNotObserved, tokenID, attempts, err)
	}
	if err != nil {
		return m.Status(tokenID), err
	}

	m.set(tokenID, models.StatusListedPending, m.writer.From())
	return models.StatusListedPending, nil
}

// List lists tokenID at priceWei. It is only reachable after approval has
// been observed.
func (m *Manager) List(ctx context.Context, tokenID uint64, priceWei *big.Int) (models.TicketStatus, error) {
	if priceWei == nil || priceWei.Sign() <= 0 {
		return m.Status(tokenID), ErrInvalidPrice
	}
	if err := m.acquire(tokenID); err != nil {
		return m.Status(tokenID), err
	}
	defer m.release(tokenID)

	if m.Status(tokenID) != models.StatusListedPending {
		return m.Status(tokenID), ErrApprovalRequired
	}

	spec, err := m.market.ListTx(tokenID, priceWei)
	if err != nil {
		return m.Status(tokenID), err
	}
	if err := m.execute(ctx, "list", tokenID, spec); err != nil {
		return m.Status(tokenID), err
	}

	m.set(tokenID, models.StatusListed, m.writer.From())
	return models.StatusListed, nil
}

// Cancel withdraws an active listing and returns the token to Owned.
func (m *Manager) Cancel(ctx context.Context, tokenID uint64) (models.TicketStatus, error) {
	if err := m.acquire(tokenID); err != nil {
		return m.Status(tokenID), err
	}
	defer m.release(tokenID)

	listing, err := m.market.Listing(ctx, tokenID)
	if err != nil {
		return m.Status(tokenID), fmt.Errorf("failed to read listing: %w", err)
	}
	if !listing.Active || listing.Seller != m.writer.From() {
		return m.Status(tokenID), ErrNotListed
	}

	spec, err := m.market.CancelTx(tokenID)
	if err != nil {
		return m.Status(tokenID), err
	}
	if err := m.execute(ctx, "cancel", tokenID, spec); err != nil {
		return m.Status(tokenID), err
	}

	m.set(tokenID, models.StatusOwned, m.writer.From())
	return models.StatusOwned, nil
}

// execute simulates, submits and waits for spec. Nothing is mutated here;
// callers change status only on a nil return.
func (m *Manager) execute(ctx context.Context, op string, tokenID uint64, spec ledger.TxSpec) error {
	prepared, err := m.writer.Simulate(ctx, spec)
	if err != nil {
		return classify(op, err)
	}

	hash, err := m.writer.Submit(ctx, prepared)
	if err != nil {
		return classify(op, err)
	}
	m.logger.Info("resale transaction submitted", "op", op, "token_id", tokenID, "tx", hash.Hex())

	waitCtx, cancel := context.WithTimeout(ctx, m.opts.InclusionTimeout)
	defer cancel()
	if _, err := m.writer.WaitForInclusion(waitCtx, hash); err != nil {
		if errors.Is(err, ledger.ErrTxReverted) {
			return fmt.Errorf("%w: %s tx %s: %w", ErrLedgerRejected, op, hash.Hex(), err)
		}
		m.logger.Warn("resale transaction outcome unknown", "op", op, "token_id", tokenID, "tx", hash.Hex(), "error", err)
		return fmt.Errorf("%w: %s tx %s: %w", ErrOutcomeUnknown, op, hash.Hex(), err)
	}
	return nil
}

func classify(op string, err error) error {
	switch {
	case errors.Is(err, ledger.ErrSignerRejected):
		return fmt.Errorf("%w: %s: %w", ErrUserRejected, op, err)
	case errors.Is(err, ledger.ErrTxReverted):
		return fmt.Errorf("%w: %s: %w", ErrLedgerRejected, op, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

// Resolve folds a fresh ledger observation into the tracked status and
// returns the status as seen by holder. It implements
// discovery.StatusResolver.
func (m *Manager) Resolve(tokenID uint64, holder common.Address, listing *contracts.Listing) models.TicketStatus {
	next := m.observe(tokenID, holder, listing)
	if next.holder != holder {
		return models.StatusOwned
	}
	return next.status
}

func (m *Manager) observe(tokenID uint64, holder common.Address, listing *contracts.Listing) tracked {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[tokenID]
	next := reconcile(st, ok, holder, listing)
	if next.status == models.StatusOwned {
		delete(m.states, tokenID)
	} else {
		m.states[tokenID] = next
	}
	return next
}

func reconcile(st tracked, ok bool, holder common.Address, listing *contracts.Listing) tracked {
	listedByHolder := listing != nil && listing.Active && listing.Seller == holder
	switch {
	case listedByHolder:
		return tracked{status: models.StatusListed, holder: holder}
	case !ok:
		return tracked{status: models.StatusOwned, holder: holder}
	case st.holder != holder && (st.status == models.StatusListed || st.status == models.StatusSold):
		// The listing is gone and the token moved: a buyer took it.
		return tracked{status: models.StatusSold, holder: st.holder}
	case st.holder != holder:
		return tracked{status: models.StatusOwned, holder: holder}
	case st.status == models.StatusSold:
		// The seller holds the token again.
		return tracked{status: models.StatusOwned, holder: holder}
	case st.status == models.StatusListed && listing != nil:
		// Listing cancelled outside this service.
		return tracked{status: models.StatusOwned, holder: holder}
	}
	return st
}

// Observe reads current ownership and listing state and corrects the
// tracked status.
func (m *Manager) Observe(ctx context.Context, tokenID uint64) (models.TicketStatus, error) {
	holder, err := m.tickets.OwnerOf(ctx, tokenID)
	if err != nil {
		return m.Status(tokenID), err
	}
	listing, err := m.market.Listing(ctx, tokenID)
	if err != nil {
		return m.Status(tokenID), err
	}
	return m.observe(tokenID, holder, listing).status, nil
}
