package marketplace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"ticketchain-backend/contracts"
	"ticketchain-backend/ledger"
	"ticketchain-backend/models"
	"ticketchain-backend/monitoring"
)

// Listing sources reported in responses.
const (
	SourceLedger = "ledger"
	SourceLegacy = "legacy_index"
)

var (
	ErrNotListed      = errors.New("ticket has no active listing on ledger")
	ErrSellerMismatch = errors.New("seller does not match ledger listing")
	ErrEventPassed    = errors.New("event has already taken place")
	ErrNotSeller      = errors.New("only the seller may withdraw a listing")
)

// Tickets is the ticket contract surface reconciliation reads.
type Tickets interface {
	OwnerOf(ctx context.Context, tokenID uint64) (common.Address, error)
	TicketEvent(ctx context.Context, tokenID uint64) (uint64, error)
	Event(ctx context.Context, eventID uint64) (*models.Event, error)
}

// Market is the marketplace contract surface reconciliation reads.
type Market interface {
	Listing(ctx context.Context, tokenID uint64) (*contracts.Listing, error)
	ActiveListings(ctx context.Context, offset, limit uint64) ([]contracts.Listing, error)
}

type Reconciler struct {
	tickets     Tickets
	market      Market
	index       Index
	now         func() time.Time
	concurrency int
	logger      *slog.Logger
}

func NewReconciler(tickets Tickets, market Market, index Index, concurrency int, logger *slog.Logger) *Reconciler {
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Reconciler{
		tickets:     tickets,
		market:      market,
		index:       index,
		now:         time.Now,
		concurrency: concurrency,
		logger:      logger,
	}
}

type verdict int

const (
	verdictValid verdict = iota
	// verdictContradicted means ledger truth disproves the entry.
	verdictContradicted
	// verdictUnverified means the ledger could not be read.
	verdictUnverified
)

type checked struct {
	listing models.Listing
	verdict verdict
	// err explains a non-valid verdict.
	err error
}

// check validates one (ticket, seller) pair against the ledger: the
// listing must be active for seller, seller must still hold the token, and
// the bound event must not have passed.
func (r *Reconciler) check(ctx context.Context, ticketID uint64, seller common.Address, events *eventCache) checked {
	fail := func(err error) checked {
		if errors.Is(err, ledger.ErrReverted) {
			return checked{verdict: verdictContradicted, err: err}
		}
		return checked{verdict: verdictUnverified, err: err}
	}

	onchain, err := r.market.Listing(ctx, ticketID)
	if err != nil {
		return fail(err)
	}
	if !onchain.Active {
		return checked{verdict: verdictContradicted, err: ErrNotListed}
	}
	if onchain.Seller != seller {
		return checked{verdict: verdictContradicted, err: ErrSellerMismatch}
	}

	owner, err := r.tickets.OwnerOf(ctx, ticketID)
	if err != nil {
		return fail(err)
	}
	if owner != seller {
		return checked{verdict: verdictContradicted, err: fmt.Errorf("%w: token held by %s", ErrSellerMismatch, owner.Hex())}
	}

	eventID, err := r.tickets.TicketEvent(ctx, ticketID)
	if err != nil {
		return fail(err)
	}
	event, err := events.get(ctx, eventID)
	if err != nil {
		return fail(err)
	}
	if event.HasPassed(r.now(), 0) {
		return checked{verdict: verdictContradicted, err: ErrEventPassed}
	}

	return checked{
		verdict: verdictValid,
		listing: models.Listing{
			TokenID:  ticketID,
			EventID:  eventID,
			Seller:   seller.Hex(),
			PriceWei: priceString(onchain.Price),
			PriceEth: models.FormatWei(onchain.Price),
			Active:   true,
			Metadata: &models.Legacy{EventName: event.Name, Location: event.Location},
		},
	}
}

func priceString(p *big.Int) string {
	if p == nil {
		return "0"
	}
	return p.String()
}

// ListActive returns the ledger's active listings in [offset, offset+limit)
// whose seller still holds the token and whose event has not passed.
// Unverifiable entries are left out and counted.
func (r *Reconciler) ListActive(ctx context.Context, offset, limit uint64) (*models.ListingsResponse, error) {
	onchain, err := r.market.ActiveListings(ctx, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read active listings: %w", err)
	}

	pairs := make([]pair, len(onchain))
	for i, l := range onchain {
		pairs[i] = pair{ticketID: l.TokenID, seller: l.Seller}
	}
	results, err := r.checkAll(ctx, pairs)
	if err != nil {
		return nil, err
	}

	resp := &models.ListingsResponse{Listings: []models.Listing{}, Source: SourceLedger, Offset: offset, Limit: limit}
	for i, res := range results {
		switch res.verdict {
		case verdictValid:
			r.attachMetadata(ctx, &res.listing)
			resp.Listings = append(resp.Listings, res.listing)
		case verdictUnverified:
			resp.Unverified++
		default:
			r.logger.Debug("skipping stale ledger listing", "token_id", pairs[i].ticketID, "reason", res.err)
		}
	}
	return resp, nil
}

// attachMetadata prefers index metadata when the index agrees on seller.
func (r *Reconciler) attachMetadata(ctx context.Context, l *models.Listing) {
	if r.index == nil {
		return
	}
	entry, err := r.index.Get(ctx, l.TokenID)
	if err != nil || !strings.EqualFold(entry.Seller, l.Seller) {
		return
	}
	if entry.EventName != "" {
		l.Metadata.EventName = entry.EventName
	}
	if entry.Location != "" {
		l.Metadata.Location = entry.Location
	}
	l.Metadata.ListedAt = entry.ListedAt
}

type pair struct {
	ticketID uint64
	seller   common.Address
}

// checkAll validates pairs concurrently. It fails only when every check
// was unverifiable because the ledger was unreachable.
func (r *Reconciler) checkAll(ctx context.Context, pairs []pair) ([]checked, error) {
	results := make([]checked, len(pairs))
	events := newEventCache(r.tickets)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, p := range pairs {
		g.Go(func() error {
			results[i] = r.check(gctx, p.ticketID, p.seller, events)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unverified := 0
	for _, res := range results {
		if res.verdict == verdictUnverified {
			unverified++
		}
	}
	if len(pairs) > 0 && unverified == len(pairs) {
		return nil, fmt.Errorf("%w: no listing could be verified", ledger.ErrUnreachable)
	}
	return results, nil
}

// Reconcile re-validates legacy index entries against the ledger. Entries
// the ledger contradicts are deleted from the index; entries that could not
// be checked are left in place but not returned.
func (r *Reconciler) Reconcile(ctx context.Context, entries []models.LegacyListing) ([]models.Listing, int, int, error) {
	pairs := make([]pair, 0, len(entries))
	valid := make([]models.LegacyListing, 0, len(entries))
	pruned := 0
	for _, e := range entries {
		if !common.IsHexAddress(e.Seller) {
			r.prune(ctx, e.TicketID, e.ID, "malformed seller")
			pruned++
			continue
		}
		pairs = append(pairs, pair{ticketID: e.TicketID, seller: common.HexToAddress(e.Seller)})
		valid = append(valid, e)
	}

	results, err := r.checkAll(ctx, pairs)
	if err != nil {
		return nil, 0, 0, err
	}

	listings := make([]models.Listing, 0, len(results))
	unverified := 0
	for i, res := range results {
		switch res.verdict {
		case verdictValid:
			entry := valid[i]
			if entry.EventName != "" {
				res.listing.Metadata.EventName = entry.EventName
			}
			if entry.Location != "" {
				res.listing.Metadata.Location = entry.Location
			}
			res.listing.Metadata.ListedAt = entry.ListedAt
			listings = append(listings, res.listing)
		case verdictContradicted:
			r.prune(ctx, pairs[i].ticketID, valid[i].ID, res.err.Error())
			pruned++
		default:
			unverified++
		}
	}

	if pruned > 0 {
		monitoring.TrackListingsPruned(pruned)
	}
	sort.Slice(listings, func(i, j int) bool { return listings[i].TokenID < listings[j].TokenID })
	return listings, pruned, unverified, nil
}

// prune deletes the revision that was checked. A newer revision written
// since the read is left for the next reconciliation.
func (r *Reconciler) prune(ctx context.Context, ticketID uint64, id uuid.UUID, reason string) {
	err := r.index.Delete(ctx, ticketID, id)
	switch {
	case errors.Is(err, ErrNotIndexed):
		r.logger.Debug("legacy listing changed before prune", "ticket_id", ticketID)
	case err != nil:
		r.logger.Error("failed to prune legacy listing", "ticket_id", ticketID, "error", err)
	default:
		r.logger.Info("pruned legacy listing", "ticket_id", ticketID, "reason", reason)
	}
}

// ListLegacy reconciles the whole index and pages the surviving entries.
func (r *Reconciler) ListLegacy(ctx context.Context, offset, limit uint64) (*models.ListingsResponse, error) {
	entries, err := r.index.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list legacy index: %w", err)
	}

	listings, pruned, unverified, err := r.Reconcile(ctx, entries)
	if err != nil {
		return nil, err
	}

	start := min(offset, uint64(len(listings)))
	end := min(start+limit, uint64(len(listings)))
	return &models.ListingsResponse{
		Listings:   listings[start:end],
		Source:     SourceLegacy,
		Pruned:     pruned,
		Unverified: unverified,
		Offset:     offset,
		Limit:      limit,
	}, nil
}

// Publish records display metadata for a listing that already exists on
// the ledger for seller.
func (r *Reconciler) Publish(ctx context.Context, req models.CreateListingRequest, seller common.Address) (*models.Listing, error) {
	res := r.check(ctx, req.TicketID, seller, newEventCache(r.tickets))
	if res.verdict != verdictValid {
		return nil, res.err
	}

	entry := models.LegacyListing{
		TicketID:  req.TicketID,
		EventID:   res.listing.EventID,
		Seller:    seller.Hex(),
		PriceWei:  res.listing.PriceWei,
		EventName: req.EventName,
		Location:  req.Location,
		ListedAt:  r.now().UTC(),
	}
	if entry.EventName == "" {
		entry.EventName = res.listing.Metadata.EventName
	}
	if entry.Location == "" {
		entry.Location = res.listing.Metadata.Location
	}

	saved, err := r.index.Upsert(ctx, entry)
	if err != nil {
		return nil, err
	}

	out := res.listing
	out.Metadata = &models.Legacy{EventName: saved.EventName, Location: saved.Location, ListedAt: saved.ListedAt}
	return &out, nil
}

// Withdraw removes ticketID's index entry on behalf of its seller.
func (r *Reconciler) Withdraw(ctx context.Context, ticketID uint64, requester common.Address) error {
	entry, err := r.index.Get(ctx, ticketID)
	if err != nil {
		return err
	}
	if !strings.EqualFold(entry.Seller, requester.Hex()) {
		return ErrNotSeller
	}
	return r.index.Delete(ctx, ticketID, entry.ID)
}

type eventCache struct {
	tickets Tickets
	mu      sync.Mutex
	events  map[uint64]*models.Event
}

func newEventCache(tickets Tickets) *eventCache {
	return &eventCache{tickets: tickets, events: make(map[uint64]*models.Event)}
}

func (c *eventCache) get(ctx context.Context, eventID uint64) (*models.Event, error) {
	c.mu.Lock()
	event, ok := c.events[eventID]
	c.mu.Unlock()
	if ok {
		return event, nil
	}

	event, err := c.tickets.Event(ctx, eventID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.events[eventID] = event
	c.mu.Unlock()
	return event, nil
}
