// Package discovery resolves which tickets an address holds when the ticket
// contract may not expose an enumeration accessor.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"ticketchain-backend/contracts"
	"ticketchain-backend/ledger"
	"ticketchain-backend/models"
	"ticketchain-backend/monitoring"
)

// Resolution sources reported with every result.
const (
	SourceEnumeration = "enumeration"
	SourceLogScan     = "log_scan"
)

// Tickets is the ticket contract surface discovery reads.
type Tickets interface {
	TokensOfOwner(ctx context.Context, owner common.Address) ([]uint64, error)
	TransfersTo(ctx context.Context, to common.Address, fromBlock, toBlock uint64) ([]contracts.Transfer, error)
	LatestBlock(ctx context.Context) (uint64, error)
	OwnerOf(ctx context.Context, tokenID uint64) (common.Address, error)
	TicketEvent(ctx context.Context, tokenID uint64) (uint64, error)
	Event(ctx context.Context, eventID uint64) (*models.Event, error)
	PurchaseTimestamp(ctx context.Context, tokenID uint64) (time.Time, error)
	MintTransfer(ctx context.Context, tokenID uint64) (*contracts.Transfer, error)
	BlockTime(ctx context.Context, number uint64) (time.Time, error)
}

// Listings reads the marketplace slot of a token.
type Listings interface {
	Listing(ctx context.Context, tokenID uint64) (*contracts.Listing, error)
}

// StatusResolver derives a ticket's resale status from ledger truth and any
// locally tracked in-flight transition.
type StatusResolver interface {
	Resolve(tokenID uint64, holder common.Address, listing *contracts.Listing) models.TicketStatus
}

type Options struct {
	// LogWindow is the number of trailing blocks scanned by the fallback.
	LogWindow   uint64
	Concurrency int
}

type Discovery struct {
	tickets  Tickets
	listings Listings
	status   StatusResolver
	opts     Options
	logger   *slog.Logger
}

// New builds a Discovery. status may be nil, in which case a ticket is
// Listed exactly when its marketplace slot is active for the holder.
func New(tickets Tickets, listings Listings, status StatusResolver, opts Options, logger *slog.Logger) *Discovery {
	if opts.LogWindow == 0 {
		opts.LogWindow = 50_000
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	return &Discovery{tickets: tickets, listings: listings, status: status, opts: opts, logger: logger}
}

// Discover returns the deduplicated, ascending token ids attributed to
// owner and the path that produced them. The enumeration accessor is tried
// first; the bounded log scan runs only when it is empty or unsupported.
// The two are never merged.
func (d *Discovery) Discover(ctx context.Context, owner common.Address) ([]uint64, string, error) {
	ids, err := d.tickets.TokensOfOwner(ctx, owner)
	switch {
	case err == nil && len(ids) > 0:
		monitoring.TrackDiscovery(SourceEnumeration)
		return dedup(ids), SourceEnumeration, nil
	case err != nil && !errors.Is(err, ledger.ErrReverted):
		return nil, "", fmt.Errorf("failed to enumerate tokens: %w", err)
	}

	head, err := d.tickets.LatestBlock(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read head block: %w", err)
	}
	from := uint64(0)
	if head > d.opts.LogWindow {
		from = head - d.opts.LogWindow
	}

	transfers, err := d.tickets.TransfersTo(ctx, owner, from, head)
	if err != nil {
		return nil, "", fmt.Errorf("failed to scan transfer logs: %w", err)
	}
	found := make([]uint64, 0, len(transfers))
	for _, t := range transfers {
		found = append(found, t.TokenID)
	}

	monitoring.TrackDiscovery(SourceLogScan)
	return dedup(found), SourceLogScan, nil
}

func dedup(ids []uint64) []uint64 {
	seen := make(map[uint64]struct{}, len(ids))
	out := make([]uint64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Result is an enriched, best-effort view of owner's tickets. Dropped
// counts tokens whose enrichment failed; the list is not exhaustive.
type Result struct {
	Tickets []models.Ticket
	Source  string
	Dropped int
}

var errNotHolder = errors.New("token no longer held")

// Tickets discovers owner's tokens and enriches each concurrently. A token
// that cannot be enriched is dropped with a warning instead of failing the
// call.
func (d *Discovery) Tickets(ctx context.Context, owner common.Address) (*Result, error) {
	ids, source, err := d.Discover(ctx, owner)
	if err != nil {
		return nil, err
	}

	var (
		mu          sync.Mutex
		tickets     = make([]models.Ticket, 0, len(ids))
		dropped     int
		unreachable int
		events      = newEventCache(d.tickets)
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Concurrency)
	for _, id := range ids {
		g.Go(func() error {
			ticket, err := d.enrich(gctx, owner, id, events)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				tickets = append(tickets, *ticket)
			case errors.Is(err, errNotHolder):
				d.logger.Debug("discarding transferred token", "token_id", id, "owner", owner.Hex())
			default:
				dropped++
				if errors.Is(err, ledger.ErrUnreachable) {
					unreachable++
				}
				d.logger.Warn("dropping token after failed enrichment", "token_id", id, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(ids) > 0 && unreachable == len(ids) {
		return nil, fmt.Errorf("%w: every token enrichment failed", ledger.ErrUnreachable)
	}

	sort.Slice(tickets, func(i, j int) bool { return tickets[i].TokenID < tickets[j].TokenID })
	return &Result{Tickets: tickets, Source: source, Dropped: dropped}, nil
}

func (d *Discovery) enrich(ctx context.Context, owner common.Address, id uint64, events *eventCache) (*models.Ticket, error) {
	holder, err := d.tickets.OwnerOf(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("owner: %w", err)
	}
	if holder != owner {
		return nil, errNotHolder
	}

	eventID, err := d.tickets.TicketEvent(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("bound event: %w", err)
	}

	ticket := &models.Ticket{
		TokenID: id,
		EventID: eventID,
		Holder:  holder.Hex(),
		Status:  models.StatusOwned,
	}

	if event, err := events.get(ctx, eventID); err == nil {
		ticket.Event = event
	} else {
		d.logger.Warn("event descriptor unavailable", "token_id", id, "event_id", eventID, "error", err)
	}

	if ts, err := d.purchasedAt(ctx, id); err == nil {
		ticket.PurchasedAt = &ts
	} else {
		d.logger.Debug("purchase time unavailable", "token_id", id, "error", err)
	}

	var listing *contracts.Listing
	if d.listings != nil {
		if listing, err = d.listings.Listing(ctx, id); err != nil {
			d.logger.Warn("listing state unavailable", "token_id", id, "error", err)
			listing = nil
		}
	}
	ticket.Status = d.resolveStatus(id, holder, listing)

	return ticket, nil
}

// purchasedAt prefers the contract's own field and falls back to the block
// time of the mint transfer.
func (d *Discovery) purchasedAt(ctx context.Context, id uint64) (time.Time, error) {
	ts, err := d.tickets.PurchaseTimestamp(ctx, id)
	if err == nil {
		return ts, nil
	}
	if !errors.Is(err, ledger.ErrReverted) {
		return time.Time{}, err
	}

	mint, err := d.tickets.MintTransfer(ctx, id)
	if err != nil {
		return time.Time{}, err
	}
	return d.tickets.BlockTime(ctx, mint.BlockNumber)
}

func (d *Discovery) resolveStatus(id uint64, holder common.Address, listing *contracts.Listing) models.TicketStatus {
	if d.status != nil {
		return d.status.Resolve(id, holder, listing)
	}
	if listing != nil && listing.Active && listing.Seller == holder {
		return models.StatusListed
	}
	return models.StatusOwned
}

// eventCache shares event descriptors between the enrichment tasks of one
// call.
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
