package discovery

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticketchain-backend/contracts"
	"ticketchain-backend/ledger"
	"ticketchain-backend/ledger/ledgertest"
	"ticketchain-backend/models"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupDiscovery(fake *ledgertest.Fake) *Discovery {
	return New(fake, fake, nil, Options{LogWindow: 1000, Concurrency: 4}, testLogger())
}

func seedLedger() *ledgertest.Fake {
	fake := ledgertest.New()
	fake.Events[7] = &models.Event{EventID: 7, Creator: bob.Hex(), Name: "Launch Party", Date: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)}
	fake.Mint(1, 7, alice, 100)
	fake.Mint(2, 7, alice, 150)
	fake.Mint(3, 7, bob, 200)
	fake.Head = 1000
	return fake
}

func TestDiscover_EnumerationDeduplicates(t *testing.T) {
	fake := seedLedger()
	fake.OwnerTokens = map[common.Address][]uint64{alice: {2, 1, 2}}

	ids, source, err := setupDiscovery(fake).Discover(context.Background(), alice)

	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, ids)
	assert.Equal(t, SourceEnumeration, source)
	assert.Zero(t, fake.Calls("TransfersTo"), "log scan must not run when enumeration succeeds")
}

func TestDiscover_FallsBackWhenUnsupported(t *testing.T) {
	fake := seedLedger()

	ids, source, err := setupDiscovery(fake).Discover(context.Background(), alice)

	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, ids)
	assert.Equal(t, SourceLogScan, source)
}

func TestDiscover_FallsBackWhenEnumerationEmpty(t *testing.T) {
	fake := seedLedger()
	fake.OwnerTokens = map[common.Address][]uint64{}

	ids, source, err := setupDiscovery(fake).Discover(context.Background(), alice)

	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, ids)
	assert.Equal(t, SourceLogScan, source)
}

func TestDiscover_LogScanIsBoundedToWindow(t *testing.T) {
	fake := seedLedger()
	fake.Head = 1120

	ids, _, err := setupDiscovery(fake).Discover(context.Background(), alice)

	require.NoError(t, err)
	assert.Equal(t, []uint64{2}, ids, "the mint at block 100 lies outside the trailing window")
}

func TestDiscover_UnreachableIsNotEmpty(t *testing.T) {
	fake := seedLedger()
	fake.Fail["TokensOfOwner"] = fmt.Errorf("%w: eth_call", ledger.ErrUnreachable)

	_, _, err := setupDiscovery(fake).Discover(context.Background(), alice)

	assert.ErrorIs(t, err, ledger.ErrUnreachable)
}

func TestDiscover_StableWithoutTransfers(t *testing.T) {
	fake := seedLedger()
	d := setupDiscovery(fake)

	first, _, err := d.Discover(context.Background(), alice)
	require.NoError(t, err)
	second, _, err := d.Discover(context.Background(), alice)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestTickets_Enrichment(t *testing.T) {
	fake := seedLedger()
	purchased := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	fake.Purchased[1] = purchased
	fake.Listings[2] = &contracts.Listing{TokenID: 2, Seller: alice, Price: big.NewInt(1), Active: true}

	res, err := setupDiscovery(fake).Tickets(context.Background(), alice)

	require.NoError(t, err)
	require.Len(t, res.Tickets, 2)
	assert.Equal(t, SourceLogScan, res.Source)
	assert.Zero(t, res.Dropped)

	first := res.Tickets[0]
	assert.Equal(t, uint64(1), first.TokenID)
	assert.Equal(t, uint64(7), first.EventID)
	assert.Equal(t, alice.Hex(), first.Holder)
	require.NotNil(t, first.PurchasedAt)
	assert.Equal(t, purchased, *first.PurchasedAt)
	require.NotNil(t, first.Event)
	assert.Equal(t, "Launch Party", first.Event.Name)
	assert.Equal(t, models.StatusOwned, first.Status)

	second := res.Tickets[1]
	require.NotNil(t, second.PurchasedAt)
	assert.Equal(t, ledgertest.GenesisTime.Add(150*12*time.Second), *second.PurchasedAt, "falls back to the mint block time")
	assert.Equal(t, models.StatusListed, second.Status)
}

func TestTickets_DiscardsTransferredTokens(t *testing.T) {
	fake := seedLedger()
	fake.Transfer(2, bob, 300)

	res, err := setupDiscovery(fake).Tickets(context.Background(), alice)

	require.NoError(t, err)
	require.Len(t, res.Tickets, 1)
	assert.Equal(t, uint64(1), res.Tickets[0].TokenID)
	assert.Zero(t, res.Dropped)
}

func TestTickets_DropsFailedEnrichment(t *testing.T) {
	fake := seedLedger()
	fake.FailToken[2] = fmt.Errorf("%w: eth_call", ledger.ErrUnreachable)

	res, err := setupDiscovery(fake).Tickets(context.Background(), alice)

	require.NoError(t, err)
	require.Len(t, res.Tickets, 1)
	assert.Equal(t, uint64(1), res.Tickets[0].TokenID)
	assert.Equal(t, 1, res.Dropped)
}

func TestTickets_AllUnreachable(t *testing.T) {
	fake := seedLedger()
	fake.Fail["OwnerOf"] = fmt.Errorf("%w: eth_call", ledger.ErrUnreachable)

	_, err := setupDiscovery(fake).Tickets(context.Background(), alice)

	assert.ErrorIs(t, err, ledger.ErrUnreachable)
}

func TestTickets_MissingEventKeepsTicket(t *testing.T) {
	fake := seedLedger()
	delete(fake.Events, 7)

	res, err := setupDiscovery(fake).Tickets(context.Background(), alice)

	require.NoError(t, err)
	require.Len(t, res.Tickets, 2)
	assert.Nil(t, res.Tickets[0].Event)
}

type fixedStatus models.TicketStatus

func (s fixedStatus) Resolve(uint64, common.Address, *contracts.Listing) models.TicketStatus {
	return models.TicketStatus(s)
}

func TestTickets_UsesStatusResolver(t *testing.T) {
	fake := seedLedger()
	d := New(fake, fake, fixedStatus(models.StatusPendingApproval), Options{}, testLogger())

	res, err := d.Tickets(context.Background(), alice)

	require.NoError(t, err)
	for _, ticket := range res.Tickets {
		assert.Equal(t, models.StatusPendingApproval, ticket.Status)
	}
}
