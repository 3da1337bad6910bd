package handlers

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticketchain-backend/attendees"
	"ticketchain-backend/auth"
	"ticketchain-backend/contracts"
	"ticketchain-backend/discovery"
	"ticketchain-backend/entry"
	"ticketchain-backend/ledger"
	"ticketchain-backend/ledger/ledgertest"
	"ticketchain-backend/listing"
	"ticketchain-backend/marketplace"
	"ticketchain-backend/models"
	"ticketchain-backend/nonce"
)

var (
	creator  = common.HexToAddress("0x00000000000000000000000000000000000c0de5")
	alice    = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob      = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	operator = common.HexToAddress("0x000000000000000000000000000000000000000a")
)

type stubProfiles map[common.Address]*models.Profile

func (s stubProfiles) Resolve(_ context.Context, address common.Address) (*models.Profile, error) {
	return s[address], nil
}

type stubHeads []ledger.EndpointHead

func (s stubHeads) Heads(context.Context) []ledger.EndpointHead {
	return s
}

type testEnv struct {
	router   *gin.Engine
	fake     *ledgertest.Fake
	writer   *ledgertest.Writer
	sessions *auth.Sessions
	index    *marketplace.MemoryIndex
	heads    stubHeads
}

func setup(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	fake := ledgertest.New()
	fake.Events[7] = &models.Event{EventID: 7, Creator: creator.Hex(), Name: "Launch Party", Location: "Lisbon", Date: time.Now().Add(48 * time.Hour), TicketsSold: 3}
	fake.Mint(42, 7, alice, 10)
	fake.Mint(43, 7, bob, 11)
	fake.Mint(44, 7, operator, 12)

	env := &testEnv{
		fake:     fake,
		writer:   &ledgertest.Writer{Ledger: fake, Signer: operator},
		sessions: auth.NewSessions("test-secret", time.Hour),
		index:    marketplace.NewMemoryIndex(),
		heads:    stubHeads{{Name: "rpc-0", Block: 13}, {Name: "rpc-1", Error: "dial tcp: refused"}},
	}

	nonces := nonce.NewLedger(nonce.NewMemoryStore(), 10*time.Minute, logger)
	manager := listing.NewManager(fake, fake, env.writer, listing.Options{PollAttempts: 3, PollInterval: time.Millisecond, InclusionTimeout: time.Second}, logger)
	profiles := stubProfiles{alice: {Address: alice.Hex(), Username: "alice"}}

	env.router = NewRouter(Routes{
		CORSOrigins: []string{"http://localhost:3000"},
		Sessions:    env.sessions,
		Auth:        NewAuthHandler(nonces, auth.NewAuthenticator(nonces, env.sessions, logger), logger),
		Tickets: NewTicketHandler(
			discovery.New(fake, fake, manager, discovery.Options{}, logger),
			entry.NewVerifier(fake, 24*time.Hour, logger),
			fake,
			logger,
		),
		Events:   NewEventHandler(fake, attendees.NewScanner(fake, attendees.Options{BatchSize: 10, Ceiling: 100}, logger), profiles, logger),
		Listings: NewListingHandler(marketplace.NewReconciler(fake, fake, env.index, 4, logger), profiles, logger),
		Resale:   NewResaleHandler(manager, logger),
		Health:   NewHealthHandler(env.heads),
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any, session *common.Address) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if session != nil {
		token, err := e.sessions.Issue(*session)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func sign(t *testing.T, key *ecdsa.PrivateKey, message string) string {
	t.Helper()
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	require.NoError(t, err)
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig)
}

func TestAuth_NonceThenSignature(t *testing.T) {
	env := setup(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	address := crypto.PubkeyToAddress(key.PublicKey)

	w := env.do(t, http.MethodPost, "/api/v1/nonce", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	issued := decode[models.NonceResponse](t, w)
	assert.Len(t, issued.Nonce, 32)

	message := "Sign in to TicketChain\nNonce: " + issued.Nonce
	req := models.VerifySignatureRequest{Address: address.Hex(), Message: message, Signature: sign(t, key, message)}

	w = env.do(t, http.MethodPost, "/api/v1/verify-signature", req, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[models.VerifySignatureResponse](t, w)
	assert.True(t, resp.OK)
	session, err := env.sessions.Parse(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, address, session)

	w = env.do(t, http.MethodPost, "/api/v1/verify-signature", req, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code, "replayed nonce")
}

func TestAuth_RejectsBadInput(t *testing.T) {
	env := setup(t)

	w := env.do(t, http.MethodPost, "/api/v1/verify-signature", gin.H{"address": "nope", "message": "m", "signature": "0x"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/verify-signature", models.VerifySignatureRequest{Address: alice.Hex(), Message: "Nonce: unknown", Signature: "0x00"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGetTickets(t *testing.T) {
	env := setup(t)

	w := env.do(t, http.MethodGet, "/api/v1/tickets?address="+alice.Hex(), nil, nil)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[models.TicketsResponse](t, w)
	require.Len(t, resp.Tickets, 1)
	assert.Equal(t, uint64(42), resp.Tickets[0].TokenID)
	assert.Equal(t, models.StatusOwned, resp.Tickets[0].Status)
	assert.Equal(t, discovery.SourceLogScan, resp.Source)
}

func TestGetTickets_Errors(t *testing.T) {
	env := setup(t)

	w := env.do(t, http.MethodGet, "/api/v1/tickets", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	env.fake.Fail["LatestBlock"] = fmt.Errorf("%w: eth_blockNumber", ledger.ErrUnreachable)
	w = env.do(t, http.MethodGet, "/api/v1/tickets?address="+alice.Hex(), nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, true, decode[map[string]any](t, w)["retryable"])
}

func TestVerifyTicket(t *testing.T) {
	env := setup(t)
	code, err := entry.Encode(42, 7, alice, time.Now())
	require.NoError(t, err)

	w := env.do(t, http.MethodPost, "/api/v1/tickets/verify", gin.H{"code": code, "event_id": 7, "scanner_address": creator.Hex()}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	record := decode[models.EntryVerificationRecord](t, w)
	assert.True(t, record.Valid)
	assert.Equal(t, models.ReasonValid, record.Reason)

	w = env.do(t, http.MethodPost, "/api/v1/tickets/verify", gin.H{"code": code, "event_id": 8, "scanner_address": creator.Hex()}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	record = decode[models.EntryVerificationRecord](t, w)
	assert.False(t, record.Valid)
	assert.Equal(t, models.ReasonWrongEvent, record.Reason)

	w = env.do(t, http.MethodPost, "/api/v1/tickets/verify", gin.H{"code": code, "event_id": 7, "scanner_address": "0x12"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEntryCode(t *testing.T) {
	env := setup(t)

	w := env.do(t, http.MethodGet, "/api/v1/tickets/42/code?address="+alice.Hex(), nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[models.EntryCodeResponse](t, w)
	parsed, err := entry.Parse(resp.Code)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), parsed.EventID)
	assert.Equal(t, alice, parsed.Holder)

	w = env.do(t, http.MethodGet, "/api/v1/tickets/42/code?address="+bob.Hex(), nil, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/tickets/999/code?address="+bob.Hex(), nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/tickets/42/code.png?address="+alice.Hex(), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG")))
}

func TestEvents(t *testing.T) {
	env := setup(t)

	w := env.do(t, http.MethodGet, "/api/v1/events/7", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Launch Party", decode[models.Event](t, w).Name)

	w = env.do(t, http.MethodGet, "/api/v1/events/99", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/events/abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetAttendees(t *testing.T) {
	env := setup(t)

	w := env.do(t, http.MethodGet, "/api/v1/events/7/attendees", nil, nil)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[models.AttendeesResponse](t, w)
	require.Len(t, resp.Attendees, 3)
	assert.Equal(t, alice.Hex(), resp.Attendees[0].Address)
	require.NotNil(t, resp.Attendees[0].Profile)
	assert.Equal(t, "alice", resp.Attendees[0].Profile.Username)
	assert.Equal(t, bob.Hex(), resp.Attendees[1].Address)
	assert.Nil(t, resp.Attendees[1].Profile)
	assert.Equal(t, operator.Hex(), resp.Attendees[2].Address)
	assert.Equal(t, uint64(3), resp.Expected)
	assert.Equal(t, uint64(50), resp.Probed)
}

func TestListings(t *testing.T) {
	env := setup(t)
	env.fake.Listings[42] = &contracts.Listing{TokenID: 42, Seller: alice, Price: big.NewInt(2e17), Active: true}
	env.fake.Listings[43] = &contracts.Listing{TokenID: 43, Seller: alice, Price: big.NewInt(1), Active: true}

	w := env.do(t, http.MethodGet, "/api/v1/listings", nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[models.ListingsResponse](t, w)
	require.Len(t, resp.Listings, 1, "token 43 is held by bob, not the seller")
	assert.Equal(t, "0.2", resp.Listings[0].PriceEth)
	require.NotNil(t, resp.Listings[0].Profile)

	w = env.do(t, http.MethodGet, "/api/v1/listings?source=elsewhere", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	create := models.CreateListingRequest{TicketID: 42, Seller: alice.Hex(), Location: "Front row"}
	w = env.do(t, http.MethodPost, "/api/v1/listings", create, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/listings", create, &bob)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/listings", create, &alice)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = env.do(t, http.MethodGet, "/api/v1/listings?source=legacy", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	legacy := decode[models.ListingsResponse](t, w)
	require.Len(t, legacy.Listings, 1)
	assert.Equal(t, "Front row", legacy.Listings[0].Metadata.Location)

	w = env.do(t, http.MethodDelete, "/api/v1/listings/42", nil, &bob)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = env.do(t, http.MethodDelete, "/api/v1/listings/42", nil, &alice)
	assert.Equal(t, http.StatusOK, w.Code)
	w = env.do(t, http.MethodDelete, "/api/v1/listings/42", nil, &alice)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateListing_RejectsUnlistedTicket(t *testing.T) {
	env := setup(t)

	w := env.do(t, http.MethodPost, "/api/v1/listings", models.CreateListingRequest{TicketID: 42, Seller: alice.Hex()}, &alice)

	assert.Equal(t, http.StatusConflict, w.Code)
	_, err := env.index.Get(context.Background(), 42)
	assert.ErrorIs(t, err, marketplace.ErrNotIndexed)
}

func TestResaleWorkflow(t *testing.T) {
	env := setup(t)

	w := env.do(t, http.MethodPost, "/api/v1/resale/44/approve", nil, &alice)
	assert.Equal(t, http.StatusForbidden, w.Code)

	steps := []struct {
		path string
		body any
		want models.TicketStatus
	}{
		{"/api/v1/resale/44/approve", nil, models.StatusPendingApproval},
		{"/api/v1/resale/44/confirm", nil, models.StatusListedPending},
		{"/api/v1/resale/44/list", gin.H{"price_wei": "500000000000000000"}, models.StatusListed},
		{"/api/v1/resale/44/cancel", nil, models.StatusOwned},
	}
	for _, step := range steps {
		w := env.do(t, http.MethodPost, step.path, step.body, &operator)
		require.Equal(t, http.StatusOK, w.Code, "%s: %s", step.path, w.Body.String())
		assert.Equal(t, step.want, decode[resaleResponse](t, w).Status, step.path)
	}
	assert.Equal(t, []string{"approve/1", "list/2", "cancel/3"}, env.writer.Submitted())

	w = env.do(t, http.MethodGet, "/api/v1/resale/44", nil, &operator)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.StatusOwned, decode[resaleResponse](t, w).Status)
}

func TestResale_ApprovalNotObservedIsRetryable(t *testing.T) {
	env := setup(t)
	env.fake.ApprovalLag = 100

	w := env.do(t, http.MethodPost, "/api/v1/resale/44/approve", nil, &operator)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/resale/44/confirm", nil, &operator)
	assert.Equal(t, http.StatusConflict, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, true, body["retryable"])
	assert.Equal(t, string(models.StatusPendingApproval), body["status"])

	w = env.do(t, http.MethodPost, "/api/v1/resale/44/list", gin.H{"price_wei": "abc"}, &operator)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealth(t *testing.T) {
	env := setup(t)

	w := env.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/health/ledger", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode[map[string]any](t, w)["healthy"])
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err       error
		code      int
		retryable bool
	}{
		{fmt.Errorf("read: %w", ledger.ErrUnreachable), http.StatusServiceUnavailable, true},
		{fmt.Errorf("read: %w", ledger.ErrReverted), http.StatusNotFound, false},
		{nonce.ErrExpired, http.StatusUnauthorized, false},
		{listing.ErrApprovalNotObserved, http.StatusConflict, true},
		{listing.ErrUserRejected, http.StatusBadRequest, false},
		{listing.ErrLedgerRejected, http.StatusUnprocessableEntity, false},
		{listing.ErrOutcomeUnknown, http.StatusGatewayTimeout, false},
		{listing.ErrNotHolder, http.StatusForbidden, false},
		{marketplace.ErrNotIndexed, http.StatusNotFound, false},
		{errors.New("boom"), http.StatusInternalServerError, false},
	}

	for _, tt := range tests {
		code, retryable := statusFor(tt.err)
		assert.Equal(t, tt.code, code, tt.err.Error())
		assert.Equal(t, tt.retryable, retryable, tt.err.Error())
	}
}
