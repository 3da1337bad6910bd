package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"ticketchain-backend/discovery"
	"ticketchain-backend/entry"
	"ticketchain-backend/models"
)

// TicketOwnership is what issuing an entry code needs from the ledger.
type TicketOwnership interface {
	OwnerOf(ctx context.Context, tokenID uint64) (common.Address, error)
	TicketEvent(ctx context.Context, tokenID uint64) (uint64, error)
}

type TicketHandler struct {
	discovery *discovery.Discovery
	verifier  *entry.Verifier
	tickets   TicketOwnership
	logger    *slog.Logger
}

func NewTicketHandler(d *discovery.Discovery, verifier *entry.Verifier, tickets TicketOwnership, logger *slog.Logger) *TicketHandler {
	return &TicketHandler{
		discovery: d,
		verifier:  verifier,
		tickets:   tickets,
		logger:    logger,
	}
}

func addressQuery(c *gin.Context) (common.Address, bool) {
	raw := c.Query("address")
	if !common.IsHexAddress(raw) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid or missing address"})
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func idParam(c *gin.Context, name string) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid %s", name)})
		return 0, false
	}
	return id, true
}

// GetTickets handles GET /tickets?address=. The list is best effort:
// tokens that could not be enriched are counted in "dropped".
func (h *TicketHandler) GetTickets(c *gin.Context) {
	owner, ok := addressQuery(c)
	if !ok {
		return
	}

	result, err := h.discovery.Tickets(c.Request.Context(), owner)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, models.TicketsResponse{
		Address: owner.Hex(),
		Tickets: result.Tickets,
		Source:  result.Source,
		Dropped: result.Dropped,
	})
}

// VerifyTicket handles POST /tickets/verify. Denials are 200 responses
// with valid=false and a reason code.
func (h *TicketHandler) VerifyTicket(c *gin.Context) {
	var req models.VerifyTicketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	record, err := h.verifier.Verify(c.Request.Context(), req.Code, req.EventID, common.HexToAddress(req.ScannerAddress))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	h.logger.Info("entry verified",
		"token_id", record.TokenID,
		"event_id", record.EventID,
		"valid", record.Valid,
		"reason", record.Reason,
		"resold", record.Resold,
	)
	c.JSON(http.StatusOK, record)
}

// issueCode returns a fresh entry code for ticket :id if ?address= holds it.
func (h *TicketHandler) issueCode(c *gin.Context) (*models.EntryCodeResponse, bool) {
	id, ok := idParam(c, "id")
	if !ok {
		return nil, false
	}
	holder, ok := addressQuery(c)
	if !ok {
		return nil, false
	}

	ctx := c.Request.Context()
	owner, err := h.tickets.OwnerOf(ctx, id)
	if err != nil {
		respondError(c, h.logger, err)
		return nil, false
	}
	if owner != holder {
		c.JSON(http.StatusForbidden, gin.H{"error": "Address does not hold this ticket"})
		return nil, false
	}
	eventID, err := h.tickets.TicketEvent(ctx, id)
	if err != nil {
		respondError(c, h.logger, err)
		return nil, false
	}

	code, err := entry.Encode(id, eventID, holder, time.Now())
	if err != nil {
		respondError(c, h.logger, err)
		return nil, false
	}
	return &models.EntryCodeResponse{TokenID: id, EventID: eventID, Code: code}, true
}

// GetEntryCode handles GET /tickets/:id/code?address=.
func (h *TicketHandler) GetEntryCode(c *gin.Context) {
	resp, ok := h.issueCode(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, resp)
}

// GetEntryCodeImage handles GET /tickets/:id/code.png?address=.
func (h *TicketHandler) GetEntryCodeImage(c *gin.Context) {
	resp, ok := h.issueCode(c)
	if !ok {
		return
	}

	size, err := strconv.Atoi(c.DefaultQuery("size", "256"))
	if err != nil || size < 64 || size > 1024 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "size must be between 64 and 1024"})
		return
	}

	img, err := entry.QRCode(resp.Code, size)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/png", img)
}
