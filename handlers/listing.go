package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"ticketchain-backend/auth"
	"ticketchain-backend/identity"
	"ticketchain-backend/marketplace"
	"ticketchain-backend/models"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

type ListingHandler struct {
	reconciler *marketplace.Reconciler
	profiles   identity.Resolver
	logger     *slog.Logger
}

func NewListingHandler(reconciler *marketplace.Reconciler, profiles identity.Resolver, logger *slog.Logger) *ListingHandler {
	if profiles == nil {
		profiles = identity.Nop{}
	}
	return &ListingHandler{
		reconciler: reconciler,
		profiles:   profiles,
		logger:     logger,
	}
}

func pageQuery(c *gin.Context) (uint64, uint64, bool) {
	offset, err := strconv.ParseUint(c.DefaultQuery("offset", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid offset"})
		return 0, 0, false
	}
	limit, err := strconv.ParseUint(c.DefaultQuery("limit", strconv.Itoa(defaultPageLimit)), 10, 64)
	if err != nil || limit == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
		return 0, 0, false
	}
	return offset, min(limit, maxPageLimit), true
}

// GetListings handles GET /listings. source=ledger (default) pages the
// marketplace contract; source=legacy reconciles the listing index.
func (h *ListingHandler) GetListings(c *gin.Context) {
	offset, limit, ok := pageQuery(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	var (
		resp *models.ListingsResponse
		err  error
	)
	switch strings.ToLower(c.DefaultQuery("source", "ledger")) {
	case "ledger":
		resp, err = h.reconciler.ListActive(ctx, offset, limit)
	case "legacy":
		resp, err = h.reconciler.ListLegacy(ctx, offset, limit)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "source must be ledger or legacy"})
		return
	}
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	sellers := make([]common.Address, 0, len(resp.Listings))
	seen := make(map[common.Address]bool)
	for _, l := range resp.Listings {
		s := common.HexToAddress(l.Seller)
		if !seen[s] {
			seen[s] = true
			sellers = append(sellers, s)
		}
	}
	profiles := identity.ResolveAll(ctx, h.profiles, sellers, h.logger)
	for i := range resp.Listings {
		resp.Listings[i].Profile = profiles[common.HexToAddress(resp.Listings[i].Seller)]
	}

	c.JSON(http.StatusOK, resp)
}

// CreateListing handles POST /listings. The listing must already be active
// on the marketplace contract for the session address.
func (h *ListingHandler) CreateListing(c *gin.Context) {
	var req models.CreateListingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	caller, ok := auth.SessionAddress(c)
	if !ok || common.HexToAddress(req.Seller) != caller {
		c.JSON(http.StatusForbidden, gin.H{"error": "Seller must match the signed-in address"})
		return
	}

	listing, err := h.reconciler.Publish(c.Request.Context(), req, caller)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	h.logger.Info("listing indexed", "ticket_id", req.TicketID, "seller", caller.Hex())
	c.JSON(http.StatusCreated, listing)
}

// DeleteListing handles DELETE /listings/:id for the indexed seller.
func (h *ListingHandler) DeleteListing(c *gin.Context) {
	ticketID, ok := idParam(c, "id")
	if !ok {
		return
	}
	caller, ok := auth.SessionAddress(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing session"})
		return
	}

	if err := h.reconciler.Withdraw(c.Request.Context(), ticketID, caller); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "ticket_id": ticketID})
}
