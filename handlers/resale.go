package handlers

import (
	"log/slog"
	"math/big"
	"net/http"

	"github.com/gin-gonic/gin"

	"ticketchain-backend/auth"
	"ticketchain-backend/listing"
	"ticketchain-backend/models"
)

// ResaleHandler exposes the operator signer's resale workflow. Every route
// requires a session for the signer's own address.
type ResaleHandler struct {
	manager *listing.Manager
	logger  *slog.Logger
}

func NewResaleHandler(manager *listing.Manager, logger *slog.Logger) *ResaleHandler {
	return &ResaleHandler{manager: manager, logger: logger}
}

type resaleResponse struct {
	TokenID uint64              `json:"token_id"`
	Status  models.TicketStatus `json:"status"`
}

type listRequest struct {
	PriceWei string `json:"price_wei" binding:"required"`
}

// RequireSigner rejects sessions other than the operator signer.
func (h *ResaleHandler) RequireSigner() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := auth.SessionAddress(c)
		if !ok || caller != h.manager.Signer() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Only the operator signer may manage resale"})
			return
		}
		c.Next()
	}
}

// respond writes the status after a transition. On error the unchanged
// status is included so clients can re-query instead of guessing.
func (h *ResaleHandler) respond(c *gin.Context, tokenID uint64, status models.TicketStatus, err error) {
	if err != nil {
		code, retryable := statusFor(err)
		if code == http.StatusInternalServerError {
			h.logger.Error("resale step failed", "token_id", tokenID, "error", err)
		}
		c.JSON(code, gin.H{"error": err.Error(), "retryable": retryable, "token_id": tokenID, "status": status})
		return
	}
	c.JSON(http.StatusOK, resaleResponse{TokenID: tokenID, Status: status})
}

// Approve handles POST /resale/:id/approve.
func (h *ResaleHandler) Approve(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	status, err := h.manager.RequestApproval(c.Request.Context(), id)
	h.respond(c, id, status, err)
}

// Confirm handles POST /resale/:id/confirm. A 409 with retryable=true
// means confirm again; the approval must not be resubmitted.
func (h *ResaleHandler) Confirm(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	status, err := h.manager.ConfirmApproval(c.Request.Context(), id, 0, 0)
	h.respond(c, id, status, err)
}

// List handles POST /resale/:id/list.
func (h *ResaleHandler) List(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req listRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	price, ok := new(big.Int).SetString(req.PriceWei, 10)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "price_wei must be a base-10 integer"})
		return
	}

	status, err := h.manager.List(c.Request.Context(), id, price)
	h.respond(c, id, status, err)
}

// Cancel handles POST /resale/:id/cancel.
func (h *ResaleHandler) Cancel(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	status, err := h.manager.Cancel(c.Request.Context(), id)
	h.respond(c, id, status, err)
}

// Status handles GET /resale/:id and re-reads ledger state.
func (h *ResaleHandler) Status(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	status, err := h.manager.Observe(c.Request.Context(), id)
	h.respond(c, id, status, err)
}
