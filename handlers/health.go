package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ticketchain-backend/ledger"
)

// HeadReader reports the latest block seen by each ledger endpoint.
type HeadReader interface {
	Heads(ctx context.Context) []ledger.EndpointHead
}

type HealthHandler struct {
	ledger HeadReader
}

func NewHealthHandler(reader HeadReader) *HealthHandler {
	return &HealthHandler{ledger: reader}
}

// Health handles GET /health.
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

// Ledger handles GET /health/ledger. It is 503 only when no endpoint
// answered.
func (h *HealthHandler) Ledger(c *gin.Context) {
	heads := h.ledger.Heads(c.Request.Context())

	healthy := 0
	for _, head := range heads {
		if head.Error == "" {
			healthy++
		}
	}

	status := http.StatusOK
	if healthy == 0 {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"endpoints": heads, "healthy": healthy})
}
