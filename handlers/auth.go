package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"ticketchain-backend/auth"
	"ticketchain-backend/models"
	"ticketchain-backend/nonce"
)

type AuthHandler struct {
	nonces *nonce.Ledger
	auth   *auth.Authenticator
	logger *slog.Logger
}

func NewAuthHandler(nonces *nonce.Ledger, authenticator *auth.Authenticator, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		nonces: nonces,
		auth:   authenticator,
		logger: logger,
	}
}

// IssueNonce handles POST /nonce.
func (h *AuthHandler) IssueNonce(c *gin.Context) {
	n, err := h.nonces.Issue(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, models.NonceResponse{
		Nonce:     n.Value,
		ExpiresAt: n.ExpiresAt.Unix(),
	})
}

// VerifySignature handles POST /verify-signature. The embedded nonce is
// consumed before the signature is checked.
func (h *AuthHandler) VerifySignature(c *gin.Context) {
	var req models.VerifySignatureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	token, err := h.auth.Verify(c.Request.Context(), req.Address, req.Message, req.Signature)
	if err != nil {
		h.logger.Info("signature login rejected", "address", req.Address, "error", err)
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, models.VerifySignatureResponse{
		OK:      true,
		Address: req.Address,
		Token:   token,
	})
}
