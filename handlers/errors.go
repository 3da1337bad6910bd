package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"ticketchain-backend/auth"
	"ticketchain-backend/entry"
	"ticketchain-backend/ledger"
	"ticketchain-backend/listing"
	"ticketchain-backend/marketplace"
	"ticketchain-backend/nonce"
)

// statusFor maps a component error to an HTTP status and whether the
// client may retry the same request.
func statusFor(err error) (int, bool) {
	switch {
	case errors.Is(err, ledger.ErrUnreachable):
		return http.StatusServiceUnavailable, true
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, true
	case errors.Is(err, listing.ErrApprovalNotObserved):
		return http.StatusConflict, true
	case errors.Is(err, listing.ErrOutcomeUnknown):
		return http.StatusGatewayTimeout, false
	case errors.Is(err, listing.ErrInFlight):
		return http.StatusConflict, true
	case errors.Is(err, listing.ErrUserRejected):
		return http.StatusBadRequest, false
	case errors.Is(err, listing.ErrLedgerRejected):
		return http.StatusUnprocessableEntity, false
	case errors.Is(err, listing.ErrApprovalRequired),
		errors.Is(err, listing.ErrNotListed),
		errors.Is(err, marketplace.ErrNotListed),
		errors.Is(err, marketplace.ErrSellerMismatch),
		errors.Is(err, marketplace.ErrEventPassed):
		return http.StatusConflict, false
	case errors.Is(err, listing.ErrInvalidPrice),
		errors.Is(err, entry.ErrMalformedCode),
		errors.Is(err, auth.ErrMalformedMessage),
		errors.Is(err, auth.ErrMalformedSig):
		return http.StatusBadRequest, false
	case errors.Is(err, listing.ErrNotHolder),
		errors.Is(err, marketplace.ErrNotSeller):
		return http.StatusForbidden, false
	case errors.Is(err, nonce.ErrInvalid),
		errors.Is(err, auth.ErrSignatureMismatch),
		errors.Is(err, auth.ErrInvalidSession):
		return http.StatusUnauthorized, false
	case errors.Is(err, ledger.ErrReverted),
		errors.Is(err, marketplace.ErrNotIndexed):
		return http.StatusNotFound, false
	}
	return http.StatusInternalServerError, false
}

// respondError writes err as {"error": ..., "retryable": ...}. Internal
// errors are logged and reported without detail.
func respondError(c *gin.Context, logger *slog.Logger, err error) {
	status, retryable := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		logger.Error("request failed", "path", c.FullPath(), "error", err)
		message = "Internal server error"
	}
	c.JSON(status, gin.H{"error": message, "retryable": retryable})
}
