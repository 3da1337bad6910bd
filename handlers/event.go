package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"ticketchain-backend/attendees"
	"ticketchain-backend/identity"
	"ticketchain-backend/models"
)

// EventReader reads on-ledger event descriptors.
type EventReader interface {
	Event(ctx context.Context, eventID uint64) (*models.Event, error)
}

type EventHandler struct {
	events   EventReader
	scanner  *attendees.Scanner
	profiles identity.Resolver
	logger   *slog.Logger
}

func NewEventHandler(events EventReader, scanner *attendees.Scanner, profiles identity.Resolver, logger *slog.Logger) *EventHandler {
	if profiles == nil {
		profiles = identity.Nop{}
	}
	return &EventHandler{
		events:   events,
		scanner:  scanner,
		profiles: profiles,
		logger:   logger,
	}
}

// GetEvent handles GET /events/:id.
func (h *EventHandler) GetEvent(c *gin.Context) {
	eventID, ok := idParam(c, "id")
	if !ok {
		return
	}

	event, err := h.events.Event(c.Request.Context(), eventID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, event)
}

// GetAttendees handles GET /events/:id/attendees. The scan stops once the
// event's sold ticket count is matched, so the list may be incomplete.
func (h *EventHandler) GetAttendees(c *gin.Context) {
	eventID, ok := idParam(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()

	event, err := h.events.Event(ctx, eventID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	result, err := h.scanner.Scan(ctx, eventID, event.TicketsSold)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if result.Exhausted {
		h.logger.Warn("attendee scan hit id ceiling",
			"event_id", eventID,
			"expected", event.TicketsSold,
			"found", len(result.Addresses),
		)
	}

	profiles := identity.ResolveAll(ctx, h.profiles, result.Addresses, h.logger)
	list := make([]models.Attendee, 0, len(result.Addresses))
	for _, addr := range result.Addresses {
		list = append(list, models.Attendee{Address: addr.Hex(), Profile: profiles[addr]})
	}

	c.JSON(http.StatusOK, models.AttendeesResponse{
		EventID:   eventID,
		Attendees: list,
		Expected:  event.TicketsSold,
		Probed:    result.Probed,
		Exhausted: result.Exhausted,
	})
}
