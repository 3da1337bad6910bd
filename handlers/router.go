package handlers

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ticketchain-backend/auth"
)

// Routes holds every handler mounted by NewRouter. Resale is optional and
// only mounted when an operator signer is configured.
type Routes struct {
	CORSOrigins []string
	Sessions    *auth.Sessions

	Auth     *AuthHandler
	Tickets  *TicketHandler
	Events   *EventHandler
	Listings *ListingHandler
	Resale   *ResaleHandler
	Health   *HealthHandler
}

func NewRouter(r Routes) *gin.Engine {
	RegisterValidators()

	router := gin.Default()

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = r.CORSOrigins
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization"}
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	router.GET("/health", r.Health.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	{
		api.GET("/health/ledger", r.Health.Ledger)

		// Authentication
		api.POST("/nonce", r.Auth.IssueNonce)
		api.POST("/verify-signature", r.Auth.VerifySignature)

		// Tickets
		api.GET("/tickets", r.Tickets.GetTickets)
		api.POST("/tickets/verify", r.Tickets.VerifyTicket)
		api.GET("/tickets/:id/code", r.Tickets.GetEntryCode)
		api.GET("/tickets/:id/code.png", r.Tickets.GetEntryCodeImage)

		// Events
		api.GET("/events/:id", r.Events.GetEvent)
		api.GET("/events/:id/attendees", r.Events.GetAttendees)

		// Marketplace
		api.GET("/listings", r.Listings.GetListings)
		api.POST("/listings", r.Sessions.RequireSession(), r.Listings.CreateListing)
		api.DELETE("/listings/:id", r.Sessions.RequireSession(), r.Listings.DeleteListing)

		if r.Resale != nil {
			resale := api.Group("/resale", r.Sessions.RequireSession(), r.Resale.RequireSigner())
			resale.GET("/:id", r.Resale.Status)
			resale.POST("/:id/approve", r.Resale.Approve)
			resale.POST("/:id/confirm", r.Resale.Confirm)
			resale.POST("/:id/list", r.Resale.List)
			resale.POST("/:id/cancel", r.Resale.Cancel)
		}
	}

	return router
}
