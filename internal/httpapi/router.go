package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(observeMiddleware(d.Logger))
	r.Use(chimw.Recoverer)

	limit := d.RateLimitPerMinute
	if limit < 1 {
		limit = 120
	}
	r.Use(newIPRateLimiter(limit, time.Minute).middleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Use(chimw.Heartbeat("/healthz"))
	r.Handle("/metrics", promhttp.Handler())

	s := server{
		db:         d.DB,
		svc:        d.Service,
		log:        d.Logger,
		pepper:     d.Pepper,
		adminToken: d.AdminToken,
	}

	r.Route("/v1", func(r chi.Router) {
		// Catalog browsing needs no account.
		r.Get("/agents", s.handleListAgents)

		r.Group(func(r chi.Router) {
			r.Use(s.userAuthMiddleware)

			r.Post("/activation/redeem", s.handleRedeemCode)
			r.Post("/activation/verify", s.handleVerifyCode)

			r.Get("/market", s.handleMarket)
			r.Post("/market/listings", s.handlePublishListing)
			r.Post("/market/listings/{listingID}/cancel", s.handleCancelListing)
			r.Post("/market/listings/{listingID}/proposals", s.handleCreateProposal)
			r.Post("/market/listings/{listingID}/direct-trade", s.handleDirectTrade)
			r.Post("/market/proposals/{proposalID}/accept", s.handleAcceptProposal)
			r.Post("/market/proposals/{proposalID}/reject", s.handleRejectProposal)
			r.Get("/market/my/listings", s.handleMyListings)
			r.Get("/market/my/proposals", s.handleMyProposals)

			r.Get("/me", s.handleGetMe)
			r.Get("/me/agents", s.handleMyUnlocks)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.adminAuthMiddleware)
			r.Post("/users/issue-key", s.handleAdminIssueUserKey)
		})
	})

	return r
}
