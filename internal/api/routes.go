package api

import (
	"github.com/go-chi/chi/v5"
)

// setupAPIRoutes sets up API v1 routes
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	// Health check
	r.Get("/health", s.HandleHealth)
	r.Get("/", s.HandleRoot)

	// Auth routes (public)
	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.HandleLogin)
		r.Post("/refresh", s.HandleRefresh)
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		// Devices
		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.HandleListDevices)
			r.Get("/{serial}/sync-state", s.HandleGetSyncState)
		})

		// Upload tickets
		r.Route("/tickets", func(r chi.Router) {
			r.Get("/", s.HandleListTickets)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.HandleGetTicket)
				r.Post("/retry", s.HandleRetryTicket)
			})
		})

		// Events
		r.Get("/events", s.HandleListEvents)

		// Live stream
		r.Get("/ws", s.HandleWebSocket)
	})
}
