package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.listSessions)
			r.Post("/", s.createSession)

			r.Route("/{sessionID}", func(r chi.Router) {
				r.Delete("/", s.deleteSession)
				r.Get("/history", s.getHistory)
				r.Get("/ws", s.handleWS)
			})
		})
	})

	s.router.Get("/healthz", s.health)
}
