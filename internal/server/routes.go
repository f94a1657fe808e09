package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	r := s.router

	r.Get("/health", s.health)

	r.Route("/sessions/{sessionID}", func(r chi.Router) {
		r.Get("/", s.getSession)
		r.Put("/flows", s.putFlow) // NDJSON stream unless streaming=false
		r.Get("/flows", s.listFlows)
	})

	// Turn lifecycle events (SSE)
	r.Get("/events", s.turnEvents)

	r.Get("/config", s.getConfig)
}
