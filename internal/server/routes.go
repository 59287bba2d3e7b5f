package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes wires spec §6's endpoint table onto the router. /health and
// /metrics sit outside the auth and rate-limit chain; everything under
// /api/* requires both.
func (s *Server) setupRoutes() {
	r := s.router

	r.Get("/health", s.handleHealth)
	if s.cfg.MetricsEnabled {
		r.Get("/metrics", s.handleMetrics)
	}
	r.Get("/ws", s.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Use(s.rateLimit)

		r.Post("/prompt", s.handlePrompt)
		r.Get("/usage", s.handleUsage)

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.handleListSessions)
			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", s.handleGetSession)
				r.Delete("/", s.handleDeleteSession)
				r.Post("/cancel", s.handleCancelSession)
				r.Put("/rename", s.handleRenameSession)
				r.Post("/pin", s.handlePinSession)
				r.Put("/tags", s.handleSetTags)
				r.Get("/export", s.handleExportSession)
			})
		})

		r.Route("/workspace", func(r chi.Router) {
			r.Get("/tree", s.handleWorkspaceTree)
			r.Get("/file", s.handleWorkspaceFile)
			r.Post("/rollback", s.handleWorkspaceRollback)
		})
	})
}
