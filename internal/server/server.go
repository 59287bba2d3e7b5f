// Package server implements the Session Façade (spec §6): the HTTP and
// WebSocket adapter in front of the Agent Loop, Store, and Event Bus.
//
// Grounded on the teacher's internal/server package for its overall shape —
// a chi.Mux-based Server wrapping a dependency bundle, middleware chain, and
// a Start/Shutdown pair — but the route table and every handler are rebuilt
// against spec §6's concrete endpoint list instead of the teacher's
// OpenCode REST surface, and auth/rate-limiting/security headers are added
// fresh since spec.md scopes the façade as a secured, internet-facing
// adapter in a way the teacher's local-network dev server never needed to.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/klaus-code/agentd/internal/agentloop"
	"github.com/klaus-code/agentd/internal/approval"
	"github.com/klaus-code/agentd/internal/config"
	"github.com/klaus-code/agentd/internal/event"
	"github.com/klaus-code/agentd/internal/store"
)

// Config holds the façade's own tunables, sourced from internal/config.Config.
type Config struct {
	Port            int
	APISecret       string
	CORSOrigin      string
	RateLimitPerMin int
	WSRateLimit     int
	MetricsEnabled  bool
	TrustProxy      bool
	ShutdownTimeout time.Duration

	WorkspaceDir          string
	MaxConcurrentSessions int64
	TokenBudget           int64
}

// FromAppConfig derives the façade Config from the process-wide config.
func FromAppConfig(cfg config.Config) Config {
	return Config{
		Port:                  cfg.Port,
		APISecret:             cfg.APISecret,
		CORSOrigin:            cfg.CORSOrigin,
		RateLimitPerMin:       60,
		WSRateLimit:           cfg.WSRateLimit,
		MetricsEnabled:        cfg.MetricsEnabled,
		TrustProxy:            cfg.TrustProxy,
		ShutdownTimeout:       cfg.ShutdownTimeout,
		WorkspaceDir:          cfg.WorkspaceDir,
		MaxConcurrentSessions: cfg.MaxConcurrentSessions,
		TokenBudget:           cfg.TokenBudget,
	}
}

// Server is the HTTP/WebSocket façade in front of the Agent Loop.
type Server struct {
	cfg     Config
	router  *chi.Mux
	httpSrv *http.Server

	store     *store.Store
	loop      *agentloop.Loop
	bus       *event.Bus
	approvals *approval.Broker

	httpLimiter *ipRateLimiter
	wsOwners    *ownerRegistry
	startedAt   time.Time
}

// New builds a Server, wiring its middleware and route table.
func New(cfg Config, st *store.Store, loop *agentloop.Loop, bus *event.Bus, approvals *approval.Broker) *Server {
	s := &Server{
		cfg:         cfg,
		router:      chi.NewRouter(),
		store:       st,
		loop:        loop,
		bus:         bus,
		approvals:   approvals,
		httpLimiter: newIPRateLimiter(cfg.RateLimitPerMin, time.Minute),
		wsOwners:    newOwnerRegistry(),
		startedAt:   time.Now(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	go s.wsOwners.sweepLoop(time.Minute)
	return s
}

// requestIDHeader echoes chi's generated request id on the response (spec
// §6 "every request carries an X-Request-ID ... in request context and
// response header").
func requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-ID", middleware.GetReqID(r.Context()))
		next.ServeHTTP(w, r)
	})
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	if s.cfg.TrustProxy {
		s.router.Use(middleware.RealIP)
	}
	s.router.Use(securityHeaders)
	s.router.Use(requestIDHeader)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{s.cfg.CORSOrigin},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "x-api-key"},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))
}

// securityHeaders applies the hardening headers spec §6 requires on every
// response.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Content-Security-Policy", "default-src 'self'; frame-ancestors 'none'")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// Start begins serving on cfg.Port; blocks until the server stops.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: s.router,
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains connections, bounded by cfg.ShutdownTimeout, and notifies
// joined WebSocket clients before closing.
func (s *Server) Shutdown(ctx context.Context) error {
	s.wsOwners.broadcastShutdown("server shutting down")
	shutdownCtx := ctx
	if s.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
	}
	return s.httpSrv.Shutdown(shutdownCtx)
}

// Router exposes the chi router for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}
