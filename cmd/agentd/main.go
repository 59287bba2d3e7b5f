// Command agentd runs the agent orchestration runtime: the Session Façade
// (internal/server) in front of the Agent Loop (internal/agentloop), wired
// to the Store, Tool Registry & Dispatcher, Context Builder, Event Bus,
// Approval Broker, and the Anthropic Provider.
//
// Grounded on the teacher's cmd/opencode-server/main.go for the overall
// startup/shutdown shape (flag parsing, component construction in
// dependency order, signal-driven graceful shutdown) with every component
// swapped for this module's own.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/klaus-code/agentd/internal/agentloop"
	"github.com/klaus-code/agentd/internal/approval"
	"github.com/klaus-code/agentd/internal/config"
	"github.com/klaus-code/agentd/internal/contextbuilder"
	"github.com/klaus-code/agentd/internal/counter"
	"github.com/klaus-code/agentd/internal/event"
	"github.com/klaus-code/agentd/internal/logging"
	"github.com/klaus-code/agentd/internal/provider"
	"github.com/klaus-code/agentd/internal/retry"
	"github.com/klaus-code/agentd/internal/server"
	"github.com/klaus-code/agentd/internal/store"
	"github.com/klaus-code/agentd/internal/tool"
)

var version = flag.Bool("version", false, "Print version and exit")

const buildVersion = "0.1.0"

func main() {
	flag.Parse()
	if *version {
		fmt.Printf("agentd %s\n", buildVersion)
		os.Exit(0)
	}

	logging.Init(logging.DefaultConfig())

	cfg := config.Load()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		logging.Fatal().Err(err).Msg("open store")
	}
	defer st.Close()

	bus := event.New()
	approvals := approval.New(bus)
	admission := &counter.AtomicCounter{}

	anthropic, err := provider.NewAnthropicProvider(provider.AnthropicConfig{
		APIKey:       cfg.APIKey,
		DefaultModel: cfg.Model,
		MaxTokens:    cfg.MaxTokens,
		Retry:        retry.NewPolicy(cfg.APIRetryDelay, cfg.APIRetryMaxDelay, cfg.APIRetryCount),
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("initialize anthropic provider")
	}

	registry := tool.DefaultRegistry(st)
	dispatcher := tool.NewDispatcher(registry, st)
	builder := contextbuilder.New(st, anthropic, cfg.MaxContextMessages)

	loop := agentloop.New(st, admission, registry, dispatcher, builder, bus, approvals, anthropic, agentloop.Config{
		MaxConcurrentSessions: cfg.MaxConcurrentSessions,
		MaxPromptChars:        cfg.MaxPromptChars,
		MaxToolCalls:          cfg.MaxToolCalls,
		TokenBudget:           cfg.TokenBudget,
		RequirePatchApproval:  cfg.RequirePatchApproval,
		ApprovalTimeout:       cfg.ApprovalTimeout,
		DefaultModel:          cfg.Model,
		MaxTokens:             cfg.MaxTokens,
	})

	srv := server.New(server.FromAppConfig(cfg), st, loop, bus, approvals)

	go expireIdleSessions(st, cfg.SessionTTL, cfg.SessionCleanupInterval)

	go func() {
		logging.Info().Int("port", cfg.Port).Msg("agentd listening")
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logging.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("server shutdown")
	}
	logging.Info().Msg("stopped")
}

// expireIdleSessions periodically prunes unpinned sessions past the
// configured TTL (spec §6 sessionTtl/sessionCleanupInterval).
func expireIdleSessions(st *store.Store, ttl, interval time.Duration) {
	if ttl <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		n, err := st.ExpireIdleSessions(context.Background(), time.Now().Add(-ttl))
		if err != nil {
			logging.Warn().Err(err).Msg("expire idle sessions")
			continue
		}
		if n > 0 {
			logging.Info().Int64("count", n).Msg("expired idle sessions")
		}
	}
}
