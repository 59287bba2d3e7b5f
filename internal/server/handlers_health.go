package server

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"time"
)

// handleHealth reports liveness plus the admission/budget figures spec §6
// names, unauthenticated so an external load balancer can poll it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]bool{
		"database": s.checkDatabase(r.Context()),
		"docker":   checkDocker(),
	}

	usage, err := s.store.GetTotalTokenUsage(r.Context())
	if err != nil {
		checks["database"] = false
	}

	status := "ok"
	code := http.StatusOK
	for _, ok := range checks {
		if !ok {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, code, map[string]any{
		"status":                status,
		"activeSessions":        s.activeSessionCount(),
		"maxConcurrentSessions": s.cfg.MaxConcurrentSessions,
		"tokenBudget":           s.cfg.TokenBudget,
		"totalTokensUsed":       usage.Total,
		"estimatedCostUsd":      usage.EstimatedCostUSD,
		"checks":                checks,
	})
}

func (s *Server) checkDatabase(ctx context.Context) bool {
	_, err := s.store.ListSessions(ctx)
	return err == nil
}

// checkDocker reports whether the docker CLI is reachable, matching the
// teacher's habit of surfacing optional-tool health alongside the database.
func checkDocker() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return exec.CommandContext(ctx, "docker", "info").Run() == nil
}

// activeSessionCount is a best-effort gauge; the admission counter itself
// lives in internal/counter and isn't directly queryable from here, so this
// reports the Loop's own cancel-handle bookkeeping size instead.
func (s *Server) activeSessionCount() int {
	return s.loop.ActiveCount()
}

// handleMetrics emits Prometheus text exposition format v0.0.4 (spec §6).
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	usage, _ := s.store.GetTotalTokenUsage(r.Context())
	var sb strings.Builder
	writeMetric(&sb, "agentd_active_sessions", "gauge", float64(s.activeSessionCount()))
	writeMetric(&sb, "agentd_max_concurrent_sessions", "gauge", float64(s.cfg.MaxConcurrentSessions))
	writeMetric(&sb, "agentd_tokens_used_total", "counter", float64(usage.Total))
	writeMetric(&sb, "agentd_estimated_cost_usd", "gauge", usage.EstimatedCostUSD)
	writeMetric(&sb, "agentd_uptime_seconds", "gauge", time.Since(s.startedAt).Seconds())

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(sb.String()))
}

func writeMetric(sb *strings.Builder, name, typ string, value float64) {
	fmt.Fprintf(sb, "# TYPE %s %s\n%s %v\n", name, typ, name, value)
}

// handleUsage reports the total token usage/cost across every session.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := s.store.GetTotalTokenUsage(r.Context())
	if err != nil {
		writeRuntimeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": usage})
}
