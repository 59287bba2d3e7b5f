// Package config loads the runtime's tunables from the environment, following
// the teacher's internal/config env-override idiom (internal/config/config.go)
// collapsed to env-only since spec §6 names no on-disk config file for this
// service.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable named in spec §6's CLI/env surface.
type Config struct {
	APIKey    string
	APISecret string

	WorkspaceDir string
	DBPath       string

	Model      string
	MaxTokens  int
	MaxRetries int

	MaxContextMessages    int
	MaxConcurrentSessions int64
	MaxPromptChars        int
	MaxToolCalls          int
	MaxToolOutputContext  int
	TokenBudget           int64

	CORSOrigin  string
	WSRateLimit int

	ShutdownTimeout        time.Duration
	SessionTTL             time.Duration
	SessionCleanupInterval time.Duration

	APIRetryCount    int
	APIRetryDelay    time.Duration
	APIRetryMaxDelay time.Duration

	RequirePatchApproval bool
	MetricsEnabled       bool
	TrustProxy           bool

	Port int

	// ApprovalTimeout is not named in spec §6's env surface but Design Note
	// open-question 3 recommends surfacing it; default matches §4.6.
	ApprovalTimeout time.Duration
}

// Load reads the .env file if present (development convenience, matching the
// teacher's joho/godotenv dependency) then builds Config from the process
// environment, applying the defaults named throughout spec.md.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		APIKey:    os.Getenv("apiKey"),
		APISecret: os.Getenv("apiSecret"),

		WorkspaceDir: envString("workspaceDir", "."),
		DBPath:       envString("dbPath", "./agent.db"),

		Model:      envString("model", "claude-sonnet-4-20250514"),
		MaxTokens:  envInt("maxTokens", 8192),
		MaxRetries: envInt("maxRetries", 3),

		MaxContextMessages:    envInt("maxContextMessages", 40),
		MaxConcurrentSessions: int64(envInt("maxConcurrentSessions", 10)),
		MaxPromptChars:        envInt("maxPromptChars", 50_000),
		MaxToolCalls:          envInt("maxToolCalls", 50),
		MaxToolOutputContext:  envInt("maxToolOutputContext", 4_000),
		TokenBudget:           int64(envInt("tokenBudget", 0)),

		CORSOrigin:  envString("corsOrigin", "*"),
		WSRateLimit: envInt("wsRateLimit", 30),

		ShutdownTimeout:        envDurationSeconds("shutdownTimeout", 30),
		SessionTTL:             envDurationSeconds("sessionTtl", 24*3600),
		SessionCleanupInterval: envDurationSeconds("sessionCleanupInterval", 300),

		APIRetryCount:    envInt("apiRetryCount", 5),
		APIRetryDelay:    envDurationSeconds("apiRetryDelay", 1),
		APIRetryMaxDelay: envDurationSeconds("apiRetryMaxDelay", 30),

		RequirePatchApproval: envBool("requirePatchApproval", false),
		MetricsEnabled:       envBool("metricsEnabled", true),
		TrustProxy:           envBool("trustProxy", false),

		Port: envInt("port", 4096),

		ApprovalTimeout: envDurationSeconds("approvalTimeout", 120),
	}
}

func envString(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envInt(name string, fallback int) int {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(name string, fallback bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envDurationSeconds(name string, fallbackSeconds int) time.Duration {
	return time.Duration(envInt(name, fallbackSeconds)) * time.Second
}
