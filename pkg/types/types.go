// Package types defines the shared data-model entities (spec §3).
package types

import "time"

// Session is a conversation session with the LLM.
type Session struct {
	ID          string    `json:"id"`
	WorkspaceDir string   `json:"workspaceDir"`
	Name        string    `json:"name"`
	Summary     string    `json:"summary"`
	InputTokens  int64    `json:"inputTokens"`
	OutputTokens int64    `json:"outputTokens"`
	Pinned      bool      `json:"pinned"`
	Tags        []string  `json:"tags"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Role enumerates message roles.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is an append-only conversation entry.
type Message struct {
	ID        string            `json:"id"`
	SessionID string            `json:"sessionId"`
	Role      Role              `json:"role"`
	Content   string            `json:"content"`
	ToolName  string            `json:"toolName,omitempty"`
	Metadata  map[string]any    `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// ToolCall is an append-only record of a tool invocation.
type ToolCall struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"sessionId"`
	ToolName   string    `json:"toolName"`
	Input      string    `json:"input"`
	Output     *string   `json:"output"`
	Success    bool      `json:"success"`
	DurationMs int64     `json:"durationMs"`
	CreatedAt  time.Time `json:"createdAt"`
}

// TokenUsageEntry is an append-only per-turn token accounting record.
type TokenUsageEntry struct {
	SessionID    string    `json:"sessionId"`
	InputTokens  int64     `json:"inputTokens"`
	OutputTokens int64     `json:"outputTokens"`
	Model        string    `json:"model"`
	CreatedAt    time.Time `json:"createdAt"`
}

// KnowledgeEntry is a process-scoped key-value fact with upsert semantics.
type KnowledgeEntry struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Category  string    `json:"category"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TokenUsage is a derived view over TokenUsageEntry rows.
type TokenUsage struct {
	Input            int64   `json:"input"`
	Output           int64   `json:"output"`
	Total            int64   `json:"total"`
	EstimatedCostUSD float64 `json:"estimatedCostUsd"`
}

// ToolCallStat is a per-tool-name aggregate.
type ToolCallStat struct {
	ToolName      string  `json:"toolName"`
	Calls         int64   `json:"calls"`
	Successes     int64   `json:"successes"`
	AvgDurationMs float64 `json:"avgDurationMs"`
}

// FileChange is a derived view of a tool-call record that mutated the workspace.
type FileChange struct {
	ToolCallID string    `json:"toolCallId"`
	SessionID  string    `json:"sessionId"`
	ToolName   string    `json:"toolName"`
	FilePath   string    `json:"filePath"`
	CreatedAt  time.Time `json:"createdAt"`
}

// FileMutatingTools is the set of tool names whose calls are surfaced by
// Store.GetFileChanges (spec §4.1).
var FileMutatingTools = map[string]bool{
	"write_file":     true,
	"apply_patch":    true,
	"delete_file":    true,
	"git_checkpoint": true,
}

// MaxTagCount and MaxTagLength bound the Session.Tags invariant (spec §3).
const (
	MaxTagCount  = 10
	MaxTagLength = 50
)
