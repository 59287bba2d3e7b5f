// Package provider defines the LLM provider abstraction the Agent Loop drives
// (spec §4.8 Turn step 2) and its Anthropic implementation.
//
// Grounded on the teacher's internal/provider package for the shape of the
// abstraction (an interface the loop calls, a streaming completion, a model
// catalogue) but built directly against github.com/anthropics/anthropic-sdk-go
// rather than through the teacher's cloudwego/eino ChatModel wrapper: Eino is
// a second vendor-abstraction layer on top of the SDK spec.md never asks for
// (see DESIGN.md), and this module already talks to exactly one vendor. The
// streaming-event handling, retry-around-stream-creation, and tool/message
// conversion are grounded instead on haasonsaas-nexus's direct
// anthropic-sdk-go provider, which exercises the SDK the way this module
// needs to.
package provider

import (
	"context"
	"encoding/json"

	"github.com/klaus-code/agentd/pkg/types"
)

// ToolCall is a model-requested tool invocation, streamed as it completes.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResult is the outcome of a previously requested tool call, fed back to
// the model as part of the next turn's messages.
type ToolResult struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// Message is one turn of conversation in provider-neutral form.
type Message struct {
	Role        types.Role
	Content     string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// ToolSpec is a tool's name/description/schema as presented to the model,
// derived from tool.Definition without this package depending on internal/tool.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// CompletionRequest is one Turn's call to the model (spec §4.8 Turn step 2).
type CompletionRequest struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolSpec
	MaxTokens int
}

// CompletionChunk is one streamed event from a completion. Exactly one of
// Text/ToolCall/Error is meaningful per chunk; Done marks the terminal chunk,
// which also carries the turn's token usage and stop reason.
type CompletionChunk struct {
	Text       string
	ToolCall   *ToolCall
	StopReason string
	Done       bool
	InputTokens  int64
	OutputTokens int64
	Error      error
}

// Provider is the model-vendor abstraction the Agent Loop calls.
type Provider interface {
	// Complete starts a streaming completion and returns a channel of chunks,
	// closed once the stream ends (successfully or in error). Complete itself
	// only returns an error for request-construction failures; stream-level
	// failures arrive as a chunk with Error set.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// DefaultModel is used when a caller (or the Context Builder's summary
	// step) does not pin a specific model.
	DefaultModel() string

	// Summarize generates the Context Builder's preservation summary (spec
	// §4.4 step 3) using a cheap model tier. Satisfies
	// contextbuilder.Summarizer without this package importing it.
	Summarize(ctx context.Context, prompt string) (string, error)

	// Models lists the allow-set the Agent Loop's Admission state validates a
	// caller-supplied model id against (spec §4.8 Admitting step 1).
	Models() []ModelInfo
}

// ModelInfo describes one selectable model.
type ModelInfo struct {
	ID   string
	Name string
}
