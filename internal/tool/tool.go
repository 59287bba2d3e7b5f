// Package tool implements the Tool Registry & Dispatcher (spec §4.3): a
// closed set of statically-registered tools exposed to the model, each
// declaring a JSON Schema input contract and a read-only/side-effecting
// classification that drives the Agent Loop's dispatch concurrency.
//
// Grounded on the teacher's internal/tool package (Tool interface, Context,
// Result, BaseTool) with the Eino-specific surface (EinoTool,
// einoToolWrapper, parseJSONSchemaToParams) removed — this module calls the
// Anthropic SDK directly (internal/provider) rather than through Eino, so
// tool definitions only need one schema representation, now validated with
// github.com/santhosh-tekuri/jsonschema/v6 rather than hand-rolled
// reflection.
package tool

import (
	"context"
	"encoding/json"
)

// Context carries per-invocation state into a tool's Execute.
type Context struct {
	SessionID  string
	WorkDir    string
	OnProgress func(title string, meta map[string]any)
	// RequestApproval, if set, gates a side-effecting tool call on operator
	// sign-off (spec §4.6): given the target path, rendered diff, and
	// operation kind, it returns whether the operator approved the change.
	// nil means no approval gate is configured (requirePatchApproval=false).
	RequestApproval func(filePath, diff, operation string) bool
}

// Progress reports an intermediate status update, if a progress sink was
// provided by the caller (spec §4.7's tool_progress event).
func (c *Context) Progress(title string, meta map[string]any) {
	if c != nil && c.OnProgress != nil {
		c.OnProgress(title, meta)
	}
}

// Result is a tool's outcome. IsError marks a "failed tool result" per
// spec §7 (e.g. PatchDenied, SecretScanBlocked) — the loop continues rather
// than treating it as a turn failure.
type Result struct {
	Title    string
	Output   string
	Metadata map[string]any
	IsError  bool
}

// Handler executes a tool with validated input.
type Handler func(ctx context.Context, toolCtx *Context, input json.RawMessage) (*Result, error)

// Definition is a statically-registered tool: its name, description,
// JSON-Schema input contract, read/write classification, and handler.
type Definition struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	// ReadOnly tools are dispatched concurrently with other read-only tool
	// calls in the same turn; side-effecting tools run sequentially
	// (spec §4.8 DispatchingTools).
	ReadOnly bool
	Handler  Handler
}
