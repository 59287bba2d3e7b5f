package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/klaus-code/agentd/internal/store"
)

// KnowledgeSetDefinition persists a process-scoped key/value fact (spec
// §6's knowledge table), grounded on the Context Builder's reliance on the
// same table for its `ctx_summary_<sessionId>` entries — this tool is how
// the model itself writes durable facts (e.g. "the build command is `make
// test`") that should survive context compaction and session restarts.
func KnowledgeSetDefinition(st *store.Store) Definition {
	return Definition{
		Name:        "knowledge_set",
		Description: "Stores a durable key/value fact that survives context compaction.",
		ReadOnly:    false,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"key": {"type": "string"},
				"value": {"type": "string"},
				"category": {"type": "string"}
			},
			"required": ["key", "value"]
		}`),
		Handler: func(ctx context.Context, toolCtx *Context, input json.RawMessage) (*Result, error) {
			var params struct {
				Key      string `json:"key"`
				Value    string `json:"value"`
				Category string `json:"category"`
			}
			if err := json.Unmarshal(input, &params); err != nil {
				return nil, fmt.Errorf("invalid input: %w", err)
			}
			if strings.TrimSpace(params.Key) == "" {
				return nil, fmt.Errorf("key is required")
			}
			if params.Category == "" {
				params.Category = "general"
			}
			if err := st.SetKnowledge(ctx, params.Key, params.Value, params.Category); err != nil {
				return nil, err
			}
			return &Result{
				Title:    fmt.Sprintf("remembered %s", params.Key),
				Output:   fmt.Sprintf("Stored %q under category %q.", params.Key, params.Category),
				Metadata: map[string]any{"key": params.Key, "category": params.Category},
			}, nil
		},
	}
}

// KnowledgeGetDefinition retrieves a previously stored fact, or lists every
// fact in a category when key is omitted.
func KnowledgeGetDefinition(st *store.Store) Definition {
	return Definition{
		Name:        "knowledge_get",
		Description: "Retrieves a stored fact by key, or lists facts in a category.",
		ReadOnly:    true,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"key": {"type": "string"},
				"category": {"type": "string"}
			}
		}`),
		Handler: func(ctx context.Context, toolCtx *Context, input json.RawMessage) (*Result, error) {
			var params struct {
				Key      string `json:"key"`
				Category string `json:"category"`
			}
			if err := json.Unmarshal(input, &params); err != nil {
				return nil, fmt.Errorf("invalid input: %w", err)
			}

			if params.Key != "" {
				value, err := st.GetKnowledge(ctx, params.Key)
				if err != nil {
					return nil, err
				}
				return &Result{Title: params.Key, Output: value, Metadata: map[string]any{"key": params.Key}}, nil
			}

			entries, err := st.ListKnowledge(ctx, params.Category)
			if err != nil {
				return nil, err
			}
			var sb strings.Builder
			for _, e := range entries {
				fmt.Fprintf(&sb, "%s [%s] = %s\n", e.Key, e.Category, e.Value)
			}
			return &Result{
				Title:    fmt.Sprintf("%d facts", len(entries)),
				Output:   sb.String(),
				Metadata: map[string]any{"count": len(entries)},
			}, nil
		},
	}
}
