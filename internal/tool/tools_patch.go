package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klaus-code/agentd/internal/errs"
	"github.com/klaus-code/agentd/internal/workspace"
)

// ApplyPatchDefinition replaces a workspace file's full contents, subject to
// operator sign-off through Context.RequestApproval when patch approval is
// required (spec §4.6, §7 PatchDenied). Grounded on the teacher's write.go
// for the write path and diff.go's buildDiffMetadata for the diff rendered
// into the approval request.
func ApplyPatchDefinition() Definition {
	return Definition{
		Name:        "apply_patch",
		Description: "Replaces a workspace file's full contents, subject to operator approval when patch approval is required.",
		ReadOnly:    false,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string"},
				"content": {"type": "string"}
			},
			"required": ["path", "content"]
		}`),
		Handler: func(ctx context.Context, toolCtx *Context, input json.RawMessage) (*Result, error) {
			var params struct {
				Path    string `json:"path"`
				Content string `json:"content"`
			}
			if err := json.Unmarshal(input, &params); err != nil {
				return nil, fmt.Errorf("invalid input: %w", err)
			}
			resolved, err := workspace.Resolve(params.Path, toolCtx.WorkDir)
			if err != nil {
				return nil, err
			}

			before := ""
			existed := false
			if data, readErr := os.ReadFile(resolved); readErr == nil {
				before = string(data)
				existed = true
			}
			diff, additions, deletions := buildDiffMetadata(resolved, before, params.Content, toolCtx.WorkDir)

			if toolCtx.RequestApproval != nil {
				op := "modify"
				if !existed {
					op = "create"
				}
				if !toolCtx.RequestApproval(params.Path, diff, op) {
					denied := errs.New(errs.PatchDenied, fmt.Sprintf("patch to %s denied by operator", params.Path))
					return &Result{Title: "patch denied", Output: denied.Error(), IsError: true}, nil
				}
			}

			if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
				return nil, fmt.Errorf("create parent directory: %w", err)
			}
			if err := os.WriteFile(resolved, []byte(params.Content), 0o644); err != nil {
				return nil, fmt.Errorf("write file: %w", err)
			}
			return &Result{
				Title:    fmt.Sprintf("patched %s", params.Path),
				Output:   fmt.Sprintf("applied patch to %s (+%d/-%d lines)", params.Path, additions, deletions),
				Metadata: map[string]any{"path": params.Path, "diff": diff, "additions": additions, "deletions": deletions},
			}, nil
		},
	}
}
