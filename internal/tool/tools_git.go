package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/klaus-code/agentd/internal/errs"
)

// GitDiffDefinition reports the working-tree diff against HEAD. Grounded on
// the teacher's vcs/watcher.go and session/system.go, both of which shell
// out to the `git` binary rather than a Go git implementation — no such
// library appears anywhere in the retrieval pack, so the git tools follow
// the same subprocess idiom.
func GitDiffDefinition() Definition {
	return Definition{
		Name:        "git_diff",
		Description: "Shows the working-tree diff against HEAD.",
		ReadOnly:    true,
		InputSchema: json.RawMessage(`{"type": "object", "properties": {}}`),
		Handler: func(ctx context.Context, toolCtx *Context, input json.RawMessage) (*Result, error) {
			diff, err := gitOutput(ctx, toolCtx.WorkDir, "diff", "HEAD")
			if err != nil {
				return nil, err
			}
			if diff == "" {
				return &Result{Title: "no changes", Output: "No uncommitted changes."}, nil
			}
			return &Result{Title: "working tree diff", Output: diff, Metadata: map[string]any{"diff": diff}}, nil
		},
	}
}

// GitStatusDefinition reports porcelain git status.
func GitStatusDefinition() Definition {
	return Definition{
		Name:        "git_status",
		Description: "Shows the working-tree status (modified, staged, untracked files).",
		ReadOnly:    true,
		InputSchema: json.RawMessage(`{"type": "object", "properties": {}}`),
		Handler: func(ctx context.Context, toolCtx *Context, input json.RawMessage) (*Result, error) {
			status, err := gitOutput(ctx, toolCtx.WorkDir, "status", "--porcelain=v1")
			if err != nil {
				return nil, err
			}
			if status == "" {
				return &Result{Title: "clean", Output: "Working tree clean."}, nil
			}
			return &Result{Title: "working tree status", Output: status}, nil
		},
	}
}

// GitCheckpointDefinition stages and commits the current working tree as a
// named checkpoint. Per spec §4.8 step 3 / §8 scenario 4, the dispatcher
// runs a secret scan against this call's rendered diff before invoking this
// handler at all (see dispatcher.go's execute) — by the time this handler
// runs, the commit has already cleared that gate. Commits are attributed to
// a fixed agent identity rather than the operator's own git identity, so a
// checkpoint history is distinguishable from human commits.
func GitCheckpointDefinition() Definition {
	return Definition{
		Name:        "git_checkpoint",
		Description: "Stages all changes and commits them as a checkpoint.",
		ReadOnly:    false,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"message": {"type": "string"},
				"diff": {"type": "string", "description": "Rendered diff of the change being committed, scanned for secrets before this tool runs"}
			},
			"required": ["message"]
		}`),
		Handler: func(ctx context.Context, toolCtx *Context, input json.RawMessage) (*Result, error) {
			var params struct {
				Message string `json:"message"`
			}
			if err := json.Unmarshal(input, &params); err != nil {
				return nil, fmt.Errorf("invalid input: %w", err)
			}
			if strings.TrimSpace(params.Message) == "" {
				return nil, errs.New(errs.Validation, "message is required")
			}

			if _, err := gitOutput(ctx, toolCtx.WorkDir, "add", "-A"); err != nil {
				return nil, err
			}

			cmd := exec.CommandContext(ctx, "git", "commit",
				"--author", "AI Agent <agent@localhost>",
				"-m", params.Message)
			cmd.Dir = toolCtx.WorkDir
			var stdout, stderr bytes.Buffer
			cmd.Stdout, cmd.Stderr = &stdout, &stderr
			if err := cmd.Run(); err != nil {
				if strings.Contains(stderr.String(), "nothing to commit") || strings.Contains(stdout.String(), "nothing to commit") {
					return &Result{Title: "nothing to commit", Output: "Working tree has no changes to checkpoint."}, nil
				}
				return nil, fmt.Errorf("git commit: %w: %s", err, stderr.String())
			}

			sha, err := gitOutput(ctx, toolCtx.WorkDir, "rev-parse", "--short", "HEAD")
			if err != nil {
				return nil, err
			}
			sha = strings.TrimSpace(sha)

			return &Result{
				Title:    fmt.Sprintf("checkpoint %s", sha),
				Output:   fmt.Sprintf("Committed checkpoint %s: %s", sha, params.Message),
				Metadata: map[string]any{"sha": sha, "message": params.Message},
			}, nil
		},
	}
}

func gitOutput(ctx context.Context, workDir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = workDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, stderr.String())
	}
	return stdout.String(), nil
}
