package tool

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/klaus-code/agentd/internal/workspace"
)

// GlobDefinition matches files by glob pattern, grounded on the pack's
// doublestar-based glob.go (github.com/bmatcuk/doublestar/v4.FilepathGlob)
// rather than the teacher's `rg --files --glob` subprocess: doublestar gives
// the same ** semantics in pure Go with no external binary dependency.
func GlobDefinition() Definition {
	return Definition{
		Name:        "glob",
		Description: "Finds files by glob pattern (supports ** for recursive matching).",
		ReadOnly:    true,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"pattern": {"type": "string"},
				"path": {"type": "string", "description": "Workspace-relative directory to search, default: workspace root"}
			},
			"required": ["pattern"]
		}`),
		Handler: func(ctx context.Context, toolCtx *Context, input json.RawMessage) (*Result, error) {
			var params struct {
				Pattern string `json:"pattern"`
				Path    string `json:"path"`
			}
			if err := json.Unmarshal(input, &params); err != nil {
				return nil, fmt.Errorf("invalid input: %w", err)
			}
			searchDir, err := workspace.Resolve(params.Path, toolCtx.WorkDir)
			if err != nil {
				return nil, err
			}

			fullPattern := filepath.ToSlash(filepath.Join(searchDir, params.Pattern))
			matches, err := doublestar.FilepathGlob(fullPattern)
			if err != nil {
				return nil, fmt.Errorf("invalid pattern: %w", err)
			}
			sort.Strings(matches)

			var rel []string
			for _, m := range matches {
				r, err := filepath.Rel(toolCtx.WorkDir, m)
				if err != nil {
					r = m
				}
				rel = append(rel, r)
			}

			return &Result{
				Title:    fmt.Sprintf("%d matches", len(rel)),
				Output:   strings.Join(rel, "\n"),
				Metadata: map[string]any{"count": len(rel)},
			}, nil
		},
	}
}

// GrepDefinition searches file contents for a pattern. Grounded on the
// teacher's grep.go; kept as an `rg` subprocess shell-out since no pure-Go
// full-text-search library appears anywhere in the retrieval pack (unlike
// glob matching, which doublestar covers natively) — this is the package's
// one deliberate stdlib/external-binary exception, recorded in DESIGN.md.
func GrepDefinition() Definition {
	return Definition{
		Name:        "grep",
		Description: "Searches file contents for a regular expression pattern.",
		ReadOnly:    true,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"pattern": {"type": "string"},
				"path": {"type": "string", "description": "Workspace-relative directory to search, default: workspace root"},
				"include": {"type": "string", "description": "Glob filter for files to search, e.g. *.go"}
			},
			"required": ["pattern"]
		}`),
		Handler: func(ctx context.Context, toolCtx *Context, input json.RawMessage) (*Result, error) {
			var params struct {
				Pattern string `json:"pattern"`
				Path    string `json:"path"`
				Include string `json:"include"`
			}
			if err := json.Unmarshal(input, &params); err != nil {
				return nil, fmt.Errorf("invalid input: %w", err)
			}
			searchDir, err := workspace.Resolve(params.Path, toolCtx.WorkDir)
			if err != nil {
				return nil, err
			}

			args := []string{"--line-number", "--with-filename", "--color=never"}
			if params.Include != "" {
				args = append(args, "--glob", params.Include)
			}
			args = append(args, params.Pattern, searchDir)

			cmd := exec.CommandContext(ctx, "rg", args...)
			out, err := cmd.Output()
			if err != nil {
				if exitErr, ok := err.(*exec.ExitError); ok && len(exitErr.Stderr) == 0 && cmd.ProcessState.ExitCode() == 1 {
					return &Result{Title: "0 matches", Output: "No matches found.", Metadata: map[string]any{"count": 0}}, nil
				}
				return nil, fmt.Errorf("grep failed: %w", err)
			}

			lines := splitLinesTrim(string(out))
			if len(lines) > 100 {
				lines = lines[:100]
			}
			return &Result{
				Title:    fmt.Sprintf("%d matches", len(lines)),
				Output:   strings.Join(lines, "\n"),
				Metadata: map[string]any{"count": len(lines)},
			}, nil
		},
	}
}

func splitLinesTrim(s string) []string {
	var lines []string
	scanner := bufio.NewScanner(strings.NewReader(s))
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
