package tool

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/klaus-code/agentd/internal/workspace"
)

// defaultIgnoreDirs mirrors the teacher's list.go defaultIgnorePatterns —
// directories that are almost never useful to enumerate for an agent.
var defaultIgnoreDirs = map[string]bool{
	"node_modules": true, "__pycache__": true, ".git": true, "dist": true,
	"build": true, "target": true, "vendor": true, "bin": true, "obj": true,
	".idea": true, ".vscode": true, ".cache": true, "tmp": true, "temp": true,
	".venv": true, "venv": true,
}

// ReadFileDefinition reads a workspace-relative file's contents with
// optional offset/limit pagination (teacher's read.go), returning each line
// numbered and a more-lines marker when truncated.
func ReadFileDefinition() Definition {
	return Definition{
		Name:        "read_file",
		Description: "Reads a text file from the workspace, optionally paginated by line.",
		ReadOnly:    true,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "Workspace-relative file path"},
				"offset": {"type": "integer", "minimum": 0},
				"limit": {"type": "integer", "minimum": 1}
			},
			"required": ["path"]
		}`),
		Handler: func(ctx context.Context, toolCtx *Context, input json.RawMessage) (*Result, error) {
			var params struct {
				Path   string `json:"path"`
				Offset int    `json:"offset"`
				Limit  int    `json:"limit"`
			}
			if err := json.Unmarshal(input, &params); err != nil {
				return nil, fmt.Errorf("invalid input: %w", err)
			}
			if params.Limit <= 0 {
				params.Limit = 2000
			}

			resolved, err := workspace.Resolve(params.Path, toolCtx.WorkDir)
			if err != nil {
				return nil, err
			}
			info, err := os.Stat(resolved)
			if err != nil {
				return nil, fmt.Errorf("file not found: %s", params.Path)
			}
			if info.IsDir() {
				return nil, fmt.Errorf("path is a directory, not a file: %s", params.Path)
			}

			file, err := os.Open(resolved)
			if err != nil {
				return nil, err
			}
			defer file.Close()

			scanner := bufio.NewScanner(file)
			scanner.Buffer(make([]byte, 1<<20), 1<<20)
			var lines []string
			lineNum := 0
			for scanner.Scan() {
				lineNum++
				if params.Offset > 0 && lineNum <= params.Offset {
					continue
				}
				if len(lines) >= params.Limit {
					break
				}
				line := scanner.Text()
				if len(line) > 2000 {
					line = line[:2000] + "..."
				}
				lines = append(lines, fmt.Sprintf("%05d| %s", lineNum, line))
			}

			var sb strings.Builder
			sb.WriteString(strings.Join(lines, "\n"))
			lastRead := params.Offset + len(lines)
			if lineNum > lastRead {
				fmt.Fprintf(&sb, "\n\n(File has more lines. Use offset=%d to continue)", lastRead)
			} else {
				fmt.Fprintf(&sb, "\n\n(End of file - %d lines total)", lineNum)
			}

			return &Result{
				Title:    fmt.Sprintf("read %s", params.Path),
				Output:   sb.String(),
				Metadata: map[string]any{"path": params.Path, "lines": len(lines), "totalLines": lineNum},
			}, nil
		},
	}
}

// WriteFileDefinition writes (creating or overwriting) a workspace file,
// creating parent directories as needed (teacher's write.go).
func WriteFileDefinition() Definition {
	return Definition{
		Name:        "write_file",
		Description: "Writes content to a workspace file, overwriting it if it exists.",
		ReadOnly:    false,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "Workspace-relative file path"},
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
			if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
				return nil, fmt.Errorf("create parent directory: %w", err)
			}
			if err := os.WriteFile(resolved, []byte(params.Content), 0o644); err != nil {
				return nil, fmt.Errorf("write file: %w", err)
			}
			return &Result{
				Title:    fmt.Sprintf("wrote %s", params.Path),
				Output:   fmt.Sprintf("wrote %d bytes to %s", len(params.Content), params.Path),
				Metadata: map[string]any{"path": params.Path, "bytes": len(params.Content)},
			}, nil
		},
	}
}

// ListDirDefinition lists a workspace directory's entries, skipping the
// common build/VCS/dependency directories the teacher's list.go ignores by
// default.
func ListDirDefinition() Definition {
	return Definition{
		Name:        "list_dir",
		Description: "Lists files and directories at a workspace path.",
		ReadOnly:    true,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "Workspace-relative directory path, default: workspace root"}
			}
		}`),
		Handler: func(ctx context.Context, toolCtx *Context, input json.RawMessage) (*Result, error) {
			var params struct {
				Path string `json:"path"`
			}
			if err := json.Unmarshal(input, &params); err != nil {
				return nil, fmt.Errorf("invalid input: %w", err)
			}
			resolved, err := workspace.Resolve(params.Path, toolCtx.WorkDir)
			if err != nil {
				return nil, err
			}
			entries, err := os.ReadDir(resolved)
			if err != nil {
				return nil, fmt.Errorf("read directory: %w", err)
			}

			var lines []string
			for _, e := range entries {
				if e.IsDir() && defaultIgnoreDirs[e.Name()] {
					continue
				}
				if e.IsDir() {
					lines = append(lines, e.Name()+"/")
					continue
				}
				info, _ := e.Info()
				size := int64(0)
				if info != nil {
					size = info.Size()
				}
				lines = append(lines, fmt.Sprintf("%s (%d bytes)", e.Name(), size))
			}

			return &Result{
				Title:    fmt.Sprintf("listed %d entries", len(lines)),
				Output:   strings.Join(lines, "\n"),
				Metadata: map[string]any{"path": params.Path, "count": len(lines)},
			}, nil
		},
	}
}
