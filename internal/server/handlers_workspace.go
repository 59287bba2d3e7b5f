package server

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"github.com/klaus-code/agentd/internal/workspace"
)

// maxWorkspaceFileBytes bounds GET /api/workspace/file per spec §6 (413 over
// 5 MB).
const maxWorkspaceFileBytes = 5 * 1024 * 1024

type treeNode struct {
	Name     string     `json:"name"`
	Path     string     `json:"path"`
	Dir      bool       `json:"dir"`
	Children []treeNode `json:"children,omitempty"`
}

// handleWorkspaceTree walks the workspace directory and ETags the result
// (spec §6 GET /api/workspace/tree).
func (s *Server) handleWorkspaceTree(w http.ResponseWriter, r *http.Request) {
	root := s.cfg.WorkspaceDir
	tree, err := buildTree(root, root)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, sanitize(err.Error()))
		return
	}

	body, _ := json.Marshal(map[string]any{"tree": tree, "workspace": root})
	sum := sha256.Sum256(body)
	etag := `"` + hex.EncodeToString(sum[:]) + `"`

	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "private, max-age=5")
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

func buildTree(dir, root string) ([]treeNode, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var out []treeNode
	for _, e := range entries {
		if e.Name() == ".git" {
			continue
		}
		full := filepath.Join(dir, e.Name())
		rel, _ := filepath.Rel(root, full)
		node := treeNode{Name: e.Name(), Path: filepath.ToSlash(rel), Dir: e.IsDir()}
		if e.IsDir() {
			children, err := buildTree(full, root)
			if err == nil {
				node.Children = children
			}
		}
		out = append(out, node)
	}
	return out, nil
}

// handleWorkspaceFile serves a single file's contents (spec §6 GET
// /api/workspace/file?path=…).
func (s *Server) handleWorkspaceFile(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, r, http.StatusBadRequest, "path is required")
		return
	}
	resolved, err := workspace.Resolve(path, s.cfg.WorkspaceDir)
	if err != nil {
		writeError(w, r, http.StatusForbidden, "path is outside the workspace")
		return
	}

	info, err := os.Stat(resolved)
	if err != nil {
		writeError(w, r, http.StatusNotFound, "file not found")
		return
	}
	if info.Size() > maxWorkspaceFileBytes {
		writeError(w, r, http.StatusRequestEntityTooLarge, "file exceeds 5 MB")
		return
	}

	content, err := os.ReadFile(resolved)
	if err != nil {
		writeError(w, r, http.StatusNotFound, "file not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"content": string(content),
		"size":    info.Size(),
		"path":    path,
	})
}

// handleWorkspaceRollback discards uncommitted working-tree changes (spec
// §6 POST /api/workspace/rollback), grounded on the same `git` subprocess
// idiom internal/tool's git tools use.
func (s *Server) handleWorkspaceRollback(w http.ResponseWriter, r *http.Request) {
	cmd := exec.Command("git", "-C", s.cfg.WorkspaceDir, "reset", "--hard", "HEAD")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		writeError(w, r, http.StatusInternalServerError, fmt.Sprintf("rollback failed: %s", sanitize(stderr.String())))
		return
	}
	clean := exec.Command("git", "-C", s.cfg.WorkspaceDir, "clean", "-fd")
	clean.Run()
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
