package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/klaus-code/agentd/internal/store"
	"github.com/klaus-code/agentd/pkg/types"
)

type sessionView struct {
	*types.Session
	TokenUsage types.TokenUsage `json:"tokenUsage"`
}

// handleListSessions lists or searches sessions (spec §6 GET /api/sessions?q=…).
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	var (
		sessions []*types.Session
		err      error
	)
	if q := r.URL.Query().Get("q"); q != "" {
		sessions, err = s.store.SearchSessions(r.Context(), q)
	} else {
		sessions, err = s.store.ListSessions(r.Context())
	}
	if err != nil {
		writeRuntimeError(w, r, err)
		return
	}

	views := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		usage, err := s.store.GetSessionTokenUsage(r.Context(), sess.ID)
		if err != nil {
			writeRuntimeError(w, r, err)
			return
		}
		views = append(views, sessionView{Session: sess, TokenUsage: usage})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

// handleGetSession returns a session with its messages, usage, and tool
// stats (spec §6 GET /api/sessions/:id).
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	sess, err := s.store.GetSession(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		writeRuntimeError(w, r, err)
		return
	}
	messages, err := s.store.GetMessages(r.Context(), id)
	if err != nil {
		writeRuntimeError(w, r, err)
		return
	}
	usage, err := s.store.GetSessionTokenUsage(r.Context(), id)
	if err != nil {
		writeRuntimeError(w, r, err)
		return
	}
	toolStats, err := s.store.GetToolCallStats(r.Context(), id)
	if err != nil {
		writeRuntimeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session":    sess,
		"messages":   messages,
		"tokenUsage": usage,
		"toolStats":  toolStats,
	})
}

// handleDeleteSession deletes a session (spec §6 DELETE /api/sessions/:id).
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if !sessionOr404(w, r, s, id) {
		return
	}
	if err := s.store.DeleteSession(r.Context(), id); err != nil {
		writeRuntimeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleRenameSession sets a session's display name (spec §6 PUT
// /api/sessions/:id/rename).
func (s *Server) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Name) == "" {
		writeError(w, r, http.StatusBadRequest, "name is required")
		return
	}
	if err := s.store.RenameSession(r.Context(), id, body.Name); errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "session not found")
		return
	} else if err != nil {
		writeRuntimeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handlePinSession toggles a session's pinned flag (spec §6 POST
// /api/sessions/:id/pin).
func (s *Server) handlePinSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	pinned, err := s.store.TogglePin(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		writeRuntimeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"pinned": pinned})
}

// handleSetTags replaces a session's tag set (spec §6 PUT
// /api/sessions/:id/tags).
func (s *Server) handleSetTags(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	var body struct {
		Tags []string `json:"tags"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.store.SetTags(r.Context(), id, body.Tags); errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "session not found")
		return
	} else if err != nil {
		writeRuntimeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tags": body.Tags})
}

// handleExportSession exports a session as JSON or Markdown (spec §6 GET
// /api/sessions/:id/export?format=json|markdown).
func (s *Server) handleExportSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	sess, err := s.store.GetSession(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		writeRuntimeError(w, r, err)
		return
	}
	messages, err := s.store.GetMessages(r.Context(), id)
	if err != nil {
		writeRuntimeError(w, r, err)
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}

	switch format {
	case "markdown":
		w.Header().Set("Content-Type", "text/markdown")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".md"))
		w.Write([]byte(exportMarkdown(sess, messages)))
	default:
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".json"))
		json.NewEncoder(w).Encode(map[string]any{"session": sess, "messages": messages})
	}
}

func exportMarkdown(sess *types.Session, messages []types.Message) string {
	var sb strings.Builder
	title := sess.Name
	if title == "" {
		title = sess.Summary
	}
	if title == "" {
		title = sess.ID
	}
	fmt.Fprintf(&sb, "# %s\n\n_%s_\n\n", title, sess.CreatedAt.Format(time.RFC3339))
	for _, m := range messages {
		fmt.Fprintf(&sb, "## %s\n\n%s\n\n", m.Role, m.Content)
	}
	return sb.String()
}
