package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/klaus-code/agentd/internal/store"
)

type promptRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
	Model     string `json:"model"`
}

// handlePrompt drives one full Agent Loop run (spec §6 POST /api/prompt).
func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var req promptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Message == "" {
		writeError(w, r, http.StatusBadRequest, "message is required")
		return
	}

	workspaceDir := s.cfg.WorkspaceDir
	if req.SessionID != "" {
		if sess, err := s.store.GetSession(r.Context(), req.SessionID); err == nil {
			workspaceDir = sess.WorkspaceDir
		}
	}

	result, err := s.loop.Run(r.Context(), req.SessionID, workspaceDir, req.Model, req.Message)
	if err != nil {
		writeRuntimeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleCancelSession aborts an in-flight run (spec §6 POST
// /api/sessions/:id/cancel).
func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	cancelled := s.loop.Cancel(sessionID)
	writeJSON(w, http.StatusOK, map[string]any{"success": cancelled, "sessionId": sessionID})
}

// sessionOr404 fetches a session or writes the shared 404 shape.
func sessionOr404(w http.ResponseWriter, r *http.Request, s *Server, id string) (ok bool) {
	_, err := s.store.GetSession(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "session not found")
		return false
	}
	if err != nil {
		writeRuntimeError(w, r, err)
		return false
	}
	return true
}
