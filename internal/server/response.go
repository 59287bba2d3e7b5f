package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/klaus-code/agentd/internal/errs"
)

// writeJSON writes a JSON success response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a taxonomy-mapped error response carrying the request's
// correlation id (spec §7 "HTTP errors include the requestId").
func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error":     message,
		"requestId": middleware.GetReqID(r.Context()),
	})
}

// writeRuntimeError maps err's errs.Kind to an HTTP status and writes it,
// sanitising the message per spec §7 propagation policy.
func writeRuntimeError(w http.ResponseWriter, r *http.Request, err error) {
	kind, ok := errs.KindOf(err)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, sanitize(err.Error()))
		return
	}
	writeError(w, r, errs.HTTPStatus(kind), sanitize(err.Error()))
}
