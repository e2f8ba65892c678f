// Package admin serves the diagnostics HTTP surface: registry status,
// log store positions, and Prometheus metrics.
package admin

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/stratumdb/stratum/db"
)

// Handlers exposes registry diagnostics over HTTP.
type Handlers struct {
	registry *db.Registry
}

// NewHandlers creates the handler set for a registry.
func NewHandlers(registry *db.Registry) *Handlers {
	return &Handlers{registry: registry}
}

func (h *Handlers) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, h.registry.Status())
}

func (h *Handlers) handleLogStores(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeErrorResponse(w, http.StatusBadRequest, "path query parameter is required")
		return
	}
	stores, err := h.registry.LogStores(path)
	if err != nil {
		writeErrorResponse(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSONResponse(w, stores)
}

func writeJSONResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]any{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}
