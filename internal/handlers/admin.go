package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"lumen/internal/exporter"
	"lumen/internal/logger"
)

// StatsSource is the part of the exporter the admin endpoints read
type StatsSource interface {
	Stats() exporter.Stats
	Closed() bool
}

// AdminHandler serves the /health and /stats endpoints
type AdminHandler struct {
	source StatsSource
	now    func() time.Time
}

// NewAdminHandler creates admin handlers reading from source
func NewAdminHandler(source StatsSource) *AdminHandler {
	return &AdminHandler{source: source, now: time.Now}
}

// Register mounts the admin endpoints on mux
func (h *AdminHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.Health)
	mux.HandleFunc("/stats", h.Stats)
}

// HealthResponse is the /health body
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Buffered  int    `json:"buffered"`
	Stored    int    `json:"stored_batches"`
}

// Health reports 200 while the exporter accepts telemetry, 503 after shutdown
func (h *AdminHandler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	st := h.source.Stats()
	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: h.now().UTC().Format(time.RFC3339),
		Buffered:  st.Buffered,
	}
	if st.Storage != nil {
		resp.Stored = st.Storage.Batches
	}

	status := http.StatusOK
	if h.source.Closed() {
		resp.Status = "stopped"
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, resp)
}

// Stats returns the exporter counters as JSON
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	h.writeJSON(w, http.StatusOK, h.source.Stats())
}

func (h *AdminHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log := logger.WithComponent("admin")
		log.Warn().Err(err).Msg("failed to write response")
	}
}

// writeError writes an error response
func (h *AdminHandler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]any{
		"success": false,
		"error":   message,
	})
}
