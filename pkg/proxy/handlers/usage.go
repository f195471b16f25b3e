package handlers

import (
	"net/http"

	"flowgate-hq/flowgate/pkg/usage"
)

// Usage serves the token accounting endpoints: GET /usage returns the
// snapshot, DELETE /usage resets it.
type Usage struct {
	tracker *usage.Tracker
}

// NewUsage builds the usage handler. A nil tracker serves 404s, so the
// route can be mounted unconditionally.
func NewUsage(tracker *usage.Tracker) *Usage {
	return &Usage{tracker: tracker}
}

func (h *Usage) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.tracker == nil {
		writeErrorDoc(w, http.StatusNotFound, "usage tracking is disabled", "invalid_request_error")
		return
	}

	switch r.Method {
	case http.MethodGet:
		stats, err := h.tracker.Snapshot(r.Context())
		if err != nil {
			writeErrorDoc(w, http.StatusInternalServerError, "failed to read usage stats", "server_error")
			return
		}
		writeJSON(w, http.StatusOK, stats)
	case http.MethodDelete:
		if err := h.tracker.Reset(r.Context()); err != nil {
			writeErrorDoc(w, http.StatusInternalServerError, "failed to reset usage stats", "server_error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"reset": true})
	default:
		writeErrorDoc(w, http.StatusMethodNotAllowed, "method not allowed", "invalid_request_error")
	}
}
