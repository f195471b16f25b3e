package handlers

import (
	"net/http"

	"flowgate-hq/flowgate/pkg/gateway"
)

// Health serves GET /healthz: liveness plus a summary of how many
// accounts the routing store holds and how many are enabled.
type Health struct {
	manager *gateway.Manager
}

// NewHealth builds the health handler.
func NewHealth(manager *gateway.Manager) *Health {
	return &Health{manager: manager}
}

func (h *Health) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc := h.manager.Routing()
	enabled := 0
	for _, acc := range rc.Accounts {
		if acc.Enabled {
			enabled++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"accounts":         len(rc.Accounts),
		"accounts_enabled": enabled,
	})
}
