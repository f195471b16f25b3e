package handlers

import (
	"net/http"

	"flowgate-hq/flowgate/pkg/gateway"
)

// Models serves GET /v1/models in the OpenAI list format.
type Models struct {
	manager *gateway.Manager
}

// NewModels builds the model listing handler.
func NewModels(manager *gateway.Manager) *Models {
	return &Models{manager: manager}
}

func (h *Models) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorDoc(w, http.StatusMethodNotAllowed, "method not allowed", "invalid_request_error")
		return
	}
	writeJSON(w, http.StatusOK, h.manager.ListModels(r.Context()))
}
