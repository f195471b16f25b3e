package handlers

import (
	"net/http"

	"flowgate-hq/flowgate/pkg/gateway"
)

// Accounts serves GET /accounts: per-account health diagnostics with
// secrets masked.
type Accounts struct {
	manager *gateway.Manager
}

// NewAccounts builds the account diagnostics handler.
func NewAccounts(manager *gateway.Manager) *Accounts {
	return &Accounts{manager: manager}
}

func (h *Accounts) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorDoc(w, http.StatusMethodNotAllowed, "method not allowed", "invalid_request_error")
		return
	}

	// When client auth is required, diagnostics require a known key too.
	rc := h.manager.Routing()
	if rc.Auth.Enabled && rc.Auth.Required {
		token := bearerToken(r)
		if _, ok := rc.Keys[token]; !ok {
			writeErrorDoc(w, http.StatusUnauthorized, "valid client API key required", "invalid_request_error")
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"accounts": h.manager.AccountsSnapshot(),
	})
}
