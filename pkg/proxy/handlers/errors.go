package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"flowgate-hq/flowgate/pkg/gateway"
	"flowgate-hq/flowgate/pkg/upstream"
)

// writeError renders a gateway or upstream error in the OpenAI error
// format. Upstream failures that carried a JSON payload are passed
// through verbatim with their original status, so clients see what the
// provider actually said.
func writeError(w http.ResponseWriter, err error) {
	var authErr *gateway.AuthError
	if errors.As(err, &authErr) {
		writeErrorDoc(w, http.StatusUnauthorized, authErr.Reason, "invalid_request_error")
		return
	}

	var cfgErr *gateway.ConfigError
	if errors.As(err, &cfgErr) {
		writeErrorDoc(w, http.StatusInternalServerError, cfgErr.Reason, "server_error")
		return
	}

	var mismatch *gateway.ModelMismatchError
	if errors.As(err, &mismatch) {
		writeErrorDoc(w, http.StatusBadGateway, mismatch.Error(), "upstream_error")
		return
	}

	var ue *upstream.Error
	if errors.As(err, &ue) {
		status := ue.StatusCode
		if status < 400 || status > 599 {
			status = http.StatusBadGateway
		}
		if len(ue.Payload) > 0 && json.Valid(ue.Payload) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			w.Write(ue.Payload)
			return
		}
		msg := ue.Message
		if msg == "" {
			msg = "upstream request failed"
		}
		writeErrorDoc(w, status, msg, "upstream_error")
		return
	}

	if errors.Is(err, context.Canceled) {
		// The client went away; nothing useful to write.
		return
	}

	writeErrorDoc(w, http.StatusBadGateway, err.Error(), "upstream_error")
}

func writeErrorDoc(w http.ResponseWriter, status int, message, errType string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
		},
	})
}

// writeJSON renders a success document.
func writeJSON(w http.ResponseWriter, status int, doc any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(doc)
}
