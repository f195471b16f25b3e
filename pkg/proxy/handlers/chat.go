package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"flowgate-hq/flowgate/pkg/gateway"
	"flowgate-hq/flowgate/pkg/proxy/middleware"
	"flowgate-hq/flowgate/pkg/telemetry/logging"
)

// maxBodyBytes bounds inbound request bodies. Chat requests with large
// contexts fit comfortably; anything bigger is abuse.
const maxBodyBytes = 32 << 20

// Chat serves POST /v1/chat/completions (and the bare /chat/completions
// alias some clients use).
type Chat struct {
	manager *gateway.Manager
	logger  *logging.Logger
}

// NewChat builds the chat completions handler.
func NewChat(manager *gateway.Manager, logger *logging.Logger) *Chat {
	return &Chat{manager: manager, logger: logger}
}

// bearerToken extracts the client token from the Authorization header.
// A bare token without the Bearer prefix is accepted too.
func bearerToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if auth == "" {
		return ""
	}
	if len(auth) >= 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return auth
}

func (h *Chat) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErrorDoc(w, http.StatusMethodNotAllowed, "method not allowed", "invalid_request_error")
		return
	}

	var body map[string]any
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		writeErrorDoc(w, http.StatusBadRequest, "invalid JSON body: "+err.Error(), "invalid_request_error")
		return
	}

	token := bearerToken(r)
	stream, _ := body["stream"].(bool)

	if !stream {
		result, err := h.manager.ChatCompletion(r.Context(), token, body)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	cs, err := h.manager.StreamChatCompletion(r.Context(), token, body)
	if err != nil {
		writeError(w, err)
		return
	}
	defer cs.Close()

	h.writeStream(w, r, cs)
}

// writeStream relays SSE events to the client, flushing after each one.
// A mid-stream upstream failure is reported as a final error event; by
// then the 200 status is already committed.
func (h *Chat) writeStream(w http.ResponseWriter, r *http.Request, cs *gateway.ChatStream) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}
	flush()

	for {
		event, err := cs.Next()
		if err == io.EOF {
			return
		}
		if err != nil {
			h.logger.Warn("stream interrupted",
				"request_id", middleware.GetRequestID(r.Context()), "error", err)
			payload, _ := json.Marshal(map[string]any{
				"error": map[string]any{"message": err.Error(), "type": "upstream_error"},
			})
			w.Write([]byte("data: "))
			w.Write(payload)
			w.Write([]byte("\n\n"))
			flush()
			return
		}
		if _, err := w.Write(event); err != nil {
			// The client hung up; stop relaying.
			return
		}
		flush()
	}
}
