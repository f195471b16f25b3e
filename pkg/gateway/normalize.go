package gateway

import (
	"encoding/json"
	"strings"

	"flowgate-hq/flowgate/pkg/catalog"
)

// thinkingRequestKeys are the client-side fields that express an
// explicit thinking preference; their presence disables the default.
var thinkingRequestKeys = []string{
	"enable_thinking", "thinking", "reasoning", "thinking_level", "thinkingLevel",
}

// NormalizeModelID canonicalizes a requested model id: resolves tier
// and claude-* aliases, strips client namespacing like "iflow/", and
// maps known suffix variants. Conservative on purpose; unknown ids
// pass through.
func NormalizeModelID(model string) string {
	raw := strings.TrimSpace(model)
	if raw == "" {
		return raw
	}
	if idx := strings.Index(raw, "/"); idx >= 0 {
		prefix := strings.ToLower(strings.TrimSpace(raw[:idx]))
		rest := strings.TrimSpace(raw[idx+1:])
		if (prefix == "iflow" || prefix == "flowgate") && rest != "" {
			raw = rest
		}
	}
	raw = catalog.ResolveAlias(raw)
	if strings.ToLower(raw) == "deepseek-v3.2-chat" {
		return "deepseek-v3.2"
	}
	return raw
}

// isThinkingModel reports whether the model id strongly implies
// reasoning output. Only auto-enable for known families; never guess.
func isThinkingModel(model string) bool {
	low := strings.ToLower(strings.TrimSpace(model))
	switch low {
	case "":
		return false
	case "glm-5", "minimax-m2.5", "kimi-k2.5", "deepseek-r1":
		return true
	}
	if strings.HasPrefix(low, "glm-") {
		return true
	}
	return strings.Contains(low, "thinking")
}

// applyDefaultThinking enables thinking for reasoning-capable models
// unless the client expressed any explicit preference.
func applyDefaultThinking(body map[string]any) {
	model, _ := body["model"].(string)
	if !isThinkingModel(model) {
		return
	}
	for _, key := range thinkingRequestKeys {
		if _, ok := body[key]; ok {
			return
		}
	}
	body["enable_thinking"] = true
}

// modelForCompare normalizes a model id for strict-match comparison.
func modelForCompare(model string) string {
	return strings.ToLower(strings.TrimSpace(NormalizeModelID(model)))
}

// modelStrictMatch reports whether the upstream served the model the
// client asked for. Empty ids never match: an upstream that hides its
// model id fails closed.
func modelStrictMatch(requested, returned string) bool {
	req := modelForCompare(requested)
	ret := modelForCompare(returned)
	if req == "" || ret == "" {
		return false
	}
	return req == ret
}

// extractStreamModel pulls the model id out of the first SSE event of a
// stream, if present. Returns "" when the event carries no model.
func extractStreamModel(firstEvent []byte) string {
	for _, line := range strings.Split(string(firstEvent), "\n") {
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		payload = strings.TrimSpace(payload)
		if payload == "" || payload == "[DONE]" {
			continue
		}
		var doc map[string]any
		if err := json.Unmarshal([]byte(payload), &doc); err != nil {
			continue
		}
		if model, ok := doc["model"].(string); ok && strings.TrimSpace(model) != "" {
			return strings.TrimSpace(model)
		}
	}
	return ""
}
