// Package catalog carries the built-in model catalog: the flagship
// models served when the upstream listing is unavailable, and the
// friendly tier aliases clients may use in place of real model ids.
package catalog

import "strings"

// ModelSpec describes one known model.
type ModelSpec struct {
	ID          string
	Name        string
	Description string
	Context     int
	Output      int
}

// Tier aliases resolve to the current flagship in each size class.
var tieredModels = map[string]string{
	"big":    "glm-5",
	"middle": "kimi-k2.5",
	"small":  "minimax-m2.5",
}

var modelAliases = map[string]string{
	"iflow-big":     tieredModels["big"],
	"iflow-middle":  tieredModels["middle"],
	"iflow-small":   tieredModels["small"],
	"big":           tieredModels["big"],
	"middle":        tieredModels["middle"],
	"small":         tieredModels["small"],
	"claude-opus":   tieredModels["big"],
	"claude-sonnet": tieredModels["middle"],
	"claude-haiku":  tieredModels["small"],
}

// KnownModels returns the built-in flagship models.
func KnownModels() []ModelSpec {
	return []ModelSpec{
		{ID: "glm-5", Name: "GLM-5", Description: "Zhipu GLM-5 744B MoE Flagship", Context: 200000, Output: 128000},
		{ID: "minimax-m2.5", Name: "MiniMax-M2.5", Description: "MiniMax M2.5 Agentic", Context: 200000, Output: 8192},
		{ID: "kimi-k2.5", Name: "Kimi-K2.5", Description: "Moonshot Kimi K2.5 Multimodal", Context: 262144, Output: 8192},
	}
}

// TieredMapping returns a copy of the tier-to-model mapping.
func TieredMapping() map[string]string {
	out := make(map[string]string, len(tieredModels))
	for k, v := range tieredModels {
		out[k] = v
	}
	return out
}

// ResolveAlias maps a friendly alias to a real model id. Exact aliases
// (big, iflow-middle, claude-haiku) and claude-* family prefixes
// (claude-opus-4-20250514) both resolve; anything else passes through
// unchanged.
func ResolveAlias(modelID string) string {
	raw := strings.TrimSpace(modelID)
	if raw == "" {
		return raw
	}
	low := strings.ToLower(raw)
	if mapped, ok := modelAliases[low]; ok {
		return mapped
	}
	for prefix, tier := range map[string]string{
		"claude-opus":   "big",
		"claude-sonnet": "middle",
		"claude-haiku":  "small",
	} {
		if strings.HasPrefix(low, prefix) {
			return tieredModels[tier]
		}
	}
	return raw
}

// OpenAIListEntry is one model in the OpenAI /v1/models response shape.
type OpenAIListEntry struct {
	ID         string  `json:"id"`
	Object     string  `json:"object"`
	Created    int64   `json:"created"`
	OwnedBy    string  `json:"owned_by"`
	Permission []any   `json:"permission"`
	Root       string  `json:"root"`
	Parent     *string `json:"parent"`
}

// OpenAIList renders models in the OpenAI list format.
func OpenAIList(models []ModelSpec, created int64) map[string]any {
	data := make([]OpenAIListEntry, 0, len(models))
	for _, m := range models {
		data = append(data, OpenAIListEntry{
			ID:         m.ID,
			Object:     "model",
			Created:    created,
			OwnedBy:    "iflow",
			Permission: []any{},
			Root:       m.ID,
		})
	}
	return map[string]any{"object": "list", "data": data}
}
