// Package handlers implements the gateway's HTTP endpoints: the
// OpenAI-compatible chat completions and model listing surfaces, plus
// health, account diagnostics, and usage accounting.
package handlers
