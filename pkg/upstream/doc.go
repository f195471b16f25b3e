// Package upstream implements the per-account HTTP client for the
// upstream AI provider: signed chat completion calls, SSE streaming
// with response normalization, model listing with a TTL cache, and a
// per-account concurrency gate that doubles as the in-flight signal for
// least-busy balancing.
package upstream
