// Package gateway is the request orchestrator: it maps inbound client
// tokens to upstream account routes, balances pooled routes with round
// robin or least-busy selection, opens and closes per-account circuit
// breakers, fails over across accounts on retryable errors, and keeps
// OAuth credentials alive with single-flight refreshes.
//
// Streaming calls commit to an account once the first upstream event
// arrives; failures before that point fail over, failures after it
// surface to the client mid-stream.
package gateway
