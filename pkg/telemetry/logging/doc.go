// Package logging provides structured logging for the gateway built on
// log/slog, with automatic redaction of upstream credentials and client
// tokens from log output.
package logging
