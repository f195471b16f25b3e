// Package middleware provides the HTTP middleware chain for the
// gateway's endpoints: request IDs, access logging, panic recovery, and
// CORS for browser-based clients.
package middleware
