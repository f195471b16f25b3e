package gateway

import "fmt"

// AuthError rejects a request at the gateway's front door. Rendered as
// HTTP 401.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return e.Reason }

// ConfigError means the routing config cannot serve the request at all,
// as opposed to the upstream failing. Rendered as HTTP 500.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return e.Reason }

// ModelMismatchError means the upstream silently substituted a
// different model than requested. Rendered as HTTP 502.
type ModelMismatchError struct {
	Requested string
	Returned  string
}

func (e *ModelMismatchError) Error() string {
	return fmt.Sprintf("strict model mismatch: requested=%s, upstream=%s", e.Requested, e.Returned)
}
