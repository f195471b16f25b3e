package upstream

import (
	"errors"
	"fmt"
)

// Error is a failed upstream call. StatusCode is zero for transport
// failures that never produced an HTTP response.
type Error struct {
	// StatusCode is the upstream HTTP status, or the business status
	// extracted from an error payload delivered over HTTP 200.
	StatusCode int

	// Message is the upstream-provided error text, if any.
	Message string

	// Payload is the raw upstream error body, kept for passthrough to
	// the client.
	Payload []byte

	// Cause is the underlying transport error, if any.
	Cause error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("upstream error %d: %s", e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("upstream error %d", e.StatusCode)
	case e.Message != "":
		return fmt.Sprintf("upstream error: %s", e.Message)
	case e.Cause != nil:
		return fmt.Sprintf("upstream error: %v", e.Cause)
	default:
		return "upstream error"
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// StatusCode extracts the HTTP status from an upstream error chain.
// Returns 0 when the error carries no status (pure transport failure)
// or is not an upstream error.
func StatusCode(err error) int {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.StatusCode
	}
	return 0
}
