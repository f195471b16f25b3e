package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"syscall"
	"testing"

	"flowgate-hq/flowgate/pkg/upstream"
)

var defaultCodes = []int{429, 500, 502, 503, 504}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"timeout", timeoutErr{}, true},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"connection refused", &url.Error{Op: "Post", URL: "http://x", Err: syscall.ECONNREFUSED}, true},
		{"connection reset", fmt.Errorf("call failed: %w", syscall.ECONNRESET), true},
		{"truncated body", io.ErrUnexpectedEOF, true},
		{"canceled", context.Canceled, false},
		{"retryable status 503", &upstream.Error{StatusCode: 503}, true},
		{"retryable status 429", &upstream.Error{StatusCode: 429, Message: "rate limited"}, true},
		{"non-retryable status 401", &upstream.Error{StatusCode: 401}, false},
		{"non-retryable status 400", &upstream.Error{StatusCode: 400, Message: "bad request"}, false},
		{"model not supported 400", &upstream.Error{StatusCode: 400, Message: "Model glm-5 is not supported"}, true},
		{"model not supported 435", &upstream.Error{StatusCode: 435, Message: "model not support"}, true},
		{"no status no transport cause", errors.New("something odd"), false},
		{"wrapped retryable status", fmt.Errorf("attempt: %w", &upstream.Error{StatusCode: 502}), true},
		{"transport cause inside upstream error", &upstream.Error{Cause: &url.Error{Op: "Post", URL: "http://x", Err: syscall.ECONNREFUSED}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err, defaultCodes); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsCredentialExpiry(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"439 always", &upstream.Error{StatusCode: 439}, true},
		{"401 with expired token message", &upstream.Error{StatusCode: 401, Message: "Access token has expired"}, true},
		{"403 with expired token message", &upstream.Error{StatusCode: 403, Message: "token expired, please refresh"}, true},
		{"401 without message", &upstream.Error{StatusCode: 401, Message: "invalid key"}, false},
		{"500 with expired message", &upstream.Error{StatusCode: 500, Message: "token expired"}, false},
		{"plain error", errors.New("token expired"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsCredentialExpiry(tt.err); got != tt.want {
				t.Errorf("IsCredentialExpiry(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsModelNotSupported(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"404 unsupported model", &upstream.Error{StatusCode: 404, Message: "unsupported model: x"}, true},
		{"400 model not support", &upstream.Error{StatusCode: 400, Message: "the model is not support"}, true},
		{"400 unrelated", &upstream.Error{StatusCode: 400, Message: "missing messages"}, false},
		{"503 with model message", &upstream.Error{StatusCode: 503, Message: "model overloaded, unsupported"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsModelNotSupported(tt.err); got != tt.want {
				t.Errorf("IsModelNotSupported(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
