// Package resilience classifies upstream failures: which errors justify
// failing over to another account, which mean the account's credential
// has expired, and which mean the requested model is simply not served
// by the tried account.
package resilience

import (
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"strings"
	"syscall"

	"flowgate-hq/flowgate/pkg/upstream"
)

// IsRetryable reports whether the error justifies trying another
// account. Transport-level failures are always retryable; HTTP failures
// are retryable only when their status is in retryCodes. An error with
// no status and no recognizable transport cause is not retryable: when
// in doubt, surface the failure rather than multiply it.
func IsRetryable(err error, retryCodes []int) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if isNetworkError(err) {
		return true
	}
	if status := upstream.StatusCode(err); status != 0 {
		for _, code := range retryCodes {
			if code == status {
				return true
			}
		}
		return IsModelNotSupported(err)
	}
	return false
}

// isNetworkError detects transport failures that never produced an HTTP
// response: timeouts, refused or reset connections, broken pipes, and
// truncated bodies.
func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		// url.Error wraps dial and read failures; if it carries an
		// upstream status the status-based path already handled it.
		return upstream.StatusCode(err) == 0
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// IsCredentialExpiry reports whether the error means the account's
// access token has expired and a refresh should be attempted. The
// upstream signals this with its own 439 status, or with a standard
// auth status plus an "expired token" message.
func IsCredentialExpiry(err error) bool {
	var ue *upstream.Error
	if !errors.As(err, &ue) {
		return false
	}
	if ue.StatusCode == 439 {
		return true
	}
	switch ue.StatusCode {
	case 400, 401, 403:
		msg := strings.ToLower(ue.Message)
		return strings.Contains(msg, "token") && strings.Contains(msg, "expired")
	}
	return false
}

// IsModelNotSupported reports whether the error means the tried account
// does not serve the requested model. Another account on the route may
// serve it, so this is treated as retryable.
func IsModelNotSupported(err error) bool {
	var ue *upstream.Error
	if !errors.As(err, &ue) {
		return false
	}
	switch ue.StatusCode {
	case 400, 404, 435:
	default:
		return false
	}
	msg := strings.ToLower(ue.Message)
	if !strings.Contains(msg, "model") {
		return false
	}
	return strings.Contains(msg, "not support") || strings.Contains(msg, "unsupported")
}
