package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Common errors returned by remote operations.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, remote.ErrRemoteNotFound) {
//	    // remote was removed from the configuration
//	}
var (
	// ErrRemoteNotFound is returned when a remote id is not configured.
	ErrRemoteNotFound = errors.New("remote not found")

	// ErrUnsupportedType is returned for a remote type without a registered
	// client implementation.
	ErrUnsupportedType = errors.New("unsupported remote type")

	// ErrRequest is returned when a remote answers with a non-2xx status.
	// The concrete error is a *StatusError.
	ErrRequest = errors.New("remote request failed")

	// ErrInvalidConfig is returned when the remote configuration is invalid.
	ErrInvalidConfig = errors.New("invalid remote configuration")
)

// StatusError describes a non-2xx API response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Code, http.StatusText(e.Code))
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Unwrap makes errors.Is(err, ErrRequest) hold.
func (e *StatusError) Unwrap() error {
	return ErrRequest
}

// IsRetryable returns true if the error is likely to succeed on retry:
// timeouts, connection failures, rate limiting and server-side errors.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= 500 || statusErr.Code == http.StatusTooManyRequests
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return false
}
