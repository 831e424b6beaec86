package flipt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies upstream failures.
type ErrorKind string

const (
	KindInternal       ErrorKind = "internal"
	KindUnknownFlag    ErrorKind = "unknown_flag"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindConnection     ErrorKind = "connection"
)

// ErrNoSnapshot is returned by SnapshotHash before any snapshot was fetched.
var ErrNoSnapshot = errors.New("no snapshot fetched yet")

// APIError is a non-2xx response or a transport failure.
type APIError struct {
	StatusCode int
	Kind       ErrorKind
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Kind, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

func kindForStatus(status int) ErrorKind {
	switch status {
	case http.StatusNotFound:
		return KindUnknownFlag
	case http.StatusBadRequest:
		return KindInvalidRequest
	default:
		return KindInternal
	}
}

func connectionError(err error) *APIError {
	return &APIError{Kind: KindConnection, Message: err.Error(), Err: err}
}

// IsKind reports whether err is an APIError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == kind
}

// retryable covers transport failures, rate limiting and 5xx responses.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.Kind == KindConnection {
		return true
	}
	return apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests
}

// upstreamFailure decides what counts against the circuit breaker: client
// mistakes such as unknown flags do not.
func upstreamFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind == KindConnection || apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests
	}
	return true
}
