package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// HTTPError reports a received non-2xx response.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

// TransportError reports a failure before any response was received.
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("client: %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError reports a response body that is not valid JSON.
type DecodeError struct {
	URL string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("client: decode %s: %v", e.URL, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// StatusOf returns the HTTP status carried by err, or 0 when err is not an HTTPError.
func StatusOf(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status
	}
	return 0
}

// IsUnauthenticated reports whether err is a 401 response.
func IsUnauthenticated(err error) bool {
	return StatusOf(err) == http.StatusUnauthorized
}

// Kind classifies err for retry policies and logs.
func Kind(err error) string {
	var (
		httpErr      *HTTPError
		transportErr *TransportError
		decodeErr    *DecodeError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.As(err, &httpErr):
		return "http"
	case errors.As(err, &decodeErr):
		return "decode"
	case errors.As(err, &transportErr):
		return "transport"
	default:
		return "unknown"
	}
}
