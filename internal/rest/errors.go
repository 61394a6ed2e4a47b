package rest

import (
	"errors"
	"fmt"
)

// ErrSessionExpired indicates the refresh exchange failed and the stored
// credentials were cleared. Recovery requires a fresh login.
var ErrSessionExpired = errors.New("session expired")

// ErrNetwork indicates a transport-level failure before any HTTP status
// was received. Retryable by user action.
var ErrNetwork = errors.New("network error")

// APIError is a non-2xx response from the backend. Message carries the
// server-provided human-readable text and may be shown to the user verbatim.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api error: status %d", e.Status)
	}
	return fmt.Sprintf("api error: status %d: %s", e.Status, e.Message)
}

// StatusOf returns the HTTP status carried by err, or 0 if err is not an APIError.
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// MessageOf returns the server-provided message carried by err, or "".
func MessageOf(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return ""
}
