package provider

import (
	"errors"
	"fmt"
	"net/http"

	"walink/pkg/circuitbreaker"
)

// StatusError is returned for non-2xx provider responses
type StatusError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("provider %s returned %d: %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider %s returned %d", e.Op, e.StatusCode)
}

// Retryable reports whether repeating the call may succeed
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusRequestTimeout
}

// StatusCode extracts the HTTP status of a provider error, or 0
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// IsUnauthorized reports whether the provider rejected our credentials
func IsUnauthorized(err error) bool {
	code := StatusCode(err)
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

// CountsAgainstBreaker treats transport failures and server-side statuses as
// provider outages. Client errors mean the provider is up.
func CountsAgainstBreaker(err error) bool {
	if circuitbreaker.IsOpen(err) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return true
}
