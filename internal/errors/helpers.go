package errors

import (
	"fmt"
	"net/http"
)

// User-facing messages. The pairing flow surfaces only this small set.
const (
	UserMessageValidation   = "Check the connection name and phone number and try again"
	UserMessageProvider     = "Could not reach the WhatsApp provider, please try again"
	UserMessageQRTimeout    = "The QR code took too long, please try again"
	UserMessageUnauthorized = "Authentication failed"
)

// NewValidationError creates a validation error with field context
func NewValidationError(field, value, message string) *AppError {
	return New(ErrCodeValidationFailed, message).
		WithContext("field", field).
		WithContext("value", value).
		WithUserMessage(UserMessageValidation)
}

// NewProviderError creates an error for a failed messaging provider call.
// Server-side and throttling statuses are marked retryable.
func NewProviderError(operation string, statusCode int, err error) *AppError {
	appErr := Wrap(err, ErrCodeProvider, fmt.Sprintf("provider %s failed", operation)).
		WithContext("operation", operation).
		WithUserMessage(UserMessageProvider)
	if statusCode > 0 {
		appErr.WithContext("status_code", statusCode)
	}
	appErr.Retryable = statusCode == 0 || statusCode >= 500 || statusCode == http.StatusTooManyRequests || statusCode == http.StatusRequestTimeout
	return appErr
}

// NewQRTimeoutError creates an error for polling that exceeded its bound
func NewQRTimeoutError(operation, duration string, cause error) *AppError {
	return Wrap(cause, ErrCodeQRTimeout, fmt.Sprintf("%s timed out after %s", operation, duration)).
		WithContext("operation", operation).
		WithContext("timeout", duration).
		WithUserMessage(UserMessageQRTimeout)
}

// NewUnauthorizedError creates an authentication error
func NewUnauthorizedError(reason string) *AppError {
	return New(ErrCodeUnauthorized, "authentication failed").
		WithContext("reason", reason).
		WithUserMessage(UserMessageUnauthorized)
}

// NewConfigError creates a configuration error
func NewConfigError(key, message string) *AppError {
	return New(ErrCodeInvalidConfig, message).
		WithContext("config_key", key).
		WithUserMessage("Configuration error")
}

// NewDatabaseError creates a database error with operation context
func NewDatabaseError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeDatabaseQuery, fmt.Sprintf("database %s failed", operation)).
		WithContext("operation", operation).
		WithUserMessage("Database operation failed")
}

// NewNotFoundError creates a not found error with resource context
func NewNotFoundError(resource, identifier string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource)).
		WithContext("resource", resource).
		WithContext("identifier", identifier).
		WithUserMessage(fmt.Sprintf("%s not found", resource))
}

// NewConflictError creates an error for a request the current state forbids
func NewConflictError(cause error, message, userMessage string) *AppError {
	return Wrap(cause, ErrCodeConflict, message).WithUserMessage(userMessage)
}

// HTTPStatusCode maps error codes to HTTP status codes
func HTTPStatusCode(err error) int {
	switch GetCode(err) {
	case ErrCodeValidationFailed, ErrCodeInvalidConfig:
		return http.StatusBadRequest
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeProvider:
		return http.StatusBadGateway
	case ErrCodeQRTimeout:
		return http.StatusGatewayTimeout
	case ErrCodeDatabaseConnection, ErrCodeDatabaseQuery, ErrCodeDatabaseMigration:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HTTPErrorResponse is the JSON body of every API error
type HTTPErrorResponse struct {
	Error     string    `json:"error"`
	Code      ErrorCode `json:"code"`
	RequestID string    `json:"request_id,omitempty"`
}

// ToHTTPResponse converts an error to its public HTTP form
func ToHTTPResponse(err error, requestID string) HTTPErrorResponse {
	return HTTPErrorResponse{
		Error:     GetUserMessage(err),
		Code:      GetCode(err),
		RequestID: requestID,
	}
}
