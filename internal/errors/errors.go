package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType is the closed set of rejection reasons a probe can end with
type ErrorType string

const (
	ErrorTypeInvalidURL        ErrorType = "invalid_url"
	ErrorTypeBlockedHost       ErrorType = "blocked_host"
	ErrorTypeResolutionFailure ErrorType = "resolution_failure"
	ErrorTypeTimeout           ErrorType = "timeout"
	ErrorTypePayloadTooLarge   ErrorType = "payload_too_large"
	ErrorTypeUpstream          ErrorType = "upstream_error"
	ErrorTypeInternal          ErrorType = "internal"
)

// AppError represents a structured application error
type AppError struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	Details    string    `json:"details,omitempty"`
	StatusCode int       `json:"status_code"`
	// UpstreamStatus is the remote status code for upstream errors, 0 otherwise.
	UpstreamStatus int   `json:"upstream_status,omitempty"`
	Cause          error `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether a caller may retry the same request later.
func (e *AppError) Retryable() bool {
	switch e.Type {
	case ErrorTypeTimeout, ErrorTypeResolutionFailure:
		return true
	case ErrorTypeUpstream:
		return e.UpstreamStatus == 0 || e.UpstreamStatus >= 500
	default:
		return false
	}
}

// WithDetails attaches internal details that are logged but not shown to clients
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// NewInvalidURLError creates an error for malformed input or a disallowed scheme
func NewInvalidURLError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeInvalidURL,
		Message:    message,
		StatusCode: http.StatusBadRequest,
		Cause:      cause,
	}
}

// NewBlockedHostError creates an SSRF policy violation error
func NewBlockedHostError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeBlockedHost,
		Message:    message,
		StatusCode: http.StatusBadRequest,
		Cause:      cause,
	}
}

// NewResolutionError creates a DNS failure error
func NewResolutionError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeResolutionFailure,
		Message:    message,
		StatusCode: http.StatusBadGateway,
		Cause:      cause,
	}
}

// NewTimeoutError creates a new timeout error
func NewTimeoutError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeTimeout,
		Message:    message,
		StatusCode: http.StatusGatewayTimeout,
		Cause:      cause,
	}
}

// NewPayloadTooLargeError creates an error for responses over the size ceiling
func NewPayloadTooLargeError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypePayloadTooLarge,
		Message:    message,
		StatusCode: http.StatusRequestEntityTooLarge,
		Cause:      cause,
	}
}

// NewUpstreamError creates an error for a non-2xx status or a transport failure.
// upstreamStatus is 0 when no response was received.
func NewUpstreamError(message string, upstreamStatus int, cause error) *AppError {
	return &AppError{
		Type:           ErrorTypeUpstream,
		Message:        message,
		StatusCode:     http.StatusBadGateway,
		UpstreamStatus: upstreamStatus,
		Cause:          cause,
	}
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Cause:      cause,
	}
}

// As extracts an *AppError from an error chain
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsType checks if the error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	if appErr, ok := As(err); ok {
		return appErr.Type == errorType
	}
	return false
}

// GetStatusCode extracts the HTTP status code from an error
func GetStatusCode(err error) int {
	if appErr, ok := As(err); ok {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}
