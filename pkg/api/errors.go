package api

import "fmt"

// ErrorType represents the category of an API error.
type ErrorType string

const (
	ErrorTypeServerError     ErrorType = "server_error"
	ErrorTypeInvalidRequest  ErrorType = "invalid_request"
	ErrorTypeNotFound        ErrorType = "not_found"
	ErrorTypeUnauthorized    ErrorType = "unauthorized"
	ErrorTypeForbidden       ErrorType = "forbidden"
	ErrorTypeTooManyRequests ErrorType = "too_many_requests"

	// ErrorTypeUnavailable means the sandbox provider could not be reached.
	// The request is safe to retry.
	ErrorTypeUnavailable ErrorType = "unavailable"

	// ErrorTypeTimeout means a sandbox did not become ready in time.
	ErrorTypeTimeout ErrorType = "timeout"

	// ErrorTypeSandboxError means the provider refused to create a sandbox.
	ErrorTypeSandboxError ErrorType = "sandbox_error"
)

// Error codes refine an ErrorType.
const (
	CodeProviderUnavailable = "provider_unavailable"
	CodeResumeTimeout       = "resume_timeout"
	CodeCreationFailed      = "creation_failed"
	CodeInvalidKey          = "invalid_session_key"
)

// APIError represents a structured API error.
type APIError struct {
	Type    ErrorType `json:"type"`
	Code    string    `json:"code,omitempty"`
	Param   string    `json:"param,omitempty"`
	Message string    `json:"message"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("%s: %s (param: %s)", e.Type, e.Message, e.Param)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Retryable reports whether the caller should retry the request.
func (e *APIError) Retryable() bool {
	return e.Type == ErrorTypeUnavailable || e.Type == ErrorTypeTooManyRequests
}

// ErrorResponse wraps an APIError as the top-level error body.
type ErrorResponse struct {
	Error *APIError `json:"error"`
}

// NewInvalidRequestError creates an APIError for invalid request parameters.
func NewInvalidRequestError(param, message string) *APIError {
	return &APIError{Type: ErrorTypeInvalidRequest, Param: param, Message: message}
}

// NewNotFoundError creates an APIError for resources that cannot be found.
func NewNotFoundError(message string) *APIError {
	return &APIError{Type: ErrorTypeNotFound, Message: message}
}

// NewServerError creates an APIError for internal server errors.
func NewServerError(message string) *APIError {
	return &APIError{Type: ErrorTypeServerError, Message: message}
}

// NewUnavailableError creates an APIError for a transient provider outage.
// The message is safe to show to end users.
func NewUnavailableError() *APIError {
	return &APIError{
		Type:    ErrorTypeUnavailable,
		Code:    CodeProviderUnavailable,
		Message: "analysis environment unavailable, please retry",
	}
}

// NewTimeoutError creates an APIError for a sandbox that did not resume.
func NewTimeoutError(message string) *APIError {
	return &APIError{Type: ErrorTypeTimeout, Code: CodeResumeTimeout, Message: message}
}

// NewSandboxError creates an APIError for a rejected sandbox creation.
func NewSandboxError(message string) *APIError {
	return &APIError{Type: ErrorTypeSandboxError, Code: CodeCreationFailed, Message: message}
}

// NewTooManyRequestsError creates an APIError for rate limiting.
func NewTooManyRequestsError(message string) *APIError {
	return &APIError{Type: ErrorTypeTooManyRequests, Message: message}
}
