package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Ernesto385291/finance-analyzer/pkg/api"
	"github.com/Ernesto385291/finance-analyzer/pkg/sandbox"
	"github.com/Ernesto385291/finance-analyzer/pkg/storage"
)

// HTTPStatusFromError maps an APIError type to the corresponding HTTP status
// code. Transport-level errors (body too large, unsupported content type)
// are handled separately by the HTTP adapter.
func HTTPStatusFromError(err *api.APIError) int {
	switch err.Type {
	case api.ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case api.ErrorTypeUnauthorized:
		return http.StatusUnauthorized
	case api.ErrorTypeForbidden:
		return http.StatusForbidden
	case api.ErrorTypeNotFound:
		return http.StatusNotFound
	case api.ErrorTypeTooManyRequests:
		return http.StatusTooManyRequests
	case api.ErrorTypeUnavailable:
		return http.StatusServiceUnavailable
	case api.ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case api.ErrorTypeSandboxError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// APIErrorFromError converts an engine error into an APIError. Errors that
// already are APIErrors pass through unchanged. Anything unrecognized
// becomes a server error whose message does not leak internals.
func APIErrorFromError(err error) *api.APIError {
	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	switch {
	case errors.Is(err, sandbox.ErrInvalidKey):
		return &api.APIError{
			Type:    api.ErrorTypeInvalidRequest,
			Code:    api.CodeInvalidKey,
			Param:   "key",
			Message: "session key must not be empty",
		}
	case errors.Is(err, sandbox.ErrInvalidArgument):
		return api.NewInvalidRequestError("", err.Error())
	case errors.Is(err, sandbox.ErrProviderUnavailable):
		return api.NewUnavailableError()
	case errors.Is(err, sandbox.ErrResumeTimeout):
		return api.NewTimeoutError("analysis environment did not resume in time")
	case errors.Is(err, sandbox.ErrCreationFailed):
		return api.NewSandboxError("analysis environment could not be created")
	case errors.Is(err, storage.ErrNotFound):
		return api.NewNotFoundError("session not found")
	case errors.Is(err, context.DeadlineExceeded):
		return &api.APIError{Type: api.ErrorTypeTimeout, Message: "request timed out"}
	default:
		return api.NewServerError("internal server error")
	}
}

// WriteErrorResponse writes a JSON error response using the ErrorResponse
// wrapper format from pkg/api. It sets the Content-Type header and writes
// the HTTP status code.
func WriteErrorResponse(w http.ResponseWriter, apiErr *api.APIError, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	if apiErr.Retryable() {
		w.Header().Set("Retry-After", "1")
	}
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(api.ErrorResponse{Error: apiErr})
}

// WriteAPIError writes an APIError response, deriving the HTTP status code
// from the error type.
func WriteAPIError(w http.ResponseWriter, apiErr *api.APIError) {
	WriteErrorResponse(w, apiErr, HTTPStatusFromError(apiErr))
}

// WriteError converts err with APIErrorFromError and writes it.
func WriteError(w http.ResponseWriter, err error) {
	WriteAPIError(w, APIErrorFromError(err))
}
