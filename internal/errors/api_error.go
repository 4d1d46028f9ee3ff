package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes returned in the response envelope. Clients switch on these,
// so the strings are part of the API contract.
const (
	CodeInvalidPayload    = "INVALID_PAYLOAD"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeSessionNotFound   = "SESSION_NOT_FOUND"
	CodeSessionNotReady   = "SESSION_NOT_READY"
	CodeMediaTooLarge     = "MEDIA_TOO_LARGE"
	CodeRateLimited       = "RATE_LIMITED"
	CodeBadGateway        = "BAD_GATEWAY"
	CodeAIDownstreamError = "AI_DOWNSTREAM_ERROR"
	CodeAITimeout         = "AI_TIMEOUT"
)

// APIError is an error with a stable machine-readable code and the HTTP
// status it maps to. Handlers return these from any depth of the call
// stack; the response layer serializes them without inspecting messages.
type APIError struct {
	Code    string
	Status  int
	Message string
	Err     error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// InvalidPayload reports a malformed or semantically invalid request body.
func InvalidPayload(message string) *APIError {
	return &APIError{Code: CodeInvalidPayload, Status: http.StatusBadRequest, Message: message}
}

// Unauthorized reports a missing or mismatched bearer credential.
func Unauthorized(message string) *APIError {
	return &APIError{Code: CodeUnauthorized, Status: http.StatusUnauthorized, Message: message}
}

// SessionNotFound reports that no live session exists for the agent.
func SessionNotFound(agentID string) *APIError {
	return &APIError{
		Code:    CodeSessionNotFound,
		Status:  http.StatusNotFound,
		Message: fmt.Sprintf("no session found for agent %s", agentID),
	}
}

// SessionNotReady reports a session that exists but is not connected yet.
func SessionNotReady(agentID string) *APIError {
	return &APIError{
		Code:    CodeSessionNotReady,
		Status:  http.StatusConflict,
		Message: fmt.Sprintf("session for agent %s is not ready", agentID),
	}
}

// MediaTooLarge reports media exceeding the inbound size cap.
func MediaTooLarge(message string) *APIError {
	return &APIError{Code: CodeMediaTooLarge, Status: http.StatusRequestEntityTooLarge, Message: message}
}

// RateLimited reports a full per-agent dispatch queue.
func RateLimited(agentID string) *APIError {
	return &APIError{
		Code:    CodeRateLimited,
		Status:  http.StatusTooManyRequests,
		Message: fmt.Sprintf("message queue for agent %s is full, retry later", agentID),
	}
}

// BadGateway reports a failed fetch from an upstream the caller pointed us at.
func BadGateway(message string, err error) *APIError {
	return &APIError{Code: CodeBadGateway, Status: http.StatusBadGateway, Message: message, Err: err}
}

// AIDownstream reports a non-2xx or unusable response from the AI backend.
func AIDownstream(message string, err error) *APIError {
	return &APIError{Code: CodeAIDownstreamError, Status: http.StatusBadGateway, Message: message, Err: err}
}

// AITimeout reports an AI backend call that exceeded its deadline.
func AITimeout(message string) *APIError {
	return &APIError{Code: CodeAITimeout, Status: http.StatusGatewayTimeout, Message: message}
}

// From coerces an arbitrary error into an APIError. Already-coded errors
// pass through unchanged; anything else gets the generic BAD_GATEWAY wrap.
func From(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return BadGateway("unexpected error", err)
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}
