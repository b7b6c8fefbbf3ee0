// Package errors defines the error taxonomy shared by the HTTP API and the
// clients of external dependencies (model provider, vector index, stores).
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ServiceError is a classified failure with everything needed to log it
// and to render it to a client.
type ServiceError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Type       string `json:"type"`
	Dependency string `json:"dependency,omitempty"`
	Model      string `json:"model,omitempty"`
	Retryable  bool   `json:"-"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	if e.Dependency == "" {
		return fmt.Sprintf("[%s] %s (code=%d)", e.Type, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("[%s] %s (dependency=%s, model=%s, code=%d)",
		e.Type, e.Message, e.Dependency, e.Model, e.StatusCode)
}

// Unwrap returns the underlying cause.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// HTTPStatusCode returns the appropriate HTTP status code for the error.
func (e *ServiceError) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// Error types as rendered in the API envelope.
const (
	TypeAuthentication     = "authentication_error"
	TypeRateLimit          = "rate_limit_error"
	TypeInvalidRequest     = "invalid_request_error"
	TypeNotFound           = "not_found_error"
	TypeTimeout            = "timeout_error"
	TypeServiceUnavailable = "service_unavailable_error"
	TypeUpstream           = "upstream_error"
	TypeInternalError      = "internal_error"
)

// NewInvalidRequestError creates a client error (400).
func NewInvalidRequestError(message string) *ServiceError {
	return &ServiceError{
		StatusCode: http.StatusBadRequest,
		Message:    message,
		Type:       TypeInvalidRequest,
	}
}

// NewInternalError creates an internal server error (500).
func NewInternalError(message string) *ServiceError {
	return &ServiceError{
		StatusCode: http.StatusInternalServerError,
		Message:    message,
		Type:       TypeInternalError,
	}
}

// NewServiceUnavailableError reports a dependency that can't be reached (503).
func NewServiceUnavailableError(dependency, message string) *ServiceError {
	return &ServiceError{
		StatusCode: http.StatusServiceUnavailable,
		Message:    message,
		Type:       TypeServiceUnavailable,
		Dependency: dependency,
		Retryable:  true,
	}
}

// NewUpstreamError wraps a dependency failure surfaced to clients as 502.
func NewUpstreamError(dependency string, err error) *ServiceError {
	msg := "upstream dependency failed"
	if err != nil {
		msg = err.Error()
	}
	return &ServiceError{
		StatusCode: http.StatusBadGateway,
		Message:    msg,
		Type:       TypeUpstream,
		Dependency: dependency,
		Err:        err,
	}
}

// FromStatus classifies an HTTP error response returned by a dependency.
func FromStatus(dependency, model string, statusCode int, message string) *ServiceError {
	e := &ServiceError{
		StatusCode: statusCode,
		Message:    message,
		Dependency: dependency,
		Model:      model,
	}

	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		e.Type = TypeAuthentication
	case http.StatusTooManyRequests:
		e.Type = TypeRateLimit
		e.Retryable = true
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		e.Type = TypeInvalidRequest
	case http.StatusNotFound:
		e.Type = TypeNotFound
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		e.Type = TypeTimeout
		e.Retryable = true
	case http.StatusServiceUnavailable, http.StatusBadGateway:
		e.Type = TypeServiceUnavailable
		e.Retryable = true
	default:
		e.Type = TypeInternalError
		e.Retryable = statusCode >= 500
	}
	return e
}

// IsCooldownRequired reports whether a dependency failure with statusCode
// should count against the dependency's health. Plain client errors don't.
func IsCooldownRequired(statusCode int) bool {
	if statusCode >= 400 && statusCode < 500 {
		switch statusCode {
		case http.StatusTooManyRequests,
			http.StatusUnauthorized,
			http.StatusRequestTimeout,
			http.StatusNotFound:
			return true
		default:
			return false
		}
	}
	return statusCode >= 500
}

// As returns the ServiceError in err's chain, if any.
func As(err error) (*ServiceError, bool) {
	var se *ServiceError
	if stderrors.As(err, &se) {
		return se, true
	}
	return nil, false
}
