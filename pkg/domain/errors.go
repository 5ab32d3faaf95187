package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the closed error taxonomy from spec.md §7. Service layers may
// wrap an Error but must never lose its Kind.
type ErrorKind string

const (
	ErrProviderNotFound  ErrorKind = "provider_not_found"
	ErrPipelineNotFound  ErrorKind = "pipeline_not_found"
	ErrInvalidConfig     ErrorKind = "invalid_config"
	ErrInvalidProvider   ErrorKind = "invalid_provider_type"
	ErrAuthFailed        ErrorKind = "authentication_failed"
	ErrNotSupported      ErrorKind = "not_supported"
	ErrNetwork           ErrorKind = "network_error"
	ErrAPI               ErrorKind = "api_error"
	ErrDatabase          ErrorKind = "database_error"
	ErrInternal          ErrorKind = "internal_error"
	ErrNotInitialized    ErrorKind = "not_initialized"
)

// httpStatus maps each kind to the HTTP status spec.md §7 assigns it.
var httpStatus = map[ErrorKind]int{
	ErrProviderNotFound: http.StatusNotFound,
	ErrPipelineNotFound: http.StatusNotFound,
	ErrInvalidConfig:    http.StatusBadRequest,
	ErrInvalidProvider:  http.StatusBadRequest,
	ErrAuthFailed:       http.StatusUnauthorized,
	ErrNotSupported:     http.StatusNotImplemented,
	ErrNetwork:          http.StatusBadGateway,
	ErrAPI:              http.StatusBadGateway,
	ErrDatabase:         http.StatusInternalServerError,
	ErrInternal:         http.StatusInternalServerError,
	ErrNotInitialized:   http.StatusServiceUnavailable,
}

// Error is the concrete error type carried across every service boundary.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus returns the status code the HTTP shell should serialise.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func newErr(kind ErrorKind, msg string) *Error { return &Error{Kind: kind, Message: msg} }

func ProviderNotFound(msg string) *Error { return newErr(ErrProviderNotFound, msg) }
func PipelineNotFound(msg string) *Error { return newErr(ErrPipelineNotFound, msg) }
func InvalidConfig(msg string) *Error    { return newErr(ErrInvalidConfig, msg) }
func InvalidProvider(msg string) *Error  { return newErr(ErrInvalidProvider, msg) }
func AuthFailed(msg string) *Error       { return newErr(ErrAuthFailed, msg) }
func NotSupported(msg string) *Error     { return newErr(ErrNotSupported, msg) }
func NotInitialized(msg string) *Error   { return newErr(ErrNotInitialized, msg) }

func NetworkError(cause error) *Error {
	return &Error{Kind: ErrNetwork, Message: "network error", Cause: cause}
}

func APIError(msg string, cause error) *Error {
	return &Error{Kind: ErrAPI, Message: msg, Cause: cause}
}

func DatabaseError(cause error) *Error {
	return &Error{Kind: ErrDatabase, Message: "database error", Cause: cause}
}

func InternalError(cause error) *Error {
	return &Error{Kind: ErrInternal, Message: "internal error", Cause: cause}
}

// KindOf extracts the Kind of err if it is (or wraps) a *domain.Error,
// defaulting to ErrInternal otherwise.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ErrInternal
}

// Retryable reports whether the driver HTTP layer should retry this error,
// per spec.md §4.3: only network_error and api_error are retried.
func Retryable(err error) bool {
	switch KindOf(err) {
	case ErrNetwork, ErrAPI:
		return true
	default:
		return false
	}
}
