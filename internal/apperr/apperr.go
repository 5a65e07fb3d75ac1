// Package apperr defines the error taxonomy shared by the signaling layers.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application-specific error codes
type ErrorCode string

const (
	ErrCodeInvalidRequest    ErrorCode = "INVALID_REQUEST"
	ErrCodeMediaAcquisition  ErrorCode = "MEDIA_ACQUISITION_FAILED"
	ErrCodeStaleSession      ErrorCode = "STALE_SESSION"
	ErrCodeTransportFailure  ErrorCode = "TRANSPORT_FAILURE"
	ErrCodeInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrCodeConflict          ErrorCode = "CONFLICT"
	ErrCodeForbidden         ErrorCode = "FORBIDDEN"
	ErrCodeUnauthorized      ErrorCode = "UNAUTHORIZED"
	ErrCodeInternal          ErrorCode = "INTERNAL_ERROR"
)

var statusByCode = map[ErrorCode]int{
	ErrCodeInvalidRequest:    http.StatusBadRequest,
	ErrCodeMediaAcquisition:  http.StatusInternalServerError,
	ErrCodeStaleSession:      http.StatusNotFound,
	ErrCodeTransportFailure:  http.StatusBadGateway,
	ErrCodeInvalidTransition: http.StatusConflict,
	ErrCodeConflict:          http.StatusConflict,
	ErrCodeForbidden:         http.StatusForbidden,
	ErrCodeUnauthorized:      http.StatusUnauthorized,
	ErrCodeInternal:          http.StatusInternalServerError,
}

// Sentinels for errors.Is; matching is by code, so wrapped variants match too.
var (
	ErrInvalidRequest    = New(ErrCodeInvalidRequest, "invalid request")
	ErrMediaAcquisition  = New(ErrCodeMediaAcquisition, "local media unavailable")
	ErrStaleSession      = New(ErrCodeStaleSession, "call no longer exists")
	ErrTransportFailure  = New(ErrCodeTransportFailure, "media transport failed")
	ErrIllegalTransition = New(ErrCodeInvalidTransition, "illegal status transition")
	ErrAlreadySet        = New(ErrCodeConflict, "value already set")
	ErrForbidden         = New(ErrCodeForbidden, "not allowed")
)

// AppError is a structured error with a code, message and HTTP status
type AppError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	StatusCode int       `json:"-"`
	Err        error     `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches any AppError carrying the same code
func (e *AppError) Is(target error) bool {
	var other *AppError
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

// New creates an AppError with the status implied by its code
func New(code ErrorCode, message string) *AppError {
	status, ok := statusByCode[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	return &AppError{Code: code, Message: message, StatusCode: status}
}

// Wrap creates an AppError that keeps err as its cause
func Wrap(code ErrorCode, message string, err error) *AppError {
	e := New(code, message)
	e.Err = err
	return e
}

func InvalidRequest(format string, args ...any) *AppError {
	return New(ErrCodeInvalidRequest, fmt.Sprintf(format, args...))
}

func MediaAcquisition(err error) *AppError {
	return Wrap(ErrCodeMediaAcquisition, "failed to acquire local media", err)
}

func TransportFailure(err error) *AppError {
	return Wrap(ErrCodeTransportFailure, "media negotiation failed", err)
}

func IllegalTransition(from, to string) *AppError {
	return New(ErrCodeInvalidTransition, fmt.Sprintf("cannot move call from %s to %s", from, to))
}

func AlreadySet(field string) *AppError {
	return New(ErrCodeConflict, field+" already set")
}

func Forbidden(message string) *AppError {
	return New(ErrCodeForbidden, message)
}

// Status returns the HTTP status to report for err
func Status(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}

// Message returns the client-facing message for err
func Message(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "Internal server error"
}
