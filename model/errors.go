package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest    = "BAD_REQUEST"
	ErrUnauthorized  = "UNAUTHORIZED"
	ErrForbidden     = "FORBIDDEN"
	ErrNotFound      = "NOT_FOUND"
	ErrInternalError = "INTERNAL_ERROR"
)

// Coordinator-specific error codes.
const (
	ErrInvalidTenant     = "INVALID_TENANT"
	ErrUnauthenticated   = "UNAUTHENTICATED"
	ErrUnknownConnection = "UNKNOWN_CONNECTION"
	ErrDeliveryFailure   = "DELIVERY_FAILURE"
	ErrDurableConflict   = "DURABLE_CONFLICT"
	ErrStaleProgress     = "STALE_PROGRESS"
	ErrInvalidTransition = "INVALID_TRANSITION"
)

// ErrorEnvelope is the error shape returned over HTTP and websocket frames.
// It implements the error interface.
type ErrorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsCode reports whether err is, or wraps, an ErrorEnvelope with the given code.
func IsCode(err error, code string) bool {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code == code
	}
	return false
}

// AsEnvelope returns the ErrorEnvelope carried by err, if any.
func AsEnvelope(err error) (*ErrorEnvelope, bool) {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// CodeOf returns the envelope code carried by err, or ErrInternalError.
func CodeOf(err error) string {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ErrInternalError
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewInvalidTenantError returns an INVALID_TENANT error.
func NewInvalidTenantError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidTenant, Message: msg}
}

// NewUnauthenticatedError returns an UNAUTHENTICATED error for operations
// attempted on a connection that has not authenticated yet.
func NewUnauthenticatedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthenticated, Message: msg}
}

// NewUnknownConnectionError returns an UNKNOWN_CONNECTION error.
func NewUnknownConnectionError(connectionID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrUnknownConnection,
		Message: fmt.Sprintf("connection %q is not registered", connectionID),
	}
}

// NewDeliveryFailureError returns a DELIVERY_FAILURE error.
func NewDeliveryFailureError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrDeliveryFailure, Message: msg}
}

// NewDurableConflictError returns a DURABLE_CONFLICT error. Durable sync treats
// it as success: the record is already present.
func NewDurableConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrDurableConflict, Message: msg}
}

// NewStaleProgressError returns a STALE_PROGRESS error.
func NewStaleProgressError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrStaleProgress, Message: msg}
}

// NewInvalidTransitionError returns an INVALID_TRANSITION error.
func NewInvalidTransitionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidTransition, Message: msg}
}
