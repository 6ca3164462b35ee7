package api

import (
	"net/http"

	"github.com/rotor-ads/rotor/internal/leaseengine"
)

// Stable error codes surfaced to clients.
const (
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeForbidden       = "FORBIDDEN"
	CodeValidationError = "VALIDATION_ERROR"
	CodeNotFound        = "NOT_FOUND"
	CodeInternalError   = "INTERNAL_ERROR"
)

// ServiceError is an API-visible failure with a stable code.
type ServiceError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	status  int
}

func (e *ServiceError) Error() string { return e.Code + ": " + e.Message }

func serviceError(status int, code, message string) *ServiceError {
	return &ServiceError{Code: code, Message: message, status: status}
}

func validationError(message string) *ServiceError {
	return serviceError(http.StatusBadRequest, CodeValidationError, message)
}

var codeStatus = map[string]int{
	CodeValidationError: http.StatusBadRequest,
	"PENDING_IMPORT":    http.StatusConflict,
	"NO_STOCK":          http.StatusConflict,
	"LEASE_NOT_FOUND":   http.StatusNotFound,
	"LEASE_EXPIRED":     http.StatusGone,
	CodeUnauthorized:    http.StatusUnauthorized,
	CodeForbidden:       http.StatusForbidden,
	CodeNotFound:        http.StatusNotFound,
	CodeInternalError:   http.StatusInternalServerError,
}

// engineError translates a lease engine failure into a ServiceError without
// leaking internals: unknown errors collapse to INTERNAL_ERROR.
func engineError(err error) *ServiceError {
	code := leaseengine.Code(err)
	status, ok := codeStatus[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	message := err.Error()
	if code == CodeInternalError {
		message = "internal error"
	}
	return serviceError(status, code, message)
}
