package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Standard error types
var (
	ErrNotFound          = errors.New("resource not found")
	ErrBadRequest        = errors.New("bad request")
	ErrConflict          = errors.New("resource conflict")
	ErrInternal          = errors.New("internal server error")
	ErrValidation        = errors.New("validation error")
	ErrRunInProgress     = errors.New("another MRP run is in progress")
	ErrCircularReference = errors.New("circular BOM reference")
	ErrMaxDepthExceeded  = errors.New("maximum BOM depth exceeded")
	ErrNoActiveBOM       = errors.New("no active BOM")
)

// AppError represents an application error with context
type AppError struct {
	Err        error             `json:"-"`
	Message    string            `json:"message"`
	Code       string            `json:"code"`
	StatusCode int               `json:"status_code"`
	Details    map[string]string `json:"details,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError
func New(code string, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, code string, message string, statusCode int) *AppError {
	return &AppError{
		Err:        err,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// WithDetails adds details to an AppError
func (e *AppError) WithDetails(details map[string]string) *AppError {
	e.Details = details
	return e
}

// Common error constructors

func NotFound(resource string) *AppError {
	return &AppError{
		Err:        ErrNotFound,
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found", resource),
		StatusCode: http.StatusNotFound,
	}
}

func BadRequest(message string) *AppError {
	return &AppError{
		Err:        ErrBadRequest,
		Code:       "BAD_REQUEST",
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

func Conflict(message string) *AppError {
	return &AppError{
		Err:        ErrConflict,
		Code:       "CONFLICT",
		Message:    message,
		StatusCode: http.StatusConflict,
	}
}

func Internal(message string) *AppError {
	return &AppError{
		Err:        ErrInternal,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

func Validation(details map[string]string) *AppError {
	return &AppError{
		Err:        ErrValidation,
		Code:       "VALIDATION_ERROR",
		Message:    "validation failed",
		StatusCode: http.StatusBadRequest,
		Details:    details,
	}
}

// RunInProgress signals that the per-tenant run lock is already held.
func RunInProgress(tenantID string) *AppError {
	return &AppError{
		Err:        ErrRunInProgress,
		Code:       "RUN_IN_PROGRESS",
		Message:    "another MRP run is already in progress for this tenant",
		StatusCode: http.StatusConflict,
		Details:    map[string]string{"tenant_id": tenantID},
	}
}

// CircularReference signals a BOM cycle detected during explosion.
func CircularReference(bomID string) *AppError {
	return &AppError{
		Err:        ErrCircularReference,
		Code:       "CIRCULAR_BOM_REFERENCE",
		Message:    fmt.Sprintf("circular reference detected in BOM %s", bomID),
		StatusCode: http.StatusUnprocessableEntity,
		Details:    map[string]string{"bom_id": bomID},
	}
}

// MaxDepthExceeded signals that BOM explosion recursed past the depth guard.
func MaxDepthExceeded(bomID string, maxDepth int) *AppError {
	return &AppError{
		Err:        ErrMaxDepthExceeded,
		Code:       "MAX_BOM_DEPTH_EXCEEDED",
		Message:    fmt.Sprintf("BOM %s exceeds maximum explosion depth of %d", bomID, maxDepth),
		StatusCode: http.StatusUnprocessableEntity,
		Details:    map[string]string{"bom_id": bomID},
	}
}

// NoActiveBOM signals a make-product without a default active BOM.
func NoActiveBOM(productID string) *AppError {
	return &AppError{
		Err:        ErrNoActiveBOM,
		Code:       "NO_ACTIVE_BOM",
		Message:    fmt.Sprintf("product %s has no default active BOM", productID),
		StatusCode: http.StatusUnprocessableEntity,
		Details:    map[string]string{"product_id": productID},
	}
}

// Is checks if the error matches a target error
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As attempts to convert an error to a specific type
func As(err error, target any) bool {
	return errors.As(err, target)
}
