// Package apperr defines the error taxonomy shared by services, workers and handlers.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for common failure scenarios.
var (
	// ErrNotFound covers absent rows and rows owned by another tenant.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates the target is not in a state that allows the operation.
	ErrConflict = errors.New("conflict")
	// ErrInvalidID indicates a malformed or zero identifier.
	ErrInvalidID = errors.New("invalid id")
)

// ValidationError represents a rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
}

// Validation builds a ValidationError for field.
func Validation(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// Required builds the ValidationError used for missing fields.
func Required(field string) error {
	return &ValidationError{Field: field, Message: "is required"}
}

// NotFound wraps ErrNotFound with the missing entity name.
func NotFound(entity string) error {
	return fmt.Errorf("%s %w", entity, ErrNotFound)
}

// Conflict wraps ErrConflict with a reason.
func Conflict(reason string) error {
	return fmt.Errorf("%w: %s", ErrConflict, reason)
}

// IsNotFound reports whether err is a not found error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err is a conflict error.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsValidation reports whether err is a validation or invalid identifier error.
func IsValidation(err error) bool {
	if errors.Is(err, ErrInvalidID) {
		return true
	}
	var v *ValidationError
	return errors.As(err, &v)
}

// HTTPStatus maps err to the status code returned by the admin API.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsValidation(err):
		return http.StatusBadRequest
	case IsNotFound(err):
		return http.StatusNotFound
	case IsConflict(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
