package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned when input is malformed and nothing was created
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when a job or image cannot be found
	ErrNotFound = errors.New("not found")

	// ErrNotProcessed is returned when an asset URL is requested before the upload finished
	ErrNotProcessed = errors.New("image not processed yet")

	// ErrAlreadyTerminal is returned when a conditional transition finds the record
	// already completed or failed
	ErrAlreadyTerminal = errors.New("record already in terminal state")
)

// ValidationError describes which input field was rejected
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// Unwrap lets errors.Is(err, ErrValidation) match
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NewValidationError creates a new validation error for field
func NewValidationError(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
