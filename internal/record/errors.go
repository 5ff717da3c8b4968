package record

import (
	"errors"
	"fmt"
)

// ValidationError reports a malformed request rejected before it reaches
// durable state (e.g. an update without a record id).
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NewValidationError creates a ValidationError for field.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidationError returns true if the error is a ValidationError.
// Uses errors.As to handle wrapped errors.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ErrStorageFull is returned (wrapped) by persistence backends when the host
// storage rejects a write for lack of space.
var ErrStorageFull = errors.New("persistent storage full")
