package conflict

import (
	"errors"
	"fmt"

	"github.com/roach88/tether/internal/record"
)

// NotFoundError is returned when resolving an unknown conflict id.
type NotFoundError struct {
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("conflict %s not found", e.ID)
}

// IsNotFound returns true if the error is a NotFoundError.
// Uses errors.As to handle wrapped errors.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// AlreadyResolvedError is returned when resolving a conflict twice.
type AlreadyResolvedError struct {
	ID         string
	Resolution record.Resolution
}

// Error implements the error interface.
func (e *AlreadyResolvedError) Error() string {
	return fmt.Sprintf("conflict %s already resolved (%s)", e.ID, e.Resolution)
}

// IsAlreadyResolved returns true if the error is an AlreadyResolvedError.
func IsAlreadyResolved(err error) bool {
	var ar *AlreadyResolvedError
	return errors.As(err, &ar)
}
