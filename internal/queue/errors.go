package queue

import (
	"errors"
	"fmt"

	"github.com/roach88/tether/internal/record"
)

// NotFoundError is returned when an operation names a mutation that is not
// in the queue.
type NotFoundError struct {
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("mutation %s not found", e.ID)
}

// IsNotFound returns true if the error is a NotFoundError.
// Uses errors.As to handle wrapped errors.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// StateError is returned when an operation is not valid for the
// mutation's current status (e.g. resubmitting a pending mutation).
type StateError struct {
	ID     string
	Op     string
	Status record.Status
}

// Error implements the error interface.
func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s mutation %s in status %s", e.Op, e.ID, e.Status)
}

// IsStateError returns true if the error is a StateError.
func IsStateError(err error) bool {
	var se *StateError
	return errors.As(err, &se)
}
