package cache

import (
	"errors"
	"fmt"
)

// QuotaExceededError is returned by Put when the persistence layer itself
// rejects the write for lack of space. The cache never raises it on its own
// from warning/critical signals.
type QuotaExceededError struct {
	Key string
	Err error
}

// Error implements the error interface.
func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("storage quota exceeded writing %s: %v", e.Key, e.Err)
}

// Unwrap returns the backend error.
func (e *QuotaExceededError) Unwrap() error {
	return e.Err
}

// IsQuotaExceeded returns true if the error is a QuotaExceededError.
// Uses errors.As to handle wrapped errors.
func IsQuotaExceeded(err error) bool {
	var qe *QuotaExceededError
	return errors.As(err, &qe)
}
