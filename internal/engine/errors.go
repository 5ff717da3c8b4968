package engine

import (
	"errors"
	"fmt"
)

// ErrOffline is returned by Sync while the engine is marked offline.
var ErrOffline = errors.New("engine is offline")

// ErrNotCached is returned by Fetch when the record is not cached and
// cannot be fetched.
var ErrNotCached = errors.New("record not cached")

// PassError reports why a sync pass ended in Failed.
type PassError struct {
	// Phase is the state the pass was in when it failed.
	Phase State

	// MutationID identifies the mutation being handled, if any.
	MutationID string

	Err error
}

// Error implements the error interface.
func (e *PassError) Error() string {
	if e.MutationID != "" {
		return fmt.Sprintf("sync pass failed while %s (mutation=%s): %v", e.Phase, e.MutationID, e.Err)
	}
	return fmt.Sprintf("sync pass failed while %s: %v", e.Phase, e.Err)
}

// Unwrap returns the underlying cause.
func (e *PassError) Unwrap() error {
	return e.Err
}

// IsPassError returns true if the error is a PassError.
// Uses errors.As to handle wrapped errors.
func IsPassError(err error) bool {
	var pe *PassError
	return errors.As(err, &pe)
}
