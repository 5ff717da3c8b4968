package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
)

// ErrNetworkUnreachable means the request never reached the server. The
// mutation was not transmitted and must not be charged a retry.
var ErrNetworkUnreachable = errors.New("network unreachable")

// ErrNotFound is returned by Fetch when the server has no such record.
var ErrNotFound = errors.New("record not found")

// Error is a transport failure with a retry classification.
type Error struct {
	Op         string
	StatusCode int
	Retryable  bool
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a transient transport failure.
// Deadline expiry counts as transient.
func IsRetryable(err error) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Retryable
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// VersionConflictError reports that the server's current version of the
// record is newer than the version the mutation was based on.
type VersionConflictError struct {
	Current ServerRecord
}

// Error implements the error interface.
func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: server at version %d", e.Current.Key(), e.Current.Version)
}

// AsVersionConflict extracts a VersionConflictError from err.
func AsVersionConflict(err error) (*VersionConflictError, bool) {
	var vc *VersionConflictError
	if errors.As(err, &vc) {
		return vc, true
	}
	return nil, false
}

// StatusError classifies an HTTP-style status code. 408, 429 and 5xx are
// retryable; other 4xx are not.
func StatusError(op string, status int, msg string) *Error {
	if msg == "" {
		msg = http.StatusText(status)
	}
	retryable := status >= 500 || status == http.StatusRequestTimeout || status == http.StatusTooManyRequests
	return &Error{Op: op, StatusCode: status, Retryable: retryable, Err: errors.New(msg)}
}

// classifyNetError maps dial failures to ErrNetworkUnreachable and other
// network errors to retryable transport errors.
func classifyNetError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Op: op, Retryable: true, Err: err}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return fmt.Errorf("%s: %w: %v", op, ErrNetworkUnreachable, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return fmt.Errorf("%s: %w: %v", op, ErrNetworkUnreachable, err)
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.EHOSTUNREACH) {
		return fmt.Errorf("%s: %w: %v", op, ErrNetworkUnreachable, err)
	}
	// Connection resets, read timeouts and the like: the request may have
	// reached the server, so it is retried rather than left untouched.
	return &Error{Op: op, Retryable: true, Err: err}
}
