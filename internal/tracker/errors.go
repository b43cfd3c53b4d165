package tracker

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors shared across subsystems.
var (
	// ErrTransient marks a retryable network-level failure.
	ErrTransient = errors.New("transient network error")
	// ErrNotAuthenticated is returned when an operation needs an authenticated session.
	ErrNotAuthenticated = errors.New("session is not authenticated")
	// ErrLoginTimeout is returned when the challenge was not completed in time.
	ErrLoginTimeout = errors.New("login timed out waiting for challenge completion")
	// ErrAlreadyInProgress is returned when a login attempt is already underway.
	ErrAlreadyInProgress = errors.New("login already in progress")
	// ErrNoActiveChallenge is returned when a code is submitted without a pending challenge.
	ErrNoActiveChallenge = errors.New("no active challenge")
	// ErrNotFound is matched by NotFoundError via errors.Is.
	ErrNotFound = errors.New("not found")
	// ErrBatchInProgress is returned when a batch run is already active.
	ErrBatchInProgress = errors.New("batch run already in progress")
	// ErrElementNotFound is returned by drivers when a locator matches nothing.
	ErrElementNotFound = errors.New("element not found")
)

// TransientError wraps a retryable failure.
type TransientError struct {
	Op  string
	Err error
}

// Transient wraps err as a retryable failure of op. A nil err stays nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrTransient) match any TransientError.
func (e *TransientError) Is(target error) bool { return target == ErrTransient }

// Transient reports that the failure may succeed on retry.
func (e *TransientError) Transient() bool { return true }

// NotFoundError reports that a search exhausted every candidate.
type NotFoundError struct {
	Query    string
	Attempts []string
	Reason   string
}

func (e *NotFoundError) Error() string {
	msg := fmt.Sprintf("no match for %q after %d attempts [%s]", e.Query, len(e.Attempts), strings.Join(e.Attempts, ", "))
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Is lets errors.Is(err, ErrNotFound) match any NotFoundError.
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// SystemicError marks an infrastructure failure that aborts a whole batch run.
type SystemicError struct {
	Op  string
	Err error
}

// Systemic wraps err as a run-aborting failure of op. A nil err stays nil.
func Systemic(op string, err error) error {
	if err == nil {
		return nil
	}
	return &SystemicError{Op: op, Err: err}
}

func (e *SystemicError) Error() string {
	return fmt.Sprintf("systemic failure in %s: %v", e.Op, e.Err)
}

func (e *SystemicError) Unwrap() error { return e.Err }

// IsSystemic reports whether err (or anything it wraps) is a SystemicError.
func IsSystemic(err error) bool {
	var sys *SystemicError
	return errors.As(err, &sys)
}

// ValidationError reports bad caller input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
