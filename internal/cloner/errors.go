package cloner

import (
	"errors"
	"fmt"
)

var (
	ErrNotPrimaryOrSecondary = errors.New("sync source is neither primary nor secondary")
	ErrSyncSourceRemoved     = errors.New("sync source removed from the replication configuration")
	ErrAdminDatabaseInvalid  = errors.New("admin database is invalid")
	ErrInitialSyncCancelled  = errors.New("initial sync attempt cancelled")

	// Stage errors wrapping these are not retried.
	ErrAuthenticationRejected = errors.New("authentication rejected by sync source")
	ErrMalformedReply         = errors.New("malformed command reply")
)

func isNonRetryable(err error) bool {
	return errors.Is(err, ErrSyncSourceRemoved) ||
		errors.Is(err, ErrAuthenticationRejected) ||
		errors.Is(err, ErrMalformedReply)
}

// NotPrimaryOrSecondaryError is returned by the sync source validity check.
// Removed distinguishes a source that is no longer a configured member
// (permanent, cancels the attempt) from one that is only between states.
type NotPrimaryOrSecondaryError struct {
	Source  string
	Removed bool
	Cause   error
}

func (e *NotPrimaryOrSecondaryError) Error() string {
	var msg string
	if e.Removed {
		msg = fmt.Sprintf("sync source %s has been removed from the replication configuration", e.Source)
	} else {
		msg = fmt.Sprintf("cannot connect because sync source %s is neither primary nor secondary", e.Source)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *NotPrimaryOrSecondaryError) Unwrap() []error {
	errs := []error{ErrNotPrimaryOrSecondary}
	if e.Removed {
		errs = append(errs, ErrSyncSourceRemoved)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// cancelledError reports that the attempt was cancelled by a failure
// recorded elsewhere.
func cancelledError(status error) error {
	return fmt.Errorf("%w: %w", ErrInitialSyncCancelled, status)
}
