package migrator

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrLockRecordMissing is returned when the lock record was never created.
	ErrLockRecordMissing = errors.New("could not find lock document")

	// ErrEmptyResponse is returned when a procedure round yields no body.
	ErrEmptyResponse = errors.New("received empty response object")
	// ErrEmptyStatus is returned when the response carries no status.
	ErrEmptyStatus = errors.New("received empty response status")
	// ErrInvalidStatus is returned for a status other than DONE, ERROR or CONTINUE.
	ErrInvalidStatus = errors.New("invalid response status")
	// ErrMalformedResponse is returned when a response field has the wrong type.
	ErrMalformedResponse = errors.New("malformed response object")

	// ErrRoundLimit is returned when a procedure exceeds the configured round limit.
	ErrRoundLimit = errors.New("procedure round limit exceeded")
)

// LockAcquisitionError means another run holds the migration lock.
type LockAcquisitionError struct {
	Collection string
	Err        error
}

func (e *LockAcquisitionError) Error() string {
	return fmt.Sprintf("migration table %s is already locked", e.Collection)
}

func (e *LockAcquisitionError) Unwrap() error { return e.Err }

// CorruptLedgerError lists completed migrations missing from the migration directory.
type CorruptLedgerError struct {
	Missing []string
}

func (e *CorruptLedgerError) Error() string {
	return "the migration directory is corrupt, the following files are missing: " + strings.Join(e.Missing, ", ")
}

// StructuralValidationError names a malformed migration descriptor.
type StructuralValidationError struct {
	Name   string
	Reason string
	Err    error
}

func (e *StructuralValidationError) Error() string {
	msg := fmt.Sprintf("invalid migration: %s %s", e.Name, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StructuralValidationError) Unwrap() error { return e.Err }

// ResourceResolutionError means a migration target database or collection is absent.
type ResourceResolutionError struct {
	Kind      string
	ID        string
	Migration string
}

func (e *ResourceResolutionError) Error() string {
	return fmt.Sprintf("could not find %s %s for migration %s", e.Kind, e.ID, e.Migration)
}

// DuplicateLedgerEntryError is returned when the store rejects a ledger insert.
type DuplicateLedgerEntryError struct {
	Name string
	Err  error
}

func (e *DuplicateLedgerEntryError) Error() string {
	return fmt.Sprintf("migration %s is already recorded: %v", e.Name, e.Err)
}

func (e *DuplicateLedgerEntryError) Unwrap() error { return e.Err }

// RemoteProtocolError wraps a fatal response from a remote procedure.
// Err is one of ErrEmptyResponse, ErrEmptyStatus, ErrInvalidStatus or
// ErrMalformedResponse.
type RemoteProtocolError struct {
	Migration string
	Round     int
	Status    string
	Err       error
}

func (e *RemoteProtocolError) Error() string {
	msg := fmt.Sprintf("migration %s round %d: %v", e.Migration, e.Round, e.Err)
	if e.Status != "" {
		msg += fmt.Sprintf(" %q", e.Status)
	}
	return msg
}

func (e *RemoteProtocolError) Unwrap() error { return e.Err }
