// Package storeerr defines the engine's canonical, closed error taxonomy.
//
// Errors the engine raises for these outcomes carry one of the sentinels
// as their juju/errors cause, recoverable with errors.Cause even after a
// subsystem has annotated it with context. Not every error the public API
// returns is mapped onto this set: key-encoding errors
// (codec.ErrInvalidKeyType), B-tree node errors and a buffer pool with no
// evictable frame reach the caller with their own cause, not Failure.
package storeerr

import (
	"errors"

	jerrors "github.com/juju/errors"
)

var (
	// DbExists is returned when creating an index whose name is already
	// registered.
	DbExists = errors.New("xkv: index already exists")
	// DbDoesNotExist is returned when opening or closing an unknown index
	// name or handle.
	DbDoesNotExist = errors.New("xkv: index does not exist")
	// KeyNotFound is an expected outcome of a miss on get/positionEq, not
	// a transaction-tainting error.
	KeyNotFound = errors.New("xkv: key not found")
	// EndOfIndex is an expected outcome of iterating past the last entry.
	EndOfIndex = errors.New("xkv: end of index")
	// EntryExists is returned when inserting a (key, payload) pair that
	// is already present.
	EntryExists = errors.New("xkv: entry already exists")
	// EntryDoesNotExist is returned by an exact-payload delete that finds
	// no matching pair.
	EntryDoesNotExist = errors.New("xkv: entry does not exist")
	// TxnDoesNotExist is returned for operations against an unknown or
	// already-terminated transaction handle.
	TxnDoesNotExist = errors.New("xkv: transaction does not exist")
	// Deadlock is returned to the victim of a detected wait-for cycle.
	// It is always recoverable by aborting and retrying; the engine never
	// retries on the caller's behalf.
	Deadlock = errors.New("xkv: deadlock detected")
	// Failure covers unrecoverable conditions (I/O errors, corrupt log).
	// Any transaction in progress when Failure occurs must abort.
	Failure = errors.New("xkv: internal failure")
)

// Is reports whether err's juju/errors cause is target. Subsystems wrap
// sentinels with errors.Annotatef/Trace, which loses == comparability but
// keeps the cause recoverable via jerrors.Cause.
func Is(err, target error) bool {
	if err == nil {
		return target == nil
	}
	return jerrors.Cause(err) == target
}

// AsFailure wraps a lower-level error (I/O, corruption) as a Failure whose
// cause chain still carries the original error for logging.
func AsFailure(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return jerrors.Annotatef(Failure, format+": %v", append(args, err)...)
}
