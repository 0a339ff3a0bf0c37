package storage

import "errors"

// Sentinel errors returned by storage methods. The HTTP layer maps these to
// distinct status codes so the SDK's conflict-retry policy can tell a stale
// write (409) apart from a locked decision (423) or a missing row (404).
var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrVersionConflict is returned when a conditional update's expected
	// version no longer matches the stored version.
	ErrVersionConflict = errors.New("storage: version conflict")

	// ErrLocked is returned when a mutation other than unlock targets a
	// locked decision.
	ErrLocked = errors.New("storage: decision is locked")

	// ErrConflictResolved is returned when resolving a conflict that has
	// already been resolved. Resolved conflicts are immutable.
	ErrConflictResolved = errors.New("storage: conflict already resolved")

	// ErrDuplicateEmail is returned when creating a user with an email
	// that already exists.
	ErrDuplicateEmail = errors.New("storage: email already registered")
)
