// Package quorum provides a Go client for the Quorum decision API.
package quorum

import (
	"errors"
	"fmt"
)

// Error represents an error from the Quorum API with the HTTP status code
// and the server's error message.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("quorum: api error (%d): %s", e.StatusCode, e.Message)
}

// ErrStaleWrite is returned when a conditional update fails on a version
// conflict, the client refetches and retries once, and the retry fails on
// a version conflict again. The caller's view is too far behind to resolve
// automatically; refetch and start over.
var ErrStaleWrite = errors.New("quorum: write lost twice to concurrent versions")

// IsConflict returns true if the error is a 409 version conflict.
func IsConflict(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 409
	}
	return false
}

// IsLocked returns true if the error is a 423 (decision locked).
func IsLocked(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 423
	}
	return false
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 404
	}
	return false
}

// IsUnauthorized returns true if the error is a 401.
func IsUnauthorized(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 401
	}
	return false
}

// IsForbidden returns true if the error is a 403.
func IsForbidden(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 403
	}
	return false
}
