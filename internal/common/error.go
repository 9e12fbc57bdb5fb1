// Package common defines shared sentinel errors used across the storage,
// migration and directory layers. Callers should use errors.Is to match
// these values.
package common

import "errors"

var (
	// Store-level errors.

	// ErrNotFound is returned by point lookups when no record exists.
	// Absence is a normal outcome, not a failure.
	ErrNotFound = errors.New("not found")

	// ErrContestedLock signals that an optimistic-locked write lost a race:
	// either the stored version no longer matched, or the underlying store
	// reported a concurrent write conflict. The caller must re-read and
	// retry; stores never retry this internally.
	ErrContestedLock = errors.New("contested optimistic lock")

	// ErrUniquenessViolation signals that a create tried to bind a UUID to
	// a login handle already owned by a different UUID. Not retryable
	// without picking a different identity.
	ErrUniquenessViolation = errors.New("login handle bound to different uuid")

	// Directory errors.

	// ErrDirectoryInconsistency signals that a client presented a directory
	// version the server never issued. Always a server-side error.
	ErrDirectoryInconsistency = errors.New("client directory version ahead of server")
)
