package store

import "errors"

var (
	// ErrSessionNotFound is returned by reads and updates that reference an
	// absent session id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionDeleted is returned when a mutation targets a soft-deleted
	// session. Deleted sessions stay readable for audit.
	ErrSessionDeleted = errors.New("session deleted")

	// ErrDuplicateSession is returned on create when the caller-supplied id
	// already exists.
	ErrDuplicateSession = errors.New("session id already exists")

	// ErrUnknownSession is returned by event appends referencing a
	// nonexistent or deleted session.
	ErrUnknownSession = errors.New("event references unknown session")

	// ErrRevisionConflict is returned by UpdateState when the expected
	// revision no longer matches the stored one. Callers re-read and retry.
	ErrRevisionConflict = errors.New("session revision conflict")

	// ErrUnavailable wraps transient backing-store failures. The store does
	// not retry; retry policy belongs to the service layer.
	ErrUnavailable = errors.New("storage unavailable")
)
