package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")

	// ErrAlreadyExists is returned by a store when an atomic create finds a
	// record with the same name.
	ErrAlreadyExists = errors.New("ref already exists")
	// ErrNotFound is returned by a store when the named record does not exist.
	ErrNotFound = errors.New("ref not found")
)
