package cfindex

import "errors"

var (
	// ErrInvalidRange is returned when a lookup is given a malformed
	// range: a negative start height, a start height above the stop
	// node's height, or a stop node whose ancestor chain doesn't reach
	// back to the start height.
	ErrInvalidRange = errors.New("invalid filter range")

	// ErrIncompleteRange is returned when a range lookup cannot resolve a
	// filter for every position in the requested span. No partial result
	// is ever returned alongside it.
	ErrIncompleteRange = errors.New("incomplete filter range")

	// ErrIndexAlreadyExists is returned by Registry.Init when an index
	// for the requested filter type is already registered.
	ErrIndexAlreadyExists = errors.New("filter index already exists")

	// ErrIndexNotFound is returned by Registry.Destroy when no index is
	// registered for the requested filter type.
	ErrIndexNotFound = errors.New("filter index not found")
)
