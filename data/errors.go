package data

import "errors"

var (
	// ErrNoRepresentation is returned when reading an object that holds no data.
	ErrNoRepresentation = errors.New("data: object has no representation")

	// ErrDynamicAccess is returned when accessing a dynamic object directly.
	// Fetch a frame with NextFrame instead.
	ErrDynamicAccess = errors.New("data: dynamic object has no storage of its own")
)
