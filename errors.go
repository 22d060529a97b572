package pipeflow

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every pipeflow package. Callers match with
// errors.Is; packages wrap these with context.
var (
	// ErrDeviceOutOfMemory is returned when a device cannot create a resource
	// within its memory budget or limits.
	ErrDeviceOutOfMemory = errors.New("pipeflow: device out of memory")

	// ErrMissingInput is returned when a node is pulled while a required
	// input port has nothing bound to it.
	ErrMissingInput = errors.New("pipeflow: missing input")

	// ErrAccessConflict is returned when an access guard would break the
	// single-writer / multi-reader rule of a representation. It indicates a
	// programming error and is never retried.
	ErrAccessConflict = errors.New("pipeflow: access conflict")

	// ErrShapeMismatch is returned when an algorithm receives data with
	// unexpected dimensions or channel count.
	ErrShapeMismatch = errors.New("pipeflow: shape mismatch")

	// ErrUnsupportedCapability is returned when a format or feature is absent
	// on a device. Callers are expected to have a fallback.
	ErrUnsupportedCapability = errors.New("pipeflow: unsupported capability")

	// ErrEndOfStream is the terminal signal of a stream source. Once observed,
	// every later pull returns it again.
	ErrEndOfStream = errors.New("pipeflow: end of stream")

	// ErrCycleDetected is returned when connecting two nodes would make the
	// graph cyclic.
	ErrCycleDetected = errors.New("pipeflow: cycle detected")

	// ErrClosed is returned when operating on a closed device, node or source.
	ErrClosed = errors.New("pipeflow: closed")
)

// DeviceError reports which device failed, during which operation, and why.
type DeviceError struct {
	Device string
	Op     string
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("pipeflow: device %s: %s: %v", e.Device, e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }
