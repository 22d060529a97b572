package device

import "errors"

var (
	// ErrResourceReleased is returned when a released resource is used.
	ErrResourceReleased = errors.New("device: resource released")

	// ErrDeviceNotFound is returned by Set.Get for unknown IDs.
	ErrDeviceNotFound = errors.New("device: device not found")

	// ErrNoDevices is returned when a selection yields no device at all.
	ErrNoDevices = errors.New("device: no devices available")
)
