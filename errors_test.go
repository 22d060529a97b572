package pipeflow

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestDeviceErrorUnwrap(t *testing.T) {
	err := fmt.Errorf("create image: %w", &DeviceError{Device: "accel-0", Op: "CreateImage", Err: ErrDeviceOutOfMemory})

	if !errors.Is(err, ErrDeviceOutOfMemory) {
		t.Errorf("errors.Is(%v, ErrDeviceOutOfMemory) = false, want true", err)
	}
	var de *DeviceError
	if !errors.As(err, &de) {
		t.Fatalf("errors.As(%v, *DeviceError) = false", err)
	}
	if de.Device != "accel-0" {
		t.Errorf("Device = %q, want %q", de.Device, "accel-0")
	}
	if !strings.Contains(err.Error(), "CreateImage") {
		t.Errorf("Error() = %q, want it to name the operation", err.Error())
	}
}

func TestSentinelsDistinct(t *testing.T) {
	all := []error{
		ErrDeviceOutOfMemory, ErrMissingInput, ErrAccessConflict, ErrShapeMismatch,
		ErrUnsupportedCapability, ErrEndOfStream, ErrCycleDetected, ErrClosed,
	}
	for i, a := range all {
		for j, b := range all {
			if i != j && errors.Is(a, b) {
				t.Errorf("errors.Is(%v, %v) = true, want false", a, b)
			}
		}
	}
}
