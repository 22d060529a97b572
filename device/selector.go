package device

import (
	"errors"
	"fmt"

	"github.com/gogpu/gpucontext"

	"github.com/gogpu/pipeflow"
)

// Opener creates a device. It is the unit registered with a Selector.
type Opener func() (Device, error)

// Selector is a device-selection policy: named device openers ranked by
// priority. It is the only place that decides which devices a process uses;
// pipelines only ever see the resulting Set.
type Selector struct {
	registry *gpucontext.Registry[Opener]
}

// NewSelector creates a selector whose Best choice follows priority order.
func NewSelector(priority ...string) *Selector {
	return &Selector{registry: gpucontext.NewRegistry[Opener](gpucontext.WithPriority(priority...))}
}

// DefaultSelector knows the host and the emulated accelerator. Accelerator
// backends such as wgpudev register themselves on top.
func DefaultSelector() *Selector {
	s := NewSelector("wgpu", "emulated", HostID)
	s.Register(HostID, func() (Device, error) { return NewHost(), nil })
	s.Register("emulated", func() (Device, error) { return NewEmulated(), nil })
	return s
}

// Register adds or replaces an opener.
func (s *Selector) Register(name string, open Opener) {
	s.registry.Register(name, func() Opener { return open })
}

// Unregister removes an opener.
func (s *Selector) Unregister(name string) {
	s.registry.Unregister(name)
}

// Available returns the registered opener names.
func (s *Selector) Available() []string {
	return s.registry.Available()
}

// Open opens a single named device.
func (s *Selector) Open(name string) (Device, error) {
	if !s.registry.Has(name) {
		return nil, fmt.Errorf("%w: %q", ErrDeviceNotFound, name)
	}
	d, err := s.registry.Get(name)()
	if err != nil {
		return nil, &pipeflow.DeviceError{Device: name, Op: "Open", Err: err}
	}
	return d, nil
}

// Select opens the named devices and groups them into a Set. Devices that
// fail to open are skipped; their errors are returned alongside the Set so
// the caller can report them. Falling back to host is the caller's policy:
// the Set always carries a host device.
//
// With no names, the highest priority opener is used.
func (s *Selector) Select(names ...string) (*Set, error) {
	if len(names) == 0 {
		best := s.registry.BestName()
		if best == "" {
			return nil, ErrNoDevices
		}
		names = []string{best}
	}

	var (
		devices []Device
		errs    []error
	)
	for _, name := range names {
		d, err := s.Open(name)
		if err != nil {
			pipeflow.Logger().Warn("device: open failed", "name", name, "err", err)
			errs = append(errs, err)
			continue
		}
		devices = append(devices, d)
	}
	return NewSet(devices...), errors.Join(errs...)
}
