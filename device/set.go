package device

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"
)

// Set is an explicit group of devices handed to pipeline construction.
// Independent pipelines may use independent sets.
//
// A Set always contains a host device; NewSet creates one when none of the
// given devices is a host.
type Set struct {
	mu      sync.RWMutex
	devices []Device
	byID    map[string]Device
	host    Device
	closed  bool
}

// NewSet groups devices. IDs must be unique; a duplicate ID panics since it
// is a construction bug.
func NewSet(devices ...Device) *Set {
	s := &Set{byID: make(map[string]Device, len(devices)+1)}
	for _, d := range devices {
		s.add(d)
	}
	if s.host == nil {
		s.add(NewHost())
	}
	return s
}

func (s *Set) add(d Device) {
	id := d.Info().ID
	if _, dup := s.byID[id]; dup {
		panic(fmt.Sprintf("device: duplicate device id %q in set", id))
	}
	s.byID[id] = d
	s.devices = append(s.devices, d)
	if s.host == nil && d.Info().Kind == KindHost {
		s.host = d
	}
}

// Host returns the host device of the set.
func (s *Set) Host() Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.host
}

// Default returns the first accelerator of the set, or the host device.
func (s *Set) Default() Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.devices {
		if d.Info().Kind == KindAccelerator {
			return d
		}
	}
	return s.host
}

// Get returns the device with the given ID.
func (s *Set) Get(id string) (Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrDeviceNotFound, id)
	}
	return d, nil
}

// All returns the devices in insertion order.
func (s *Set) All() []Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Device, len(s.devices))
	copy(out, s.devices)
	return out
}

// Close closes every device and returns all close errors combined.
func (s *Set) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var err error
	for _, d := range s.devices {
		err = multierr.Append(err, d.Close())
	}
	return err
}
