package device

import (
	"errors"
	"testing"

	"github.com/gogpu/pipeflow"
)

func TestSetAddsHost(t *testing.T) {
	acc := NewEmulated()
	s := NewSet(acc)
	defer s.Close()

	if s.Host() == nil || s.Host().Info().Kind != KindHost {
		t.Fatal("NewSet should provide a host device")
	}
	if s.Default() != Device(acc) {
		t.Errorf("Default() = %v, want the accelerator", s.Default().Info().ID)
	}
	if got := len(s.All()); got != 2 {
		t.Errorf("len(All()) = %d, want 2", got)
	}
	if d, err := s.Get("emulated"); err != nil || d != Device(acc) {
		t.Errorf("Get(emulated) = %v, %v", d, err)
	}
	if _, err := s.Get("missing"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrDeviceNotFound", err)
	}
}

func TestSetDefaultHostOnly(t *testing.T) {
	s := NewSet()
	defer s.Close()
	if s.Default() != s.Host() {
		t.Error("Default() of a host-only set should be the host")
	}
}

func TestSetDuplicateIDPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("NewSet with duplicate IDs should panic")
		}
	}()
	NewSet(NewEmulated(), NewEmulated())
}

func TestSetClose(t *testing.T) {
	s := NewSet(NewEmulated())
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := s.Default().Submit(func() error { return nil }); !errors.Is(err, pipeflow.ErrClosed) {
		t.Errorf("Submit() on closed set device = %v, want ErrClosed", err)
	}
}

func TestSelector(t *testing.T) {
	sel := DefaultSelector()
	broken := errors.New("no adapter")
	sel.Register("wgpu", func() (Device, error) { return nil, broken })

	set, err := sel.Select("wgpu", "emulated")
	if set == nil {
		t.Fatal("Select() returned nil set")
	}
	defer set.Close()

	if !errors.Is(err, broken) {
		t.Errorf("Select() error = %v, want it to report %v", err, broken)
	}
	var de *pipeflow.DeviceError
	if !errors.As(err, &de) || de.Device != "wgpu" {
		t.Errorf("Select() error = %v, want DeviceError for wgpu", err)
	}
	if set.Default().Info().ID != "emulated" {
		t.Errorf("Default() = %q, want emulated", set.Default().Info().ID)
	}
}

func TestSelectorBest(t *testing.T) {
	sel := DefaultSelector()
	set, err := sel.Select()
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	defer set.Close()
	if set.Default().Info().ID != "emulated" {
		t.Errorf("best device = %q, want emulated", set.Default().Info().ID)
	}

	if _, err := sel.Open("nope"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Open(nope) error = %v, want ErrDeviceNotFound", err)
	}
	sel.Unregister("emulated")
	sel.Unregister(HostID)
	if _, err := sel.Select(); !errors.Is(err, ErrNoDevices) {
		t.Errorf("Select() on empty selector = %v, want ErrNoDevices", err)
	}
}
