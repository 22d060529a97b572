package device

import (
	"fmt"

	"github.com/gogpu/gpucontext"

	"github.com/gogpu/pipeflow"
)

// Emulated is an accelerator device backed by process memory. It has its
// own memory budget, capability table and command queue, which makes it a
// faithful stand-in for a GPU in pipelines and tests that must exercise
// host/device conversions without hardware.
//
// Resources of an Emulated device are HostVisible so CPU kernels can run
// inside submitted Work.
type Emulated struct {
	*memDevice
	peerCopy bool
}

// NewEmulated creates an emulated accelerator. Defaults: ID "emulated",
// DefaultBudgetBytes and AcceleratorCapabilities.
func NewEmulated(opts ...Option) *Emulated {
	cfg := buildConfig(config{
		id:   "emulated",
		name: "Emulated accelerator",
		caps: AcceleratorCapabilities(),
	}, opts)
	return &Emulated{
		memDevice: newMemDevice(Info{
			ID:      cfg.id,
			Name:    cfg.name,
			Kind:    KindAccelerator,
			Adapter: gpucontext.AdapterInfo{Name: cfg.name, Type: gpucontext.AdapterTypeSoftware},
		}, cfg),
		peerCopy: !cfg.noPeerCopy,
	}
}

// CopyResource copies src into dst on the device queue. dst must belong to
// this device; src may belong to this device or to another Emulated device.
// Host resources are refused so callers use Upload instead.
func (e *Emulated) CopyResource(dst, src Resource) error {
	if !e.peerCopy {
		return e.fail("CopyResource", pipeflow.ErrUnsupportedCapability)
	}
	out, err := e.owned(dst)
	if err != nil {
		return e.fail("CopyResource", err)
	}
	if src == nil || src.DeviceID() == HostID || IsReleased(src) {
		return e.fail("CopyResource", fmt.Errorf("%w: source is not accelerator memory", pipeflow.ErrUnsupportedCapability))
	}
	in := memBytes(src)
	if in == nil {
		return e.fail("CopyResource", fmt.Errorf("%w: source %T", pipeflow.ErrUnsupportedCapability, src))
	}
	if err := e.queue.Do(func() error {
		copy(out, in)
		return nil
	}); err != nil {
		return e.fail("CopyResource", err)
	}
	return nil
}
