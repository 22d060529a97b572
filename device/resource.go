package device

import (
	"sync/atomic"

	"github.com/gogpu/gputypes"
)

// memResource is a resource backed by process memory. Host resources and
// emulated accelerator resources share it; only the owning device differs.
type memResource struct {
	device   string
	data     []byte
	budget   *MemoryBudget
	released atomic.Bool
}

func newMemResource(device string, size uint64, budget *MemoryBudget) memResource {
	return memResource{device: device, data: make([]byte, size), budget: budget}
}

func (r *memResource) DeviceID() string { return r.device }
func (r *memResource) Size() uint64     { return uint64(len(r.data)) }

// Contents returns the backing bytes.
func (r *memResource) Contents() []byte { return r.data }

// Release returns the memory to the device budget. Safe to call repeatedly.
func (r *memResource) Release() {
	if !r.released.CompareAndSwap(false, true) {
		return
	}
	if r.budget != nil {
		r.budget.Free(r.Size())
	}
}

// Released reports whether Release has been called.
func (r *memResource) Released() bool { return r.released.Load() }

type memBuffer struct {
	memResource
	usage gputypes.BufferUsage
}

func (b *memBuffer) Usage() gputypes.BufferUsage { return b.usage }

type memImage struct {
	memResource
	extent    gputypes.Extent3D
	dimension gputypes.TextureDimension
	format    gputypes.TextureFormat
	usage     gputypes.TextureUsage
}

func (i *memImage) Extent() gputypes.Extent3D            { return i.extent }
func (i *memImage) Dimension() gputypes.TextureDimension { return i.dimension }
func (i *memImage) Format() gputypes.TextureFormat       { return i.format }
func (i *memImage) Usage() gputypes.TextureUsage         { return i.usage }

// memBytes returns the backing bytes of a memory resource, or nil when r is
// not one.
func memBytes(r Resource) []byte {
	if hv, ok := r.(HostVisible); ok {
		return hv.Contents()
	}
	return nil
}

// IsReleased reports whether a resource created by a memory-backed device
// has been released. It returns false for other resources.
func IsReleased(r Resource) bool {
	if rr, ok := r.(interface{ Released() bool }); ok {
		return rr.Released()
	}
	return false
}
