// Package device defines the execution device contract used by pipeflow
// and ships two implementations: the host device and an emulated
// accelerator with its own memory budget and capability table.
//
// A WebGPU-backed accelerator lives in the wgpudev sub-package.
//
// Devices are created by a selection policy ([Selector]) and grouped into an
// explicit [Set] that is passed to pipeline construction. There is no
// process-wide device registry.
package device

import (
	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
)

// Kind distinguishes host memory from an accelerator context.
type Kind uint8

const (
	// KindHost is plain process memory; uploads and downloads are copies.
	KindHost Kind = iota
	// KindAccelerator is a compute device with its own resident memory.
	KindAccelerator
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindHost:
		return "host"
	case KindAccelerator:
		return "accelerator"
	default:
		return "unknown"
	}
}

// Info describes a device.
type Info struct {
	// ID is unique within a Set and stable for the life of the device.
	ID string
	// Name is a human readable description.
	Name string
	Kind Kind
	// Adapter describes the physical adapter behind an accelerator.
	Adapter gpucontext.AdapterInfo
}

// Resource is memory owned by one device.
// Release is idempotent; the resource must not be used afterwards.
type Resource interface {
	DeviceID() string
	Size() uint64
	Release()
}

// Buffer is a linear device resource.
type Buffer interface {
	Resource
	Usage() gputypes.BufferUsage
}

// Image is a multi-dimensional device resource with a texel format.
type Image interface {
	Resource
	Extent() gputypes.Extent3D
	Dimension() gputypes.TextureDimension
	Format() gputypes.TextureFormat
	Usage() gputypes.TextureUsage
}

// HostVisible is implemented by resources whose bytes can be addressed
// directly by CPU code. On accelerators this is only legal from inside a
// submitted Work function.
type HostVisible interface {
	Contents() []byte
}

// HostMemoryDevice is implemented by devices whose resources are all
// HostVisible.
type HostMemoryDevice interface {
	HostMemory() bool
}

// IsHostMemory reports whether every resource of dev is HostVisible.
func IsHostMemory(dev Device) bool {
	hm, ok := dev.(HostMemoryDevice)
	return ok && hm.HostMemory()
}

// Work is a unit of device work submitted to a command queue.
type Work func() error

// Device is an execution device: the host or one accelerator context.
//
// Submissions run in submission order on the device queue. Callers that
// share resources across submissions rely on that ordering and on access
// guards, not on external locks.
type Device interface {
	Info() Info
	Capabilities() *Capabilities

	// CreateBuffer allocates a linear buffer. It fails with
	// pipeflow.ErrDeviceOutOfMemory when the budget or limits are exceeded.
	CreateBuffer(size uint64, usage gputypes.BufferUsage) (Buffer, error)

	// CreateImage allocates an image. It fails with
	// pipeflow.ErrUnsupportedCapability when the format and usage combination
	// is not supported, and with pipeflow.ErrDeviceOutOfMemory when the
	// budget or limits are exceeded.
	CreateImage(size gputypes.Extent3D, format gputypes.TextureFormat, usage gputypes.TextureUsage) (Image, error)

	// SupportsFormat reports whether images of the given dimension and format
	// can be created with usage. It never fails.
	SupportsFormat(dim gputypes.TextureDimension, format gputypes.TextureFormat, usage gputypes.TextureUsage) bool

	Submit(w Work) error

	// Finish blocks until all submitted work has run and returns the first
	// work error observed since the previous Finish.
	Finish() error

	// Upload copies host bytes into a resource of this device. Blocking.
	Upload(dst Resource, src []byte) error

	// Download copies a resource of this device into host bytes. Outstanding
	// work is finished first. Blocking.
	Download(src Resource, dst []byte) error

	Close() error
}

// PeerCopier is implemented by devices that can copy between two of their
// own resources, or from a peer device, without staging through host memory.
// CopyResource returns pipeflow.ErrUnsupportedCapability when it cannot
// handle the pair, so the caller can stage instead.
type PeerCopier interface {
	CopyResource(dst, src Resource) error
}
