package wgpudev

import (
	"sync/atomic"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu"

	"github.com/gogpu/pipeflow/device"
)

type resource struct {
	device   string
	size     uint64
	alloc    uint64
	budget   *device.MemoryBudget
	released atomic.Bool
}

func (r *resource) DeviceID() string { return r.device }
func (r *resource) Size() uint64     { return r.size }
func (r *resource) Released() bool   { return r.released.Load() }

func (r *resource) free() bool {
	if !r.released.CompareAndSwap(false, true) {
		return false
	}
	r.budget.Free(r.alloc)
	return true
}

// Buffer is a GPU buffer. Its allocation is padded to a multiple of four
// bytes; Size reports the requested size.
type Buffer struct {
	resource
	buf   *wgpu.Buffer
	usage gputypes.BufferUsage
}

func (b *Buffer) Usage() gputypes.BufferUsage { return b.usage }

func (b *Buffer) Release() {
	if b.free() {
		b.buf.Release()
	}
}

// Image is a GPU texture with a single mip level.
type Image struct {
	resource
	tex       *wgpu.Texture
	extent    gputypes.Extent3D
	dimension gputypes.TextureDimension
	format    gputypes.TextureFormat
	usage     gputypes.TextureUsage
}

func (i *Image) Extent() gputypes.Extent3D            { return i.extent }
func (i *Image) Dimension() gputypes.TextureDimension { return i.dimension }
func (i *Image) Format() gputypes.TextureFormat       { return i.format }
func (i *Image) Usage() gputypes.TextureUsage         { return i.usage }

func (i *Image) Release() {
	if i.free() {
		i.tex.Release()
	}
}
