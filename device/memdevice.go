package device

import (
	"fmt"
	"sync/atomic"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/pipeflow"
)

// memDevice implements the Device contract on process memory. Host and
// Emulated wrap it with their own kind and capability defaults.
type memDevice struct {
	info   Info
	caps   *Capabilities
	budget *MemoryBudget
	queue  *Queue
	closed atomic.Bool
}

func newMemDevice(info Info, cfg config) *memDevice {
	d := &memDevice{
		info:   info,
		caps:   cfg.caps,
		budget: NewMemoryBudget(cfg.budget),
		queue:  NewQueue(info.ID, cfg.queueDepth),
	}
	pipeflow.Logger().Info("device: created",
		"id", info.ID, "kind", info.Kind, "budget", d.budget.Stats().TotalBytes)
	return d
}

func (d *memDevice) Info() Info                  { return d.info }
func (d *memDevice) Capabilities() *Capabilities { return d.caps }

// HostMemory reports true: resources live in process memory.
func (d *memDevice) HostMemory() bool { return true }

// MemoryStats returns the memory usage of the device.
func (d *memDevice) MemoryStats() MemoryStats { return d.budget.Stats() }

func (d *memDevice) fail(op string, err error) error {
	return &pipeflow.DeviceError{Device: d.info.ID, Op: op, Err: err}
}

func (d *memDevice) CreateBuffer(size uint64, usage gputypes.BufferUsage) (Buffer, error) {
	if d.closed.Load() {
		return nil, d.fail("CreateBuffer", pipeflow.ErrClosed)
	}
	if size > d.caps.Limits.MaxBufferSize {
		return nil, d.fail("CreateBuffer", fmt.Errorf("%w: %d bytes exceeds max buffer size %d",
			pipeflow.ErrDeviceOutOfMemory, size, d.caps.Limits.MaxBufferSize))
	}
	if err := d.budget.Reserve(size); err != nil {
		return nil, d.fail("CreateBuffer", err)
	}
	pipeflow.Logger().Debug("device: buffer created", "device", d.info.ID, "size", size)
	return &memBuffer{memResource: newMemResource(d.info.ID, size, d.budget), usage: usage}, nil
}

func (d *memDevice) CreateImage(size gputypes.Extent3D, format gputypes.TextureFormat, usage gputypes.TextureUsage) (Image, error) {
	if d.closed.Load() {
		return nil, d.fail("CreateImage", pipeflow.ErrClosed)
	}
	if size.DepthOrArrayLayers == 0 {
		size.DepthOrArrayLayers = 1
	}
	dim := DimensionOf(size)
	if !d.caps.Supports(dim, format, usage) {
		return nil, d.fail("CreateImage", fmt.Errorf("%w: %s %s image with usage %#x",
			pipeflow.ErrUnsupportedCapability, dim, format, uint64(usage)))
	}
	if !d.caps.fitsLimits(dim, size) {
		return nil, d.fail("CreateImage", fmt.Errorf("%w: extent %dx%dx%d exceeds %s limits",
			pipeflow.ErrDeviceOutOfMemory, size.Width, size.Height, size.DepthOrArrayLayers, dim))
	}
	bytes := ImageSize(size, format)
	if err := d.budget.Reserve(bytes); err != nil {
		return nil, d.fail("CreateImage", err)
	}
	pipeflow.Logger().Debug("device: image created",
		"device", d.info.ID, "format", format, "width", size.Width, "height", size.Height, "depth", size.DepthOrArrayLayers)
	return &memImage{
		memResource: newMemResource(d.info.ID, bytes, d.budget),
		extent:      size,
		dimension:   dim,
		format:      format,
		usage:       usage,
	}, nil
}

func (d *memDevice) SupportsFormat(dim gputypes.TextureDimension, format gputypes.TextureFormat, usage gputypes.TextureUsage) bool {
	return d.caps.Supports(dim, format, usage)
}

func (d *memDevice) Submit(w Work) error {
	if err := d.queue.Submit(w); err != nil {
		return d.fail("Submit", err)
	}
	return nil
}

func (d *memDevice) Finish() error {
	if err := d.queue.Finish(); err != nil {
		return d.fail("Finish", err)
	}
	return nil
}

func (d *memDevice) owned(r Resource) ([]byte, error) {
	if r == nil || r.DeviceID() != d.info.ID {
		return nil, fmt.Errorf("device: resource does not belong to %s", d.info.ID)
	}
	if IsReleased(r) {
		return nil, ErrResourceReleased
	}
	b := memBytes(r)
	if b == nil {
		return nil, fmt.Errorf("device: resource %T is not memory backed", r)
	}
	return b, nil
}

func (d *memDevice) Upload(dst Resource, src []byte) error {
	buf, err := d.owned(dst)
	if err != nil {
		return d.fail("Upload", err)
	}
	if len(src) > len(buf) {
		return d.fail("Upload", fmt.Errorf("device: upload of %d bytes into %d byte resource", len(src), len(buf)))
	}
	if err := d.queue.Do(func() error {
		copy(buf, src)
		return nil
	}); err != nil {
		return d.fail("Upload", err)
	}
	return nil
}

func (d *memDevice) Download(src Resource, dst []byte) error {
	buf, err := d.owned(src)
	if err != nil {
		return d.fail("Download", err)
	}
	if err := d.queue.Do(func() error {
		copy(dst, buf)
		return nil
	}); err != nil {
		return d.fail("Download", err)
	}
	return nil
}

func (d *memDevice) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	d.queue.Close()
	err := d.queue.Finish()
	pipeflow.Logger().Info("device: closed", "id", d.info.ID, "memory", d.budget.Stats().String())
	if err != nil {
		return d.fail("Close", err)
	}
	return nil
}
