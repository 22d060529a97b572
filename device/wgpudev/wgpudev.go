// Package wgpudev provides an accelerator execution device backed by
// github.com/gogpu/wgpu, the pure Go WebGPU implementation.
//
// The package registers no HAL backend by itself. Import one next to it:
//
//	import (
//	    "github.com/gogpu/pipeflow/device/wgpudev"
//	    _ "github.com/gogpu/wgpu/hal/allbackends"
//	)
package wgpudev

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu"

	"github.com/gogpu/pipeflow"
	"github.com/gogpu/pipeflow/device"
)

// DefaultID is the device ID used when none is configured.
const DefaultID = "wgpu"

// mapTimeout bounds a single staging buffer readback.
const mapTimeout = 10 * time.Second

// Option configures Open.
type Option func(*config)

type config struct {
	id            string
	label         string
	budget        uint64
	forceFallback bool
}

// WithID sets the device ID.
func WithID(id string) Option {
	return func(c *config) { c.id = id }
}

// WithLabel sets the label attached to every wgpu object the device creates.
func WithLabel(label string) Option {
	return func(c *config) { c.label = label }
}

// WithMemoryBudget sets the memory budget in bytes.
func WithMemoryBudget(bytes uint64) Option {
	return func(c *config) { c.budget = bytes }
}

// WithFallbackAdapter requests the software fallback adapter.
func WithFallbackAdapter() Option {
	return func(c *config) { c.forceFallback = true }
}

// Device is a WebGPU accelerator.
type Device struct {
	info   device.Info
	caps   *device.Capabilities
	budget *device.MemoryBudget
	queue  *device.Queue
	label  string

	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	gpu      *wgpu.Device

	mu        sync.Mutex
	pipelines map[pipelineKey]*computePipeline

	closed atomic.Bool
}

// Open creates an instance, picks an adapter and requests a device.
func Open(opts ...Option) (*Device, error) {
	cfg := config{id: DefaultID, label: "pipeflow"}
	for _, opt := range opts {
		opt(&cfg)
	}

	instance, err := wgpu.CreateInstance(nil)
	if err != nil {
		return nil, &pipeflow.DeviceError{Device: cfg.id, Op: "Open", Err: err}
	}
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference:      wgpu.PowerPreferenceHighPerformance,
		ForceFallbackAdapter: cfg.forceFallback,
	})
	if err != nil {
		instance.Release()
		return nil, &pipeflow.DeviceError{Device: cfg.id, Op: "Open", Err: err}
	}
	gpu, err := adapter.RequestDevice(&wgpu.DeviceDescriptor{
		Label:          cfg.label,
		RequiredLimits: adapter.Limits(),
	})
	if err != nil {
		adapter.Release()
		instance.Release()
		return nil, &pipeflow.DeviceError{Device: cfg.id, Op: "Open", Err: err}
	}

	ai := adapter.Info()
	d := &Device{
		info: device.Info{
			ID:   cfg.id,
			Name: ai.Name,
			Kind: device.KindAccelerator,
			Adapter: gpucontext.AdapterInfo{
				Name: ai.Name,
				Type: adapterType(ai.DeviceType),
			},
		},
		caps:      capabilities(gpu.Limits(), gpu.Features()),
		budget:    device.NewMemoryBudget(cfg.budget),
		queue:     device.NewQueue(cfg.id, 0),
		label:     cfg.label,
		instance:  instance,
		adapter:   adapter,
		gpu:       gpu,
		pipelines: make(map[pipelineKey]*computePipeline),
	}
	pipeflow.Logger().Info("wgpudev: device opened",
		"id", cfg.id, "adapter", ai.Name, "type", ai.DeviceType, "driver", ai.Driver)
	return d, nil
}

func adapterType(t gputypes.DeviceType) gpucontext.AdapterType {
	switch t {
	case gputypes.DeviceTypeDiscreteGPU:
		return gpucontext.AdapterTypeDiscrete
	case gputypes.DeviceTypeIntegratedGPU:
		return gpucontext.AdapterTypeIntegrated
	case gputypes.DeviceTypeCPU:
		return gpucontext.AdapterTypeSoftware
	default:
		return gpucontext.AdapterTypeUnknown
	}
}

// capabilities builds the capability table from device limits. Storage
// binding follows the WebGPU storage texture format list; 3D images are
// never storage-bound.
func capabilities(limits gputypes.Limits, features gputypes.Features) *device.Capabilities {
	c := &device.Capabilities{Limits: limits, Features: features}
	base := gputypes.TextureUsageCopySrc | gputypes.TextureUsageCopyDst | gputypes.TextureUsageTextureBinding
	for _, f := range []gputypes.TextureFormat{
		gputypes.TextureFormatR8Unorm,
		gputypes.TextureFormatR8Uint,
		gputypes.TextureFormatRG8Uint,
		gputypes.TextureFormatR16Uint,
		gputypes.TextureFormatR32Uint,
		gputypes.TextureFormatR32Float,
		gputypes.TextureFormatRG32Float,
		gputypes.TextureFormatRGBA8Unorm,
		gputypes.TextureFormatRGBA8Uint,
		gputypes.TextureFormatRGBA32Float,
	} {
		c.Allow(gputypes.TextureDimension1D, f, base)
		c.Allow(gputypes.TextureDimension2D, f, base)
		c.Allow(gputypes.TextureDimension3D, f, base)
	}
	for _, f := range []gputypes.TextureFormat{
		gputypes.TextureFormatR32Uint,
		gputypes.TextureFormatR32Float,
		gputypes.TextureFormatRGBA8Unorm,
		gputypes.TextureFormatRGBA8Uint,
		gputypes.TextureFormatRGBA32Float,
	} {
		c.Allow(gputypes.TextureDimension2D, f, gputypes.TextureUsageStorageBinding)
	}
	return c
}

func (d *Device) Info() device.Info                  { return d.info }
func (d *Device) Capabilities() *device.Capabilities { return d.caps }

// MemoryStats returns the memory usage of the device.
func (d *Device) MemoryStats() device.MemoryStats { return d.budget.Stats() }

func (d *Device) fail(op string, err error) error {
	return &pipeflow.DeviceError{Device: d.info.ID, Op: op, Err: err}
}

func (d *Device) SupportsFormat(dim gputypes.TextureDimension, format gputypes.TextureFormat, usage gputypes.TextureUsage) bool {
	return d.caps.Supports(dim, format, usage)
}

func align4(n uint64) uint64 { return (n + 3) &^ 3 }

// CreateBuffer allocates a GPU buffer. Copy usages are always added so the
// buffer can take part in uploads, downloads and conversions.
func (d *Device) CreateBuffer(size uint64, usage gputypes.BufferUsage) (device.Buffer, error) {
	if d.closed.Load() {
		return nil, d.fail("CreateBuffer", pipeflow.ErrClosed)
	}
	alloc := align4(size)
	if alloc > d.caps.Limits.MaxBufferSize {
		return nil, d.fail("CreateBuffer", fmt.Errorf("%w: %d bytes exceeds max buffer size %d",
			pipeflow.ErrDeviceOutOfMemory, size, d.caps.Limits.MaxBufferSize))
	}
	if err := d.budget.Reserve(alloc); err != nil {
		return nil, d.fail("CreateBuffer", err)
	}
	usage |= gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst
	buf, err := d.gpu.CreateBuffer(&wgpu.BufferDescriptor{
		Label: d.label + "-buffer",
		Size:  alloc,
		Usage: usage,
	})
	if err != nil {
		d.budget.Free(alloc)
		return nil, d.fail("CreateBuffer", fmt.Errorf("%w: %v", pipeflow.ErrDeviceOutOfMemory, err))
	}
	return &Buffer{resource: resource{device: d.info.ID, size: size, alloc: alloc, budget: d.budget}, buf: buf, usage: usage}, nil
}

// CreateImage allocates a GPU texture.
func (d *Device) CreateImage(size gputypes.Extent3D, format gputypes.TextureFormat, usage gputypes.TextureUsage) (device.Image, error) {
	if d.closed.Load() {
		return nil, d.fail("CreateImage", pipeflow.ErrClosed)
	}
	if size.DepthOrArrayLayers == 0 {
		size.DepthOrArrayLayers = 1
	}
	dim := device.DimensionOf(size)
	if !d.caps.Supports(dim, format, usage) {
		return nil, d.fail("CreateImage", fmt.Errorf("%w: %s %s image with usage %#x",
			pipeflow.ErrUnsupportedCapability, dim, format, uint64(usage)))
	}
	bytes := device.ImageSize(size, format)
	if err := d.budget.Reserve(bytes); err != nil {
		return nil, d.fail("CreateImage", err)
	}
	usage |= gputypes.TextureUsageCopySrc | gputypes.TextureUsageCopyDst
	tex, err := d.gpu.CreateTexture(&wgpu.TextureDescriptor{
		Label:         d.label + "-image",
		Size:          wgpu.Extent3D{Width: size.Width, Height: size.Height, DepthOrArrayLayers: size.DepthOrArrayLayers},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     dim,
		Format:        format,
		Usage:         usage,
	})
	if err != nil {
		d.budget.Free(bytes)
		return nil, d.fail("CreateImage", fmt.Errorf("%w: %v", pipeflow.ErrDeviceOutOfMemory, err))
	}
	return &Image{
		resource:  resource{device: d.info.ID, size: bytes, alloc: bytes, budget: d.budget},
		tex:       tex,
		extent:    size,
		dimension: dim,
		format:    format,
		usage:     usage,
	}, nil
}

func (d *Device) Submit(w device.Work) error {
	if err := d.queue.Submit(w); err != nil {
		return d.fail("Submit", err)
	}
	return nil
}

// Finish drains the command queue and waits for the GPU to go idle.
func (d *Device) Finish() error {
	err := d.queue.Finish()
	if werr := d.gpu.WaitIdle(); werr != nil && err == nil {
		err = werr
	}
	if err != nil {
		return d.fail("Finish", err)
	}
	return nil
}

// Upload writes host bytes through the device queue.
func (d *Device) Upload(dst device.Resource, src []byte) error {
	if err := d.check(dst); err != nil {
		return d.fail("Upload", err)
	}
	if uint64(len(src)) > dst.Size() {
		return d.fail("Upload", fmt.Errorf("wgpudev: upload of %d bytes into %d byte resource", len(src), dst.Size()))
	}
	err := d.queue.Do(func() error {
		switch r := dst.(type) {
		case *Buffer:
			data := src
			if pad := align4(uint64(len(src))); pad != uint64(len(src)) {
				data = make([]byte, pad)
				copy(data, src)
			}
			return d.gpu.Queue().WriteBuffer(r.buf, 0, data)
		case *Image:
			info, _ := device.LookupFormat(r.format)
			e := r.extent
			return d.gpu.Queue().WriteTexture(
				&wgpu.ImageCopyTexture{Texture: r.tex, Aspect: gputypes.TextureAspectAll},
				src,
				&wgpu.ImageDataLayout{BytesPerRow: e.Width * uint32(info.BytesPerTexel), RowsPerImage: e.Height},
				&wgpu.Extent3D{Width: e.Width, Height: e.Height, DepthOrArrayLayers: e.DepthOrArrayLayers},
			)
		}
		return fmt.Errorf("wgpudev: cannot upload into %T", dst)
	})
	if err != nil {
		return d.fail("Upload", err)
	}
	return nil
}

// Download copies a resource into a mappable staging buffer and reads it
// back. It runs after all previously submitted work.
func (d *Device) Download(src device.Resource, dst []byte) error {
	if err := d.check(src); err != nil {
		return d.fail("Download", err)
	}
	err := d.queue.Do(func() error {
		switch r := src.(type) {
		case *Buffer:
			return d.readBuffer(r, dst)
		case *Image:
			return d.readImage(r, dst)
		}
		return fmt.Errorf("wgpudev: cannot download from %T", src)
	})
	if err != nil {
		return d.fail("Download", err)
	}
	return nil
}

func (d *Device) readBuffer(r *Buffer, dst []byte) error {
	return d.readback(r.alloc, func(enc *wgpu.CommandEncoder, staging *wgpu.Buffer) {
		enc.CopyBufferToBuffer(r.buf, 0, staging, 0, r.alloc)
	}, func(mapped []byte) {
		copy(dst, mapped)
	})
}

// readImage copies texture rows into a staging buffer whose row pitch is
// aligned to 256 bytes, then strips the padding.
func (d *Device) readImage(r *Image, dst []byte) error {
	info, _ := device.LookupFormat(r.format)
	e := r.extent
	row := e.Width * uint32(info.BytesPerTexel)
	pitch := d.rowPitch(row)
	size := uint64(pitch) * uint64(e.Height) * uint64(e.DepthOrArrayLayers)

	return d.readback(size, func(enc *wgpu.CommandEncoder, staging *wgpu.Buffer) {
		enc.CopyTextureToBuffer(r.tex, staging, []wgpu.BufferTextureCopy{{
			BufferLayout: wgpu.ImageDataLayout{BytesPerRow: pitch, RowsPerImage: e.Height},
			TextureBase:  wgpu.ImageCopyTexture{Texture: r.tex, Aspect: gputypes.TextureAspectAll},
			Size:         wgpu.Extent3D{Width: e.Width, Height: e.Height, DepthOrArrayLayers: e.DepthOrArrayLayers},
		}})
	}, func(mapped []byte) {
		rows := int(e.Height * e.DepthOrArrayLayers)
		for y := 0; y < rows; y++ {
			from := mapped[y*int(pitch) : y*int(pitch)+int(row)]
			to := y * int(row)
			if to >= len(dst) {
				return
			}
			copy(dst[to:], from)
		}
	})
}

// rowPitch is the staging row pitch for texture readback. The software
// adapter ignores BytesPerRow and always writes packed rows.
func (d *Device) rowPitch(row uint32) uint32 {
	if d.Info().Adapter.Type == gpucontext.AdapterTypeSoftware {
		return row
	}
	return (row + 255) &^ 255
}

func (d *Device) readback(size uint64, record func(*wgpu.CommandEncoder, *wgpu.Buffer), consume func([]byte)) error {
	staging, err := d.gpu.CreateBuffer(&wgpu.BufferDescriptor{
		Label: d.label + "-staging",
		Size:  size,
		Usage: gputypes.BufferUsageCopyDst | gputypes.BufferUsageMapRead,
	})
	if err != nil {
		return fmt.Errorf("wgpudev: staging buffer: %w", err)
	}
	defer staging.Release()

	enc, err := d.gpu.CreateCommandEncoder(nil)
	if err != nil {
		return fmt.Errorf("wgpudev: encoder: %w", err)
	}
	record(enc, staging)
	cmds, err := enc.Finish()
	if err != nil {
		return fmt.Errorf("wgpudev: finish encoder: %w", err)
	}
	if _, err := d.gpu.Queue().Submit(cmds); err != nil {
		return fmt.Errorf("wgpudev: submit: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), mapTimeout)
	defer cancel()
	if err := staging.Map(ctx, wgpu.MapModeRead, 0, size); err != nil {
		return fmt.Errorf("wgpudev: map staging: %w", err)
	}
	rng, err := staging.MappedRange(0, size)
	if err != nil {
		_ = staging.Unmap()
		return fmt.Errorf("wgpudev: mapped range: %w", err)
	}
	consume(rng.Bytes())
	return staging.Unmap()
}

// CopyResource copies between two buffers of this device on the GPU.
// Other combinations report pipeflow.ErrUnsupportedCapability.
func (d *Device) CopyResource(dst, src device.Resource) error {
	db, ok1 := dst.(*Buffer)
	sb, ok2 := src.(*Buffer)
	if !ok1 || !ok2 || db.device != d.info.ID || sb.device != d.info.ID {
		return d.fail("CopyResource", pipeflow.ErrUnsupportedCapability)
	}
	if err := d.check(dst); err != nil {
		return d.fail("CopyResource", err)
	}
	if err := d.check(src); err != nil {
		return d.fail("CopyResource", err)
	}
	size := min(db.alloc, sb.alloc)
	err := d.queue.Do(func() error {
		enc, err := d.gpu.CreateCommandEncoder(nil)
		if err != nil {
			return err
		}
		enc.CopyBufferToBuffer(sb.buf, 0, db.buf, 0, size)
		cmds, err := enc.Finish()
		if err != nil {
			return err
		}
		_, err = d.gpu.Queue().Submit(cmds)
		return err
	})
	if err != nil {
		return d.fail("CopyResource", err)
	}
	return nil
}

func (d *Device) check(r device.Resource) error {
	if d.closed.Load() {
		return pipeflow.ErrClosed
	}
	if r == nil || r.DeviceID() != d.info.ID {
		return fmt.Errorf("wgpudev: resource does not belong to %s", d.info.ID)
	}
	if device.IsReleased(r) {
		return device.ErrResourceReleased
	}
	return nil
}

// Close waits for outstanding work and releases every wgpu object.
func (d *Device) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	d.queue.Close()
	err := d.queue.Finish()

	d.mu.Lock()
	for _, p := range d.pipelines {
		p.release()
	}
	d.pipelines = nil
	d.mu.Unlock()

	d.gpu.Release()
	d.adapter.Release()
	d.instance.Release()
	pipeflow.Logger().Info("wgpudev: device closed", "id", d.info.ID, "memory", d.budget.Stats().String())
	if err != nil {
		return d.fail("Close", err)
	}
	return nil
}

// Register adds the wgpu opener to a selector under DefaultID.
func Register(s *device.Selector, opts ...Option) {
	s.Register(DefaultID, func() (device.Device, error) {
		d, err := Open(opts...)
		if err != nil {
			return nil, err
		}
		return d, nil
	})
}

var (
	_ device.Device     = (*Device)(nil)
	_ device.PeerCopier = (*Device)(nil)
	_ device.Buffer     = (*Buffer)(nil)
	_ device.Image      = (*Image)(nil)
)
