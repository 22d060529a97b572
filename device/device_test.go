package device

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/pipeflow"
)

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindHost, "host"},
		{KindAccelerator, "accelerator"},
		{Kind(9), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("Kind(%d).String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

func TestCapabilitiesSupports(t *testing.T) {
	host := HostCapabilities()
	acc := AcceleratorCapabilities()
	storage := gputypes.TextureUsageStorageBinding

	tests := []struct {
		name  string
		caps  *Capabilities
		dim   gputypes.TextureDimension
		fmt   gputypes.TextureFormat
		usage gputypes.TextureUsage
		want  bool
	}{
		{"host 3D write", host, gputypes.TextureDimension3D, gputypes.TextureFormatR8Uint, storage, true},
		{"accel 2D write", acc, gputypes.TextureDimension2D, gputypes.TextureFormatR8Uint, storage, true},
		{"accel 3D write", acc, gputypes.TextureDimension3D, gputypes.TextureFormatR8Uint, storage, false},
		{"accel 3D sample", acc, gputypes.TextureDimension3D, gputypes.TextureFormatR32Float, gputypes.TextureUsageTextureBinding, true},
		{"unknown format", acc, gputypes.TextureDimension2D, gputypes.TextureFormatBC1RGBAUnorm, gputypes.TextureUsageCopySrc, false},
		{"nil caps", nil, gputypes.TextureDimension2D, gputypes.TextureFormatR8Uint, storage, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.caps.Supports(tt.dim, tt.fmt, tt.usage); got != tt.want {
				t.Errorf("Supports() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCapabilitiesAllowDeny(t *testing.T) {
	c := AcceleratorCapabilities()
	dim, f := gputypes.TextureDimension3D, gputypes.TextureFormatR8Uint

	c.Allow(dim, f, gputypes.TextureUsageStorageBinding)
	if !c.Supports(dim, f, gputypes.TextureUsageStorageBinding) {
		t.Error("Allow did not grant storage binding")
	}
	c.Deny(dim, f, allUsages)
	if c.Supports(dim, f, gputypes.TextureUsageCopySrc) {
		t.Error("Deny of every usage should drop the layout")
	}
	if _, ok := c.Formats[FormatKey{dim, f}]; ok {
		t.Error("layout still present after denying every usage")
	}
}

func TestImageSize(t *testing.T) {
	tests := []struct {
		size gputypes.Extent3D
		f    gputypes.TextureFormat
		want uint64
	}{
		{gputypes.Extent3D{Width: 4, Height: 4, DepthOrArrayLayers: 1}, gputypes.TextureFormatR32Float, 64},
		{gputypes.Extent3D{Width: 4, Height: 4}, gputypes.TextureFormatRGBA8Unorm, 64},
		{gputypes.Extent3D{Width: 2, Height: 2, DepthOrArrayLayers: 3}, gputypes.TextureFormatR8Uint, 12},
		{gputypes.Extent3D{Width: 2, Height: 2}, gputypes.TextureFormatBC1RGBAUnorm, 0},
	}
	for _, tt := range tests {
		if got := ImageSize(tt.size, tt.f); got != tt.want {
			t.Errorf("ImageSize(%v, %v) = %d, want %d", tt.size, tt.f, got, tt.want)
		}
	}
}

func TestMemoryBudget(t *testing.T) {
	m := NewMemoryBudget(MinBudgetBytes)

	if err := m.Reserve(MinBudgetBytes / 2); err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	err := m.Reserve(MinBudgetBytes)
	if !errors.Is(err, pipeflow.ErrDeviceOutOfMemory) {
		t.Fatalf("Reserve() over budget error = %v, want ErrDeviceOutOfMemory", err)
	}

	st := m.Stats()
	if st.UsedBytes != MinBudgetBytes/2 || st.Allocations != 1 || st.Rejected != 1 {
		t.Errorf("Stats() = %+v", st)
	}
	if !strings.Contains(st.String(), "50.0% used") {
		t.Errorf("String() = %q, want 50.0%% used", st.String())
	}

	m.Free(MinBudgetBytes / 2)
	if st := m.Stats(); st.UsedBytes != 0 || st.Allocations != 0 {
		t.Errorf("after Free, Stats() = %+v", st)
	}
}

func TestMemoryBudgetDefaults(t *testing.T) {
	if got := NewMemoryBudget(0).Stats().TotalBytes; got != DefaultBudgetBytes {
		t.Errorf("NewMemoryBudget(0) total = %d, want %d", got, uint64(DefaultBudgetBytes))
	}
	if got := NewMemoryBudget(1).Stats().TotalBytes; got != MinBudgetBytes {
		t.Errorf("NewMemoryBudget(1) total = %d, want %d", got, uint64(MinBudgetBytes))
	}
}

func TestQueueOrderAndFinish(t *testing.T) {
	q := NewQueue("test", 2)
	defer q.Close()

	var (
		mu    sync.Mutex
		order []int
	)
	for i := 0; i < 10; i++ {
		if err := q.Submit(func() error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}
	if err := q.Finish(); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	if len(order) != 10 {
		t.Fatalf("ran %d works, want 10", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v, want submission order", order)
		}
	}
}

func TestQueueFinishReportsFirstError(t *testing.T) {
	q := NewQueue("test", 0)
	defer q.Close()

	first := errors.New("first")
	_ = q.Submit(func() error { return first })
	_ = q.Submit(func() error { return errors.New("second") })
	_ = q.Submit(func() error { panic("boom") })

	if err := q.Finish(); !errors.Is(err, first) {
		t.Errorf("Finish() = %v, want %v", err, first)
	}
	if err := q.Finish(); err != nil {
		t.Errorf("second Finish() = %v, want nil", err)
	}
}

func TestQueueDoAndClose(t *testing.T) {
	q := NewQueue("test", 0)

	want := errors.New("do failed")
	if err := q.Do(func() error { return want }); !errors.Is(err, want) {
		t.Errorf("Do() = %v, want %v", err, want)
	}
	if err := q.Do(func() error { panic("boom") }); err == nil {
		t.Error("Do() of panicking work = nil, want error")
	}
	if err := q.Finish(); err != nil {
		t.Errorf("Finish() after Do = %v, want nil", err)
	}

	q.Close()
	q.Close()
	if err := q.Submit(func() error { return nil }); !errors.Is(err, pipeflow.ErrClosed) {
		t.Errorf("Submit() after Close = %v, want ErrClosed", err)
	}
}

func TestHostUploadDownload(t *testing.T) {
	h := NewHost()
	defer h.Close()

	buf, err := h.CreateBuffer(8, gputypes.BufferUsageStorage)
	if err != nil {
		t.Fatalf("CreateBuffer() error = %v", err)
	}
	src := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if err := h.Upload(buf, src); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	dst := make([]byte, 8)
	if err := h.Download(buf, dst); err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if !bytes.Equal(dst, src) {
		t.Errorf("Download() = %v, want %v", dst, src)
	}
	if hv, ok := buf.(HostVisible); !ok || !bytes.Equal(hv.Contents(), src) {
		t.Error("host buffer should be HostVisible with uploaded contents")
	}
	if h.Info().Kind != KindHost {
		t.Errorf("Kind = %v, want host", h.Info().Kind)
	}
}

func TestEmulatedCreateImage(t *testing.T) {
	e := NewEmulated(WithMemoryBudget(MinBudgetBytes))
	defer e.Close()

	storage := gputypes.TextureUsageStorageBinding | gputypes.TextureUsageCopySrc
	vol := gputypes.Extent3D{Width: 4, Height: 4, DepthOrArrayLayers: 4}

	_, err := e.CreateImage(vol, gputypes.TextureFormatR8Uint, storage)
	if !errors.Is(err, pipeflow.ErrUnsupportedCapability) {
		t.Errorf("CreateImage(3D storage) error = %v, want ErrUnsupportedCapability", err)
	}
	var de *pipeflow.DeviceError
	if !errors.As(err, &de) || de.Device != "emulated" || de.Op != "CreateImage" {
		t.Errorf("error %v should be a DeviceError naming device and op", err)
	}

	img, err := e.CreateImage(vol, gputypes.TextureFormatR8Uint, gputypes.TextureUsageCopySrc)
	if err != nil {
		t.Fatalf("CreateImage(3D copy) error = %v", err)
	}
	if img.Dimension() != gputypes.TextureDimension3D || img.Size() != 64 {
		t.Errorf("image dim=%v size=%d, want 3D/64", img.Dimension(), img.Size())
	}

	huge := gputypes.Extent3D{Width: 1024, Height: 1024, DepthOrArrayLayers: 1}
	if _, err := e.CreateImage(huge, gputypes.TextureFormatRGBA32Float, gputypes.TextureUsageCopySrc); !errors.Is(err, pipeflow.ErrDeviceOutOfMemory) {
		t.Errorf("CreateImage(over budget) error = %v, want ErrDeviceOutOfMemory", err)
	}
}

func TestEmulatedReleaseFreesBudget(t *testing.T) {
	e := NewEmulated(WithMemoryBudget(MinBudgetBytes))
	defer e.Close()

	buf, err := e.CreateBuffer(MinBudgetBytes, gputypes.BufferUsageStorage)
	if err != nil {
		t.Fatalf("CreateBuffer() error = %v", err)
	}
	if _, err := e.CreateBuffer(1, gputypes.BufferUsageStorage); !errors.Is(err, pipeflow.ErrDeviceOutOfMemory) {
		t.Fatalf("CreateBuffer() on full budget error = %v, want ErrDeviceOutOfMemory", err)
	}
	buf.Release()
	buf.Release()
	if !IsReleased(buf) {
		t.Error("IsReleased() = false after Release")
	}
	if got := e.MemoryStats().UsedBytes; got != 0 {
		t.Errorf("UsedBytes after Release = %d, want 0", got)
	}
	if err := e.Upload(buf, []byte{1}); !errors.Is(err, ErrResourceReleased) {
		t.Errorf("Upload() into released buffer = %v, want ErrResourceReleased", err)
	}
}

type wrappedDevice struct{ Device }

func TestIsHostMemory(t *testing.T) {
	host := NewHost()
	defer host.Close()
	e := NewEmulated(WithMemoryBudget(MinBudgetBytes))
	defer e.Close()

	b, err := e.CreateBuffer(MinBudgetBytes, gputypes.BufferUsageStorage)
	if err != nil {
		t.Fatalf("CreateBuffer() error = %v", err)
	}
	defer b.Release()

	if !IsHostMemory(host) {
		t.Error("IsHostMemory(host) = false")
	}
	if !IsHostMemory(e) {
		t.Error("IsHostMemory(emulated) = false with its budget used up")
	}
	if IsHostMemory(wrappedDevice{e}) {
		t.Error("IsHostMemory() = true for a device without HostMemory")
	}
	if got := e.MemoryStats().Allocations; got != 1 {
		t.Errorf("Allocations = %d, want 1", got)
	}
}

func TestEmulatedPeerCopy(t *testing.T) {
	a := NewEmulated(WithID("a"))
	b := NewEmulated(WithID("b"))
	h := NewHost()
	defer a.Close()
	defer b.Close()
	defer h.Close()

	src, _ := a.CreateBuffer(4, gputypes.BufferUsageCopySrc)
	dst, _ := b.CreateBuffer(4, gputypes.BufferUsageCopyDst)
	if err := a.Upload(src, []byte{9, 8, 7, 6}); err != nil {
		t.Fatal(err)
	}
	if err := b.CopyResource(dst, src); err != nil {
		t.Fatalf("CopyResource() error = %v", err)
	}
	got := make([]byte, 4)
	if err := b.Download(dst, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{9, 8, 7, 6}) {
		t.Errorf("peer copy = %v", got)
	}

	hostBuf, _ := h.CreateBuffer(4, gputypes.BufferUsageCopySrc)
	if err := b.CopyResource(dst, hostBuf); !errors.Is(err, pipeflow.ErrUnsupportedCapability) {
		t.Errorf("CopyResource(host source) = %v, want ErrUnsupportedCapability", err)
	}

	c := NewEmulated(WithID("c"), WithoutPeerCopy())
	defer c.Close()
	cdst, _ := c.CreateBuffer(4, gputypes.BufferUsageCopyDst)
	if err := c.CopyResource(cdst, src); !errors.Is(err, pipeflow.ErrUnsupportedCapability) {
		t.Errorf("CopyResource() with peer copy disabled = %v, want ErrUnsupportedCapability", err)
	}
}

func TestDeviceClosed(t *testing.T) {
	e := NewEmulated()
	if err := e.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := e.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if _, err := e.CreateBuffer(4, gputypes.BufferUsageStorage); !errors.Is(err, pipeflow.ErrClosed) {
		t.Errorf("CreateBuffer() after Close = %v, want ErrClosed", err)
	}
	if err := e.Submit(func() error { return nil }); !errors.Is(err, pipeflow.ErrClosed) {
		t.Errorf("Submit() after Close = %v, want ErrClosed", err)
	}
}
