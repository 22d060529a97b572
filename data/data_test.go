package data

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/pipeflow"
	"github.com/gogpu/pipeflow/device"
)

func newDevices(t *testing.T) (*device.Host, *device.Emulated) {
	t.Helper()
	host := device.NewHost()
	acc := device.NewEmulated(device.WithID("acc"))
	t.Cleanup(func() {
		_ = acc.Close()
		_ = host.Close()
	})
	return host, acc
}

func gray4x4(t *testing.T, host device.Device) *Object {
	t.Helper()
	pixels := make([]float32, 16)
	for i := range pixels {
		pixels[i] = float32(i) / 16
	}
	obj, err := NewImageFromHost(Shape{Dims: []int{4, 4}, Type: Float32, Channels: 1}, Float32Bytes(pixels), host)
	if err != nil {
		t.Fatalf("NewImageFromHost() error = %v", err)
	}
	return obj
}

func TestDataTypeFormat(t *testing.T) {
	tests := []struct {
		typ      DataType
		channels int
		want     gputypes.TextureFormat
	}{
		{Uint8, 1, gputypes.TextureFormatR8Uint},
		{Uint8, 4, gputypes.TextureFormatRGBA8Uint},
		{Int16, 2, gputypes.TextureFormatRG16Sint},
		{Float32, 1, gputypes.TextureFormatR32Float},
		{Float32, 4, gputypes.TextureFormatRGBA32Float},
		{Float32, 3, gputypes.TextureFormatUndefined},
		{Uint8, 0, gputypes.TextureFormatUndefined},
	}
	for _, tt := range tests {
		if got := tt.typ.Format(tt.channels); got != tt.want {
			t.Errorf("%v.Format(%d) = %v, want %v", tt.typ, tt.channels, got, tt.want)
		}
	}
}

func TestShape(t *testing.T) {
	s := Shape{Dims: []int{4, 3, 2}, Type: Uint16, Channels: 2}
	if got := s.Size(); got != 48 {
		t.Errorf("Size() = %d, want 48", got)
	}
	if got := s.ByteSize(); got != 96 {
		t.Errorf("ByteSize() = %d, want 96", got)
	}
	if got := s.Dimension(); got != gputypes.TextureDimension3D {
		t.Errorf("Dimension() = %v, want 3D", got)
	}
	if e := s.Extent(); e.Width != 4 || e.Height != 3 || e.DepthOrArrayLayers != 2 {
		t.Errorf("Extent() = %+v", e)
	}
	if got := s.String(); got != "4x3x2x2 uint16" {
		t.Errorf("String() = %q", got)
	}
	if !s.Equal(Shape{Dims: []int{4, 3, 2}, Type: Uint16, Channels: 2}) {
		t.Error("Equal() = false for identical shapes")
	}
	if s.Equal(Shape{Dims: []int{4, 3}, Type: Uint16, Channels: 2}) {
		t.Error("Equal() = true for different dims")
	}
	if (Shape{}).Size() != 0 {
		t.Error("empty shape should have size 0")
	}
}

func TestReadAfterWrite(t *testing.T) {
	host, acc := newDevices(t)
	obj := NewImage(Shape{Dims: []int{8, 2}, Type: Uint8, Channels: 1})

	for _, tc := range []struct {
		dev     device.Device
		storage Storage
	}{
		{host, StorageHost},
		{acc, StorageBuffer},
		{acc, StorageImage},
	} {
		want := bytes.Repeat([]byte{byte(tc.storage) + 7}, int(obj.ByteSize()))
		w, err := obj.GetAccess(Write, tc.dev, tc.storage)
		if err != nil {
			t.Fatalf("GetAccess(Write, %s) error = %v", tc.storage, err)
		}
		if err := tc.dev.Upload(w.Resource(), want); err != nil {
			t.Fatal(err)
		}
		w.Release()

		r, err := obj.GetAccess(Read, tc.dev, tc.storage)
		if err != nil {
			t.Fatalf("GetAccess(Read, %s) error = %v", tc.storage, err)
		}
		got := make([]byte, obj.ByteSize())
		if err := tc.dev.Download(r.Resource(), got); err != nil {
			t.Fatal(err)
		}
		r.Release()
		if !bytes.Equal(got, want) {
			t.Errorf("%s read after write = %v, want %v", tc.storage, got, want)
		}
	}
}

func TestConversionCaching(t *testing.T) {
	host, acc := newDevices(t)
	obj := gray4x4(t, host)

	w, err := obj.GetAccess(ReadWrite, host, StorageHost)
	if err != nil {
		t.Fatal(err)
	}
	w.Host()[0] = 0xff
	w.Release()

	before := obj.Conversions()
	r, err := obj.GetAccess(Read, acc, StorageBuffer)
	if err != nil {
		t.Fatal(err)
	}
	r.Release()
	if got := obj.Conversions() - before; got != 1 {
		t.Errorf("first read converted %d times, want 1", got)
	}
	r, err = obj.GetAccess(Read, acc, StorageBuffer)
	if err != nil {
		t.Fatal(err)
	}
	r.Release()
	if got := obj.Conversions() - before; got != 1 {
		t.Errorf("second read converted %d times in total, want 1", got)
	}
}

func TestHostToAcceleratorAndBack(t *testing.T) {
	host, acc := newDevices(t)
	obj := gray4x4(t, host)
	orig := make([]byte, obj.ByteSize())
	a := obj.MustAccess(Read, host, StorageHost)
	copy(orig, a.Host())
	a.Release()

	// A node running on the accelerator reads and rewrites the data.
	rw, err := obj.GetAccess(ReadWrite, acc, StorageImage)
	if err != nil {
		t.Fatalf("GetAccess(ReadWrite, acc image) error = %v", err)
	}
	if got := obj.Conversions(); got != 1 {
		t.Errorf("Conversions() after upload = %d, want 1", got)
	}
	if err := acc.Submit(func() error {
		b := rw.Resource().(device.HostVisible).Contents()
		b[0] ^= 0x01
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	rw.Release()

	if !obj.HasRepresentation(acc, StorageImage) || obj.IsStale(acc, StorageImage) {
		t.Error("accelerator image should exist and be fresh")
	}
	if !obj.IsStale(host, StorageHost) {
		t.Error("host copy should be stale after accelerator write")
	}

	r, err := obj.GetAccess(Read, host, StorageHost)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Release()
	if got := obj.Conversions(); got != 2 {
		t.Errorf("Conversions() after host read = %d, want 2", got)
	}
	if r.Host()[0] != orig[0]^0x01 || !bytes.Equal(r.Host()[1:], orig[1:]) {
		t.Error("host copy does not reflect accelerator write")
	}
}

func TestAccessConflicts(t *testing.T) {
	host, acc := newDevices(t)
	obj := gray4x4(t, host)

	r1 := obj.MustAccess(Read, host, StorageHost)
	r2, err := obj.GetAccess(Read, host, StorageHost)
	if err != nil {
		t.Fatalf("second reader error = %v", err)
	}
	if _, err := obj.GetAccess(Write, host, StorageHost); !errors.Is(err, pipeflow.ErrAccessConflict) {
		t.Errorf("writer with readers error = %v, want ErrAccessConflict", err)
	}
	r1.Release()
	r1.Release()
	if _, err := obj.GetAccess(ReadWrite, host, StorageHost); !errors.Is(err, pipeflow.ErrAccessConflict) {
		t.Errorf("writer with one reader left error = %v, want ErrAccessConflict", err)
	}
	r2.Release()

	w := obj.MustAccess(Write, host, StorageHost)
	if _, err := obj.GetAccess(Read, host, StorageHost); !errors.Is(err, pipeflow.ErrAccessConflict) {
		t.Errorf("reader with writer error = %v, want ErrAccessConflict", err)
	}
	if _, err := obj.GetAccess(Read, acc, StorageBuffer); !errors.Is(err, pipeflow.ErrAccessConflict) {
		t.Errorf("conversion from written copy error = %v, want ErrAccessConflict", err)
	}
	w.Release()

	r, err := obj.GetAccess(Read, acc, StorageBuffer)
	if err != nil {
		t.Fatalf("read after writer released error = %v", err)
	}
	r.Release()
}

func TestMustAccessPanics(t *testing.T) {
	host, _ := newDevices(t)
	obj := gray4x4(t, host)
	w := obj.MustAccess(Write, host, StorageHost)
	defer w.Release()
	defer func() {
		if recover() == nil {
			t.Error("MustAccess() did not panic on conflict")
		}
	}()
	obj.MustAccess(Read, host, StorageHost)
}

func TestGetAccessErrors(t *testing.T) {
	host, acc := newDevices(t)

	empty := NewTensor(Shape{Dims: []int{4}, Type: Float32})
	if _, err := empty.GetAccess(Read, host, StorageHost); !errors.Is(err, ErrNoRepresentation) {
		t.Errorf("read of empty object error = %v, want ErrNoRepresentation", err)
	}
	if _, err := empty.GetAccess(Write, acc, StorageHost); !errors.Is(err, pipeflow.ErrUnsupportedCapability) {
		t.Errorf("host storage on accelerator error = %v, want ErrUnsupportedCapability", err)
	}
	if _, err := empty.GetAccess(Write, acc, StorageImage); !errors.Is(err, pipeflow.ErrUnsupportedCapability) {
		t.Errorf("image storage for tensor error = %v, want ErrUnsupportedCapability", err)
	}
	if _, err := empty.GetAccess(Write, acc, StorageVertexBuffer); !errors.Is(err, pipeflow.ErrUnsupportedCapability) {
		t.Errorf("vertex buffer for tensor error = %v, want ErrUnsupportedCapability", err)
	}

	vol := NewImage(Shape{Dims: []int{4, 4, 4}, Type: Uint8, Channels: 1})
	if _, err := vol.GetAccess(Write, acc, StorageImage); !errors.Is(err, pipeflow.ErrUnsupportedCapability) {
		t.Errorf("3D image write on accelerator error = %v, want ErrUnsupportedCapability", err)
	}
	if _, err := vol.GetAccess(Write, host, StorageImage); err != nil {
		t.Errorf("3D image write on host error = %v", err)
	}

	rgb := NewImage(Shape{Dims: []int{2, 2}, Type: Uint8, Channels: 3})
	if _, err := rgb.GetAccess(Write, acc, StorageImage); !errors.Is(err, pipeflow.ErrUnsupportedCapability) {
		t.Errorf("3 channel image error = %v, want ErrUnsupportedCapability", err)
	}

	batch := NewBatch(empty)
	if _, err := batch.GetAccess(Read, host, StorageHost); !errors.Is(err, pipeflow.ErrUnsupportedCapability) {
		t.Errorf("batch access error = %v, want ErrUnsupportedCapability", err)
	}
}

func TestOutOfMemory(t *testing.T) {
	host := device.NewHost()
	defer host.Close()
	small := device.NewEmulated(device.WithID("small"), device.WithMemoryBudget(device.MinBudgetBytes))
	defer small.Close()

	big := NewTensor(Shape{Dims: []int{1 << 20}, Type: Float32})
	if _, err := big.GetAccess(Write, small, StorageBuffer); !errors.Is(err, pipeflow.ErrDeviceOutOfMemory) {
		t.Errorf("oversized buffer error = %v, want ErrDeviceOutOfMemory", err)
	}
	if len(big.Representations()) != 0 {
		t.Errorf("failed allocation left representations %v", big.Representations())
	}
}

func TestRetainRelease(t *testing.T) {
	host, acc := newDevices(t)
	obj := gray4x4(t, host)

	obj.Retain(acc)
	obj.Retain(acc)
	r := obj.MustAccess(Read, acc, StorageBuffer)
	r.Release()
	used := acc.MemoryStats().UsedBytes
	if used == 0 {
		t.Fatal("accelerator copy should use memory")
	}

	obj.Release(acc)
	if !obj.HasRepresentation(acc, StorageBuffer) {
		t.Error("representation freed while still retained")
	}
	obj.Release(acc)
	if obj.HasRepresentation(acc, StorageBuffer) {
		t.Error("representation kept after last release")
	}
	if got := acc.MemoryStats().UsedBytes; got != used-obj.ByteSize() {
		t.Errorf("UsedBytes = %d, want %d", got, used-obj.ByteSize())
	}
	if !obj.HasRepresentation(host, StorageHost) {
		t.Error("host copy should survive accelerator release")
	}

	// Unbalanced release is logged and ignored.
	obj.Release(acc)
	if obj.Retains(acc) != 0 {
		t.Errorf("Retains() = %d, want 0", obj.Retains(acc))
	}
}

func TestReleaseKeepsOnlyFreshCopy(t *testing.T) {
	host, acc := newDevices(t)
	obj := gray4x4(t, host)

	obj.Retain(acc)
	w := obj.MustAccess(ReadWrite, acc, StorageBuffer)
	w.Release()
	obj.Release(acc)

	if !obj.HasRepresentation(acc, StorageBuffer) {
		t.Fatal("only fresh copy was freed")
	}
	r, err := obj.GetAccess(Read, host, StorageHost)
	if err != nil {
		t.Fatalf("host read error = %v", err)
	}
	r.Release()
}

func TestUnrefFreesUnretained(t *testing.T) {
	host, acc := newDevices(t)
	obj := gray4x4(t, host)
	obj.Ref()

	r := obj.MustAccess(Read, acc, StorageBuffer)
	r.Release()
	obj.Retain(host)

	obj.Unref()
	if obj.Refs() != 1 || !obj.HasRepresentation(acc, StorageBuffer) {
		t.Fatal("Unref() with a reference left freed memory")
	}
	obj.Unref()
	if obj.HasRepresentation(acc, StorageBuffer) {
		t.Error("unretained accelerator copy kept at zero references")
	}
	if !obj.HasRepresentation(host, StorageHost) {
		t.Error("retained host copy freed before its release")
	}
	obj.Release(host)
	if len(obj.Representations()) != 0 {
		t.Errorf("Representations() = %v, want none", obj.Representations())
	}
}

func TestStaleReadersBlockRefresh(t *testing.T) {
	host, acc := newDevices(t)
	obj := gray4x4(t, host)

	r1 := obj.MustAccess(Read, host, StorageHost)
	before := bytes.Clone(r1.Host())

	w := obj.MustAccess(Write, acc, StorageBuffer)
	w.Release()
	if !obj.IsStale(host, StorageHost) {
		t.Fatal("host copy should be stale after accelerator write")
	}

	if _, err := obj.GetAccess(Read, host, StorageHost); !errors.Is(err, pipeflow.ErrAccessConflict) {
		t.Errorf("refresh under a reader error = %v, want ErrAccessConflict", err)
	}
	if !bytes.Equal(r1.Host(), before) {
		t.Error("bytes under an outstanding reader changed")
	}
	r1.Release()

	r2, err := obj.GetAccess(Read, host, StorageHost)
	if err != nil {
		t.Fatalf("read after reader released error = %v", err)
	}
	r2.Release()
	if got := obj.Conversions(); got != 1 {
		t.Errorf("Conversions() = %d, want 1", got)
	}
}

func TestReadAfterEveryCopyFreed(t *testing.T) {
	host, _ := newDevices(t)
	obj := gray4x4(t, host)

	obj.Retain(host)
	obj.Unref()
	obj.Release(host)
	if len(obj.Representations()) != 0 {
		t.Fatalf("Representations() = %v, want none", obj.Representations())
	}
	if _, err := obj.GetAccess(Read, host, StorageHost); !errors.Is(err, ErrNoRepresentation) {
		t.Errorf("read of freed object error = %v, want ErrNoRepresentation", err)
	}
}

func TestCollections(t *testing.T) {
	host, _ := newDevices(t)
	a, b := gray4x4(t, host), gray4x4(t, host)
	seq := NewSequence(a, b)
	if seq.Kind() != KindSequence || seq.Len() != 2 {
		t.Fatalf("sequence = %v len %d", seq.Kind(), seq.Len())
	}
	if a.Refs() != 2 {
		t.Errorf("element Refs() = %d, want 2", a.Refs())
	}
	seq.Unref()
	if a.Refs() != 1 || b.Refs() != 1 {
		t.Errorf("element refs after sequence unref = %d, %d, want 1", a.Refs(), b.Refs())
	}
	if els := seq.Elements(); els[0] != a || els[1] != b {
		t.Error("Elements() order changed")
	}
}

func TestMesh(t *testing.T) {
	host, acc := newDevices(t)
	m := NewMesh(3, 1)
	if got := m.ByteSize(); got != 3*MeshVertexSize+12 {
		t.Errorf("ByteSize() = %d, want %d", got, 3*MeshVertexSize+12)
	}
	w, err := m.GetAccess(Write, host, StorageHost)
	if err != nil {
		t.Fatal(err)
	}
	w.Release()
	r, err := m.GetAccess(Read, acc, StorageVertexBuffer)
	if err != nil {
		t.Fatalf("vertex buffer read error = %v", err)
	}
	if r.Buffer() == nil || r.Image() != nil {
		t.Error("vertex buffer access should expose a buffer")
	}
	r.Release()
}

type oneFrame struct{ obj *Object }

func (s oneFrame) NextFrame(context.Context) (*Object, error) { return s.obj, nil }

func TestDynamic(t *testing.T) {
	host, _ := newDevices(t)
	frame := gray4x4(t, host)
	dyn := NewDynamic(KindImage, oneFrame{frame})
	if !dyn.IsDynamic() {
		t.Fatal("IsDynamic() = false")
	}
	if _, err := dyn.GetAccess(Read, host, StorageHost); !errors.Is(err, ErrDynamicAccess) {
		t.Errorf("GetAccess(dynamic) error = %v, want ErrDynamicAccess", err)
	}
	got, err := dyn.NextFrame(context.Background())
	if err != nil || got != frame {
		t.Errorf("NextFrame() = %v, %v", got, err)
	}
	if _, err := frame.NextFrame(context.Background()); err == nil {
		t.Error("NextFrame() on static object should fail")
	}
}

func TestTimestampsAndMetadata(t *testing.T) {
	host, _ := newDevices(t)
	a, b := gray4x4(t, host), gray4x4(t, host)
	if b.Timestamp() <= a.Timestamp() {
		t.Error("timestamps are not monotonic across objects")
	}
	before := a.Timestamp()
	a.UpdateModifiedTimestamp()
	if a.Timestamp() <= b.Timestamp() || a.Timestamp() <= before {
		t.Error("UpdateModifiedTimestamp() did not advance past every earlier stamp")
	}

	a.SetFrameData("time", "12")
	md := a.FrameData()
	md["time"] = "changed"
	if a.FrameData()["time"] != "12" {
		t.Error("FrameData() returned the internal map")
	}
	a.SetLastFrame(true)
	if !a.IsLastFrame() {
		t.Error("IsLastFrame() = false")
	}
	a.SetSource("node-1")
	if a.Source() != "node-1" {
		t.Errorf("Source() = %q", a.Source())
	}
}

func TestExpectShape(t *testing.T) {
	obj := NewImage(Shape{Dims: []int{4, 3}, Type: Uint8, Channels: 4})
	if err := ExpectShape(obj, []int{4, 0}, 4); err != nil {
		t.Errorf("ExpectShape() error = %v", err)
	}
	if err := ExpectShape(obj, nil, 0); err != nil {
		t.Errorf("ExpectShape(any) error = %v", err)
	}
	err := ExpectShape(obj, []int{5, 3}, 1)
	if !errors.Is(err, pipeflow.ErrShapeMismatch) {
		t.Fatalf("ExpectShape() error = %v, want ErrShapeMismatch", err)
	}
	if !strings.Contains(err.Error(), "dimension 0 is 4") || !strings.Contains(err.Error(), "4 channels") {
		t.Errorf("ExpectShape() error %q should report every mismatch", err)
	}
	if err := ExpectShape(obj, []int{4, 3, 1}, 0); !errors.Is(err, pipeflow.ErrShapeMismatch) {
		t.Errorf("ExpectShape(3 dims) error = %v, want ErrShapeMismatch", err)
	}
}

func TestNewFromHostSizeMismatch(t *testing.T) {
	host, _ := newDevices(t)
	_, err := NewImageFromHost(Shape{Dims: []int{2, 2}, Type: Uint8, Channels: 1}, []byte{1, 2, 3}, host)
	if !errors.Is(err, pipeflow.ErrShapeMismatch) {
		t.Errorf("NewImageFromHost() error = %v, want ErrShapeMismatch", err)
	}
	ten, err := NewTensorFromFloat32([]int{2}, []float32{1.5, -2}, host)
	if err != nil {
		t.Fatal(err)
	}
	a := ten.MustAccess(Read, host, StorageHost)
	defer a.Release()
	if got := BytesFloat32(a.Host()); got[0] != 1.5 || got[1] != -2 {
		t.Errorf("tensor values = %v", got)
	}
}
