package data

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/gogpu/pipeflow"
	"github.com/gogpu/pipeflow/device"
)

// clock is the process-wide modification clock. Timestamps from different
// objects are comparable.
var clock atomic.Uint64

func nextTimestamp() uint64 { return clock.Add(1) }

// FrameSource produces one concrete object per frame. stream.Source
// implements it.
type FrameSource interface {
	NextFrame(ctx context.Context) (*Object, error)
}

type repKey struct {
	device  string
	storage Storage
}

type representation struct {
	dev     device.Device
	storage Storage
	res     device.Resource
	version uint64
	readers int
	writer  bool
}

func (r *representation) busy() bool { return r.writer || r.readers > 0 }

// Object is a versioned, multi-representation data artifact.
//
// Each representation carries the data version it was last synchronized
// with. A representation whose version differs from the object's master
// version is stale and is re-derived from a fresh one on the next read.
//
// Object is safe for concurrent use.
type Object struct {
	id    uuid.UUID
	kind  Kind
	shape Shape
	size  uint64

	// triangles is the index count of a mesh.
	triangles int

	elements []*Object
	frames   FrameSource

	conversions atomic.Uint64

	mu        sync.Mutex
	timestamp uint64
	master    uint64
	reps      map[repKey]*representation
	retains   map[string]int
	refs      int
	source    string
	frameData map[string]string
	lastFrame bool
}

func newObject(kind Kind, shape Shape, size uint64) *Object {
	return &Object{
		id:        uuid.New(),
		kind:      kind,
		shape:     shape,
		size:      size,
		timestamp: nextTimestamp(),
		reps:      make(map[repKey]*representation),
		retains:   make(map[string]int),
		refs:      1,
	}
}

// NewImage creates an image with no data. Dims are width, height and
// optionally depth.
func NewImage(shape Shape) *Object {
	return newObject(KindImage, shape, shape.ByteSize())
}

// NewTensor creates a tensor with no data.
func NewTensor(shape Shape) *Object {
	return newObject(KindTensor, shape, shape.ByteSize())
}

// NewImageFromHost creates an image holding a copy of pixels in a host
// representation on host.
func NewImageFromHost(shape Shape, pixels []byte, host device.Device) (*Object, error) {
	return newFromHost(KindImage, shape, pixels, host)
}

// NewTensorFromFloat32 creates a float32 tensor holding a copy of values.
func NewTensorFromFloat32(dims []int, values []float32, host device.Device) (*Object, error) {
	shape := Shape{Dims: dims, Type: Float32, Channels: 1}
	return newFromHost(KindTensor, shape, Float32Bytes(values), host)
}

func newFromHost(kind Kind, shape Shape, b []byte, host device.Device) (*Object, error) {
	o := newObject(kind, shape, shape.ByteSize())
	if uint64(len(b)) != o.size {
		return nil, fmt.Errorf("%w: %d bytes for %s %s (want %d)",
			pipeflow.ErrShapeMismatch, len(b), kind, shape, o.size)
	}
	a, err := o.GetAccess(Write, host, StorageHost)
	if err != nil {
		return nil, err
	}
	copy(a.Host(), b)
	a.Release()
	return o, nil
}

// MeshVertexSize is the byte size of one mesh vertex: position and normal
// as six float32 values.
const MeshVertexSize = 6 * 4

// NewMesh creates a surface mesh. The byte layout is vertexCount vertices
// of MeshVertexSize bytes followed by triangleCount uint32 index triples.
func NewMesh(vertexCount, triangleCount int) *Object {
	shape := Shape{Dims: []int{vertexCount}, Type: Float32, Channels: 6}
	size := uint64(vertexCount)*MeshVertexSize + uint64(triangleCount)*3*4
	o := newObject(KindMesh, shape, size)
	o.triangles = triangleCount
	return o
}

// NewBatch groups objects processed together. The batch holds a reference
// to every element.
func NewBatch(objs ...*Object) *Object {
	return newCollection(KindBatch, objs)
}

// NewSequence groups frames in temporal order.
func NewSequence(objs ...*Object) *Object {
	return newCollection(KindSequence, objs)
}

func newCollection(kind Kind, objs []*Object) *Object {
	o := newObject(kind, Shape{Dims: []int{len(objs)}}, 0)
	o.elements = slices.Clone(objs)
	for _, e := range o.elements {
		e.Ref()
	}
	return o
}

// NewDynamic creates a handle to a frame source. It has no storage; each
// NextFrame call yields a concrete object.
func NewDynamic(kind Kind, src FrameSource) *Object {
	o := newObject(kind, Shape{}, 0)
	o.frames = src
	return o
}

func (o *Object) ID() uuid.UUID { return o.id }
func (o *Object) Kind() Kind    { return o.kind }

// Shape returns the object shape. The Dims slice must not be modified.
func (o *Object) Shape() Shape { return o.shape }

// ByteSize returns the size of one representation in bytes.
func (o *Object) ByteSize() uint64 { return o.size }

// Triangles returns the triangle count of a mesh.
func (o *Object) Triangles() int { return o.triangles }

// IsDynamic reports whether the object is backed by a frame source.
func (o *Object) IsDynamic() bool { return o.frames != nil }

// NextFrame fetches one frame from the source of a dynamic object.
func (o *Object) NextFrame(ctx context.Context) (*Object, error) {
	if o.frames == nil {
		return nil, fmt.Errorf("data: %s is not dynamic", o)
	}
	return o.frames.NextFrame(ctx)
}

// Elements returns the members of a batch or sequence.
func (o *Object) Elements() []*Object { return slices.Clone(o.elements) }

// Len returns the number of elements of a batch or sequence.
func (o *Object) Len() int { return len(o.elements) }

func (o *Object) String() string {
	return fmt.Sprintf("%s %s (%s)", o.kind, o.shape, o.id.String()[:8])
}

// UpdateModifiedTimestamp marks a logical change. Call it once per change;
// processing nodes compare timestamps to decide whether to re-execute.
func (o *Object) UpdateModifiedTimestamp() {
	o.mu.Lock()
	o.timestamp = nextTimestamp()
	o.mu.Unlock()
}

// Timestamp returns the modification timestamp.
func (o *Object) Timestamp() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.timestamp
}

// Source returns the ID of the node that produced the object, if any.
// The reference is weak: resolve it through the pipeline context.
func (o *Object) Source() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.source
}

func (o *Object) SetSource(nodeID string) {
	o.mu.Lock()
	o.source = nodeID
	o.mu.Unlock()
}

// SetFrameData attaches a metadata entry such as a capture time or a
// transform to the frame.
func (o *Object) SetFrameData(key, value string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.frameData == nil {
		o.frameData = make(map[string]string)
	}
	o.frameData[key] = value
}

// FrameData returns a copy of the frame metadata.
func (o *Object) FrameData() map[string]string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return maps.Clone(o.frameData)
}

func (o *Object) SetLastFrame(last bool) {
	o.mu.Lock()
	o.lastFrame = last
	o.mu.Unlock()
}

// IsLastFrame reports whether the object is the final frame of a stream.
func (o *Object) IsLastFrame() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastFrame
}

// Conversions returns the number of representation conversions performed.
func (o *Object) Conversions() uint64 { return o.conversions.Load() }

// HasRepresentation reports whether a representation exists on dev in the
// given storage, fresh or stale.
func (o *Object) HasRepresentation(dev device.Device, storage Storage) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.reps[repKey{dev.Info().ID, storage}]
	return ok
}

// IsStale reports whether the representation exists and is out of date.
func (o *Object) IsStale(dev device.Device, storage Storage) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.reps[repKey{dev.Info().ID, storage}]
	return ok && r.version != o.master
}

// RepresentationInfo describes one live representation.
type RepresentationInfo struct {
	Device  string
	Storage Storage
	Fresh   bool
}

// Representations lists live representations ordered by device and storage.
func (o *Object) Representations() []RepresentationInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]RepresentationInfo, 0, len(o.reps))
	for k, r := range o.reps {
		out = append(out, RepresentationInfo{Device: k.device, Storage: k.storage, Fresh: r.version == o.master})
	}
	slices.SortFunc(out, func(a, b RepresentationInfo) int {
		if a.Device != b.Device {
			if a.Device < b.Device {
				return -1
			}
			return 1
		}
		return int(a.Storage) - int(b.Storage)
	})
	return out
}

// Retain records a use of the object's memory on dev.
func (o *Object) Retain(dev device.Device) {
	o.mu.Lock()
	o.retains[dev.Info().ID]++
	o.mu.Unlock()
}

// Release ends a use recorded by Retain. When the count for dev reaches
// zero the representations on dev are freed, except a copy that is the
// only fresh one while the object is still referenced.
func (o *Object) Release(dev device.Device) {
	id := dev.Info().ID
	o.mu.Lock()
	defer o.mu.Unlock()

	n := o.retains[id]
	if n == 0 {
		pipeflow.Logger().Warn("data: release without retain", "object", o.id, "device", id)
		return
	}
	if n > 1 {
		o.retains[id] = n - 1
		return
	}
	delete(o.retains, id)
	o.freeDevice(id, o.refs > 0)
}

// Retains returns the retain count for dev.
func (o *Object) Retains(dev device.Device) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.retains[dev.Info().ID]
}

// Ref adds a shared reference.
func (o *Object) Ref() {
	o.mu.Lock()
	o.refs++
	o.mu.Unlock()
}

// Unref drops a shared reference. At zero, representations on devices
// without outstanding retains are freed; the rest go when their last
// retain is released. Elements of a collection are unreferenced too.
func (o *Object) Unref() {
	o.mu.Lock()
	if o.refs == 0 {
		o.mu.Unlock()
		pipeflow.Logger().Warn("data: unref of unreferenced object", "object", o.id)
		return
	}
	o.refs--
	if o.refs > 0 {
		o.mu.Unlock()
		return
	}
	devices := make(map[string]struct{})
	for k := range o.reps {
		devices[k.device] = struct{}{}
	}
	for id := range devices {
		if o.retains[id] == 0 {
			o.freeDevice(id, false)
		}
	}
	elements := o.elements
	o.mu.Unlock()

	for _, e := range elements {
		e.Unref()
	}
}

// Refs returns the shared reference count.
func (o *Object) Refs() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.refs
}

// freeDevice releases the representations on a device. Representations
// under an outstanding guard are kept. With keepLast, a representation
// that is the only fresh copy is kept as well.
func (o *Object) freeDevice(id string, keepLast bool) {
	for k, r := range o.reps {
		if k.device != id || r.busy() {
			continue
		}
		if keepLast && r.version == o.master && o.freshCopies() == 1 {
			continue
		}
		r.res.Release()
		delete(o.reps, k)
		pipeflow.Logger().Debug("data: representation freed",
			"object", o.id, "device", id, "storage", k.storage)
	}
}

func (o *Object) freshCopies() int {
	n := 0
	for _, r := range o.reps {
		if r.version == o.master && o.master != 0 {
			n++
		}
	}
	return n
}
