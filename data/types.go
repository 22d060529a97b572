package data

import (
	"fmt"
	"strings"

	"github.com/gogpu/gputypes"
)

// Kind is the logical type of a data object.
type Kind uint8

// The zero Kind matches any kind where a Kind is used as a filter.
const (
	KindImage Kind = iota + 1
	KindTensor
	KindMesh
	// KindBatch is an unordered collection of objects processed together.
	KindBatch
	// KindSequence is a temporal collection of frames.
	KindSequence
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindTensor:
		return "tensor"
	case KindMesh:
		return "mesh"
	case KindBatch:
		return "batch"
	case KindSequence:
		return "sequence"
	default:
		return "unknown"
	}
}

// DataType is the element type of an object.
type DataType uint8

const (
	Uint8 DataType = iota
	Int8
	Uint16
	Int16
	Uint32
	Float32

	dataTypeCount
)

// DataTypeInfo contains metadata about an element type.
type DataTypeInfo struct {
	Name string

	// Size is the number of bytes per element.
	Size int

	// Formats maps a channel count of 1, 2 or 4 to the image format
	// that stores it. Three channel images have no native format.
	Formats [5]gputypes.TextureFormat
}

var dataTypeTable = [dataTypeCount]DataTypeInfo{
	Uint8: {Name: "uint8", Size: 1, Formats: [5]gputypes.TextureFormat{
		1: gputypes.TextureFormatR8Uint,
		2: gputypes.TextureFormatRG8Uint,
		4: gputypes.TextureFormatRGBA8Uint,
	}},
	Int8: {Name: "int8", Size: 1, Formats: [5]gputypes.TextureFormat{
		1: gputypes.TextureFormatR8Sint,
		2: gputypes.TextureFormatRG8Sint,
		4: gputypes.TextureFormatRGBA8Sint,
	}},
	Uint16: {Name: "uint16", Size: 2, Formats: [5]gputypes.TextureFormat{
		1: gputypes.TextureFormatR16Uint,
		2: gputypes.TextureFormatRG16Uint,
		4: gputypes.TextureFormatRGBA16Uint,
	}},
	Int16: {Name: "int16", Size: 2, Formats: [5]gputypes.TextureFormat{
		1: gputypes.TextureFormatR16Sint,
		2: gputypes.TextureFormatRG16Sint,
		4: gputypes.TextureFormatRGBA16Sint,
	}},
	Uint32: {Name: "uint32", Size: 4, Formats: [5]gputypes.TextureFormat{
		1: gputypes.TextureFormatR32Uint,
		2: gputypes.TextureFormatRG32Uint,
		4: gputypes.TextureFormatRGBA32Uint,
	}},
	Float32: {Name: "float32", Size: 4, Formats: [5]gputypes.TextureFormat{
		1: gputypes.TextureFormatR32Float,
		2: gputypes.TextureFormatRG32Float,
		4: gputypes.TextureFormatRGBA32Float,
	}},
}

// Info returns the DataTypeInfo for this type.
func (t DataType) Info() DataTypeInfo {
	if t >= dataTypeCount {
		return DataTypeInfo{Name: "unknown"}
	}
	return dataTypeTable[t]
}

// Size returns the number of bytes per element.
func (t DataType) Size() int { return t.Info().Size }

func (t DataType) String() string { return t.Info().Name }

// Format returns the image format for the given channel count, or
// gputypes.TextureFormatUndefined when there is none.
func (t DataType) Format(channels int) gputypes.TextureFormat {
	if channels < 1 || channels > 4 {
		return gputypes.TextureFormatUndefined
	}
	return t.Info().Formats[channels]
}

// Shape describes the extent and element layout of an object.
// Dims are ordered width, height, depth for images.
type Shape struct {
	Dims     []int
	Type     DataType
	Channels int
}

// Size returns the number of elements, channels included.
func (s Shape) Size() int {
	if len(s.Dims) == 0 {
		return 0
	}
	n := max(s.Channels, 1)
	for _, d := range s.Dims {
		n *= d
	}
	return n
}

// ByteSize returns the number of bytes needed to hold the data.
func (s Shape) ByteSize() uint64 {
	return uint64(s.Size()) * uint64(s.Type.Size())
}

// Extent returns the shape as an image extent. Missing dimensions are 1.
func (s Shape) Extent() gputypes.Extent3D {
	e := gputypes.Extent3D{Width: 1, Height: 1, DepthOrArrayLayers: 1}
	if len(s.Dims) > 0 {
		e.Width = uint32(s.Dims[0])
	}
	if len(s.Dims) > 1 {
		e.Height = uint32(s.Dims[1])
	}
	if len(s.Dims) > 2 {
		e.DepthOrArrayLayers = uint32(s.Dims[2])
	}
	return e
}

// Dimension returns the image dimension implied by the number of dims.
func (s Shape) Dimension() gputypes.TextureDimension {
	switch len(s.Dims) {
	case 1:
		return gputypes.TextureDimension1D
	case 3:
		return gputypes.TextureDimension3D
	default:
		return gputypes.TextureDimension2D
	}
}

// Format returns the image format for the shape.
func (s Shape) Format() gputypes.TextureFormat {
	return s.Type.Format(s.Channels)
}

// Equal reports whether two shapes describe the same layout.
func (s Shape) Equal(o Shape) bool {
	if s.Type != o.Type || max(s.Channels, 1) != max(o.Channels, 1) || len(s.Dims) != len(o.Dims) {
		return false
	}
	for i := range s.Dims {
		if s.Dims[i] != o.Dims[i] {
			return false
		}
	}
	return true
}

// String formats the shape as "64x64x1 float32".
func (s Shape) String() string {
	parts := make([]string, len(s.Dims))
	for i, d := range s.Dims {
		parts[i] = fmt.Sprint(d)
	}
	return fmt.Sprintf("%sx%d %s", strings.Join(parts, "x"), max(s.Channels, 1), s.Type)
}

// Storage is the kind of memory a representation lives in.
type Storage uint8

const (
	// StorageHost is a plain byte array on the host device.
	StorageHost Storage = iota
	// StorageBuffer is a linear device buffer.
	StorageBuffer
	// StorageImage is a device image with a native texel format.
	StorageImage
	// StorageVertexBuffer is a vertex buffer usable by graphics interop.
	// Only meshes have one.
	StorageVertexBuffer
)

func (s Storage) String() string {
	switch s {
	case StorageHost:
		return "host"
	case StorageBuffer:
		return "buffer"
	case StorageImage:
		return "image"
	case StorageVertexBuffer:
		return "vertex-buffer"
	default:
		return "unknown"
	}
}

// Mode is the access mode of a guard.
type Mode uint8

const (
	Read Mode = iota
	// Write discards previous contents; no conversion happens.
	Write
	ReadWrite
)

func (m Mode) String() string {
	switch m {
	case Read:
		return "read"
	case Write:
		return "write"
	case ReadWrite:
		return "read-write"
	default:
		return "unknown"
	}
}

func (m Mode) reads() bool  { return m == Read || m == ReadWrite }
func (m Mode) writes() bool { return m == Write || m == ReadWrite }
