// Package threshold provides a binary threshold node that runs where its
// input lives.
//
// The node picks one of three paths per run:
//
//   - kernel: devices that dispatch compiled kernels (device/wgpudev) run a
//     WGSL kernel over linear buffers.
//   - native or linear: devices with host-visible memory run a CPU kernel
//     on the device queue, writing a native R8Uint image when the device
//     can bind one for storage in the input dimension, a linear buffer
//     otherwise.
//   - host: anything else is read and written through host copies.
package threshold

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/pipeflow"
	"github.com/gogpu/pipeflow/data"
	"github.com/gogpu/pipeflow/device"
	"github.com/gogpu/pipeflow/pipeline"
)

// Path is the execution strategy chosen for one run.
type Path uint8

const (
	PathHost Path = iota
	PathLinear
	PathNative
	PathKernel
)

func (p Path) String() string {
	switch p {
	case PathHost:
		return "host"
	case PathLinear:
		return "linear"
	case PathNative:
		return "native"
	case PathKernel:
		return "kernel"
	default:
		return "unknown"
	}
}

// workgroupSize matches @workgroup_size in kernelSource.
const workgroupSize = 64

// kernelSource packs four mask bytes into each u32 of dst. COUNT and
// THRESHOLD are supplied as defines.
const kernelSource = `
@group(0) @binding(0) var<storage, read_write> src: array<f32>;
@group(0) @binding(1) var<storage, read_write> dst: array<u32>;

fn bit(p: u32, k: u32) -> u32 {
    if (p < COUNT && src[p] >= THRESHOLD) {
        return 1u << (k * 8u);
    }
    return 0u;
}

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    let i = id.x;
    if (i * 4u >= COUNT) {
        return;
    }
    let p = i * 4u;
    dst[i] = bit(p, 0u) | bit(p + 1u, 1u) | bit(p + 2u, 2u) | bit(p + 3u, 3u);
}
`

// dispatcher is implemented by devices that run compiled kernels.
type dispatcher interface {
	Dispatch(k *device.Kernel, entry string, groups [3]uint32, bindings ...device.Buffer) error
}

// Threshold turns a single-channel float32 image into a uint8 mask that is
// 1 where the value is at least the threshold and 0 elsewhere.
//
// The "threshold" parameter overrides the value given to New.
type Threshold struct {
	value float64

	compilerOnce sync.Once
	compiler     *device.Compiler

	mu   sync.Mutex
	last Path
}

func New(threshold float64) *Threshold {
	return &Threshold{value: threshold}
}

// LastPath reports the path taken by the most recent run.
func (t *Threshold) LastPath() Path {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

func (t *Threshold) Ports() ([]pipeline.InputPort, []pipeline.OutputPort) {
	return []pipeline.InputPort{{
			Name:     "image",
			Kind:     data.KindImage,
			Channels: 1,
			Manual:   true,
		}},
		[]pipeline.OutputPort{{Name: "mask", Kind: data.KindImage}}
}

func (t *Threshold) Execute(exec *pipeline.Execution) error {
	in := exec.Input("image")
	shape := in.Shape()
	if shape.Type != data.Float32 {
		return fmt.Errorf("%w: threshold of %s images", pipeflow.ErrUnsupportedCapability, shape.Type)
	}
	if n := len(shape.Dims); n != 2 && n != 3 {
		return fmt.Errorf("%w: threshold needs a 2D or 3D image, got %s", pipeflow.ErrShapeMismatch, shape)
	}
	value, err := exec.ParamFloat("threshold", t.value)
	if err != nil {
		return err
	}

	mask := data.NewImage(data.Shape{Dims: shape.Dims, Type: data.Uint8, Channels: 1})
	path := choosePath(exec.Device(), shape)
	switch path {
	case PathKernel:
		err = t.runKernel(exec, in, mask, float32(value))
	case PathNative, PathLinear:
		err = runQueued(exec, in, mask, float32(value), path)
	default:
		err = runHost(exec, in, mask, float32(value))
	}
	if err != nil {
		mask.Unref()
		return err
	}

	t.mu.Lock()
	t.last = path
	t.mu.Unlock()
	exec.Logger().Debug("threshold: done", "path", path.String(), "value", value)
	return exec.SetOutput("mask", mask)
}

// choosePath queries the device for the best strategy.
func choosePath(dev device.Device, shape data.Shape) Path {
	if _, ok := dev.(dispatcher); ok {
		return PathKernel
	}
	if !device.IsHostMemory(dev) {
		return PathHost
	}
	dim := shape.Dimension()
	if dev.SupportsFormat(dim, shape.Format(), gputypes.TextureUsageTextureBinding) &&
		dev.SupportsFormat(dim, gputypes.TextureFormatR8Uint, gputypes.TextureUsageStorageBinding) {
		return PathNative
	}
	return PathLinear
}

// apply writes the mask bytes for src into dst.
func apply(dst []byte, src []float32, value float32) {
	for i, v := range src {
		if v >= value {
			dst[i] = 1
		} else {
			dst[i] = 0
		}
	}
}

// runQueued runs the CPU kernel on the device queue, in place on the
// device resources.
func runQueued(exec *pipeline.Execution, in, mask *data.Object, value float32, path Path) error {
	storage := data.StorageBuffer
	if path == PathNative {
		storage = data.StorageImage
	}
	src, err := exec.AccessObject(in, data.Read, storage)
	if err != nil {
		return err
	}
	dst, err := exec.AccessObject(mask, data.Write, storage)
	if err != nil {
		return err
	}
	sr, dr := src.Resource(), dst.Resource()
	dev := exec.Device()
	if err := dev.Submit(func() error {
		apply(dr.(device.HostVisible).Contents(), data.BytesFloat32(sr.(device.HostVisible).Contents()), value)
		return nil
	}); err != nil {
		return err
	}
	return dev.Finish()
}

func runHost(exec *pipeline.Execution, in, mask *data.Object, value float32) error {
	src, err := exec.AccessObject(in, data.Read, data.StorageHost)
	if err != nil {
		return err
	}
	dst, err := exec.AccessObject(mask, data.Write, data.StorageHost)
	if err != nil {
		return err
	}
	apply(dst.Host(), data.BytesFloat32(src.Host()), value)
	return nil
}

// kernelDefines returns the defines for an image of count elements.
func kernelDefines(count int, value float32) map[string]string {
	v := strconv.FormatFloat(float64(value), 'f', -1, 32)
	if !strings.ContainsAny(v, ".e") {
		v += ".0"
	}
	return map[string]string{
		"COUNT":     strconv.Itoa(count) + "u",
		"THRESHOLD": v,
	}
}

func (t *Threshold) runKernel(exec *pipeline.Execution, in, mask *data.Object, value float32) error {
	t.compilerOnce.Do(func() { t.compiler = device.NewCompiler() })
	count := in.Shape().Size()
	k, err := t.compiler.Compile("threshold", kernelSource, kernelDefines(count, value))
	if err != nil {
		return err
	}

	src, err := exec.AccessObject(in, data.Read, data.StorageBuffer)
	if err != nil {
		return err
	}
	dst, err := exec.AccessObject(mask, data.Write, data.StorageBuffer)
	if err != nil {
		return err
	}
	words := (count + 3) / 4
	groups := [3]uint32{uint32((words + workgroupSize - 1) / workgroupSize), 1, 1}
	dev := exec.Device()
	if err := dev.(dispatcher).Dispatch(k, "main", groups, src.Buffer(), dst.Buffer()); err != nil {
		return err
	}
	return dev.Finish()
}
