// Package importer loads image files into data objects, either as a
// pipeline source node or as a stream of frames.
package importer

import (
	"context"
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/pipeflow/data"
	"github.com/gogpu/pipeflow/device"
	"github.com/gogpu/pipeflow/pipeline"
	"github.com/gogpu/pipeflow/stream"
)

// Image is a source node that loads an image file.
//
// Parameters:
//
//	filename  path of the file to load (required)
//	type      pixel layout: float32 (default), uint8 or rgba8
//
// The output "image" always has a fresh host copy. When the node runs on an
// accelerator the image is uploaded there too, as a native image if the
// device can sample the format and as a linear buffer otherwise.
type Image struct{}

// New returns an image importer algorithm.
func New() *Image { return &Image{} }

func (*Image) Ports() ([]pipeline.InputPort, []pipeline.OutputPort) {
	return nil, []pipeline.OutputPort{{Name: "image", Kind: data.KindImage}}
}

func (*Image) Execute(exec *pipeline.Execution) error {
	filename := exec.Param("filename")
	if filename == "" {
		return ErrNoFilename
	}
	p, err := ParsePixel(exec.Param("type"))
	if err != nil {
		return err
	}
	shape, pix, err := LoadFile(filename, p)
	if err != nil {
		return err
	}
	obj, err := data.NewImageFromHost(shape, pix, exec.Host())
	if err != nil {
		return err
	}
	exec.Logger().Debug("importer: loaded", "file", filename, "shape", shape.String())

	if err := upload(exec, obj); err != nil {
		obj.Unref()
		return err
	}
	return exec.SetOutput("image", obj)
}

// upload creates the device copy of obj on an accelerator node device.
func upload(exec *pipeline.Execution, obj *data.Object) error {
	dev := exec.Device()
	if dev.Info().Kind != device.KindAccelerator {
		return nil
	}
	storage := data.StorageBuffer
	shape := obj.Shape()
	if f := shape.Format(); f != gputypes.TextureFormatUndefined &&
		dev.SupportsFormat(shape.Dimension(), f, gputypes.TextureUsageTextureBinding|gputypes.TextureUsageCopyDst) {
		storage = data.StorageImage
	}
	if _, err := exec.AccessObject(obj, data.Read, storage); err != nil {
		return fmt.Errorf("importer: upload to %s: %w", dev.Info().ID, err)
	}
	return nil
}

// Files returns a stream generator that emits one image per path, in
// order. Each frame carries its path under the "filename" frame data key.
func Files(host device.Device, p Pixel, paths ...string) stream.Generator {
	return func(ctx context.Context, emit stream.Emit) error {
		for _, path := range paths {
			if err := ctx.Err(); err != nil {
				return err
			}
			shape, pix, err := LoadFile(path, p)
			if err != nil {
				return err
			}
			obj, err := data.NewImageFromHost(shape, pix, host)
			if err != nil {
				return err
			}
			obj.SetFrameData("filename", path)
			if err := emit(obj); err != nil {
				return err
			}
		}
		return nil
	}
}
