// Package resize provides a host-side image scaling node.
package resize

import (
	"fmt"
	"image"
	"strings"

	"golang.org/x/image/draw"

	"github.com/gogpu/pipeflow"
	"github.com/gogpu/pipeflow/data"
	"github.com/gogpu/pipeflow/pipeline"
)

// Interpolation names accepted by the "interpolation" parameter.
const (
	Nearest    = "nearest"
	Bilinear   = "bilinear"
	CatmullRom = "catmullrom"
)

// Scaler returns the x/image/draw scaler for an interpolation name. The
// empty string selects Bilinear.
func Scaler(name string) (draw.Scaler, error) {
	switch strings.ToLower(name) {
	case Nearest:
		return draw.NearestNeighbor, nil
	case "", Bilinear:
		return draw.ApproxBiLinear, nil
	case CatmullRom:
		return draw.CatmullRom, nil
	default:
		return nil, fmt.Errorf("resize: unknown interpolation %q", name)
	}
}

// Resize scales a 2D uint8 image with one or four channels.
//
// Parameters:
//
//	width, height   target size; a missing or zero value keeps the aspect ratio
//	interpolation   nearest, bilinear (default) or catmullrom
type Resize struct{}

func New() *Resize { return &Resize{} }

func (*Resize) Ports() ([]pipeline.InputPort, []pipeline.OutputPort) {
	return []pipeline.InputPort{{
			Name:    "image",
			Kind:    data.KindImage,
			Storage: data.StorageHost,
			Mode:    data.Read,
			Dims:    []int{0, 0},
		}},
		[]pipeline.OutputPort{{Name: "image", Kind: data.KindImage}}
}

func (*Resize) Execute(exec *pipeline.Execution) error {
	in := exec.Input("image")
	shape := in.Shape()
	if shape.Type != data.Uint8 {
		return fmt.Errorf("%w: resize of %s images", pipeflow.ErrUnsupportedCapability, shape.Type)
	}
	channels := max(shape.Channels, 1)
	if channels != 1 && channels != 4 {
		return fmt.Errorf("%w: resize needs 1 or 4 channels, got %d", pipeflow.ErrShapeMismatch, channels)
	}

	w, err := exec.ParamInt("width", 0)
	if err != nil {
		return err
	}
	h, err := exec.ParamInt("height", 0)
	if err != nil {
		return err
	}
	w, h, err = targetSize(shape.Dims[0], shape.Dims[1], w, h)
	if err != nil {
		return err
	}
	scaler, err := Scaler(exec.Param("interpolation"))
	if err != nil {
		return err
	}

	src := wrap(exec.Guard("image").Host(), shape.Dims[0], shape.Dims[1], channels)
	out := data.Shape{Dims: []int{w, h}, Type: data.Uint8, Channels: shape.Channels}
	pix := Scale(scaler, src, w, h)

	obj, err := data.NewImageFromHost(out, pix, exec.Host())
	if err != nil {
		return err
	}
	return exec.SetOutput("image", obj)
}

// targetSize fills in a missing dimension from the source aspect ratio.
func targetSize(sw, sh, w, h int) (int, int, error) {
	switch {
	case w < 0 || h < 0:
		return 0, 0, fmt.Errorf("resize: negative size %dx%d", w, h)
	case w == 0 && h == 0:
		return 0, 0, fmt.Errorf("resize: width or height must be set")
	case w == 0:
		w = max(1, (sw*h+sh/2)/sh)
	case h == 0:
		h = max(1, (sh*w+sw/2)/sw)
	}
	return w, h, nil
}

// wrap views packed pixels as an image without copying.
func wrap(pix []byte, w, h, channels int) image.Image {
	r := image.Rect(0, 0, w, h)
	if channels == 1 {
		return &image.Gray{Pix: pix, Stride: w, Rect: r}
	}
	return &image.NRGBA{Pix: pix, Stride: w * 4, Rect: r}
}

// Scale resizes src to w x h and returns the packed pixels in the layout
// of src (gray or NRGBA).
func Scale(s draw.Scaler, src image.Image, w, h int) []byte {
	r := image.Rect(0, 0, w, h)
	if _, ok := src.(*image.Gray); ok {
		dst := image.NewGray(r)
		s.Scale(dst, r, src, src.Bounds(), draw.Src, nil)
		return dst.Pix
	}
	dst := image.NewNRGBA(r)
	s.Scale(dst, r, src, src.Bounds(), draw.Src, nil)
	return dst.Pix
}
