package importer

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"io"
	"os"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/bmp"  // register BMP decoder
	_ "golang.org/x/image/tiff" // register TIFF decoder
	_ "golang.org/x/image/webp" // register WebP decoder

	"github.com/gogpu/pipeflow/data"
)

// Decoding errors.
var (
	// ErrNoFilename is returned when the filename parameter is not set.
	ErrNoFilename = errors.New("importer: no filename")

	// ErrEmptyData is returned when image data is empty.
	ErrEmptyData = errors.New("importer: empty data")
)

// Pixel selects the element layout an image is imported as.
type Pixel uint8

const (
	// Gray32F is single-channel float32 in [0, 1], the mean of R, G and B.
	Gray32F Pixel = iota
	// Gray8 is single-channel uint8, the mean of R, G and B.
	Gray8
	// RGBA8 is four-channel uint8, not premultiplied.
	RGBA8
)

func (p Pixel) String() string {
	switch p {
	case Gray32F:
		return "float32"
	case Gray8:
		return "uint8"
	case RGBA8:
		return "rgba8"
	default:
		return "unknown"
	}
}

// ParsePixel parses the value of the "type" parameter. The empty string
// selects Gray32F.
func ParsePixel(s string) (Pixel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "float32", "gray32f":
		return Gray32F, nil
	case "uint8", "gray8":
		return Gray8, nil
	case "rgba8", "rgba":
		return RGBA8, nil
	default:
		return 0, fmt.Errorf("importer: unknown pixel type %q", s)
	}
}

// Shape returns the object shape of a width x height image.
func (p Pixel) Shape(width, height int) data.Shape {
	switch p {
	case Gray8:
		return data.Shape{Dims: []int{width, height}, Type: data.Uint8, Channels: 1}
	case RGBA8:
		return data.Shape{Dims: []int{width, height}, Type: data.Uint8, Channels: 4}
	default:
		return data.Shape{Dims: []int{width, height}, Type: data.Float32, Channels: 1}
	}
}

// DecodeImage decodes an image in any registered format and converts it to
// the pixel layout p. It returns the shape and the packed pixel bytes, rows
// top to bottom.
func DecodeImage(r io.Reader, p Pixel) (data.Shape, []byte, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return data.Shape{}, nil, fmt.Errorf("importer: decode: %w", err)
	}
	shape, pix := Convert(img, p)
	return shape, pix, nil
}

// DecodeBytes is DecodeImage over a byte slice.
func DecodeBytes(b []byte, p Pixel) (data.Shape, []byte, error) {
	if len(b) == 0 {
		return data.Shape{}, nil, ErrEmptyData
	}
	return DecodeImage(bytes.NewReader(b), p)
}

// LoadFile decodes the image file at path.
func LoadFile(path string, p Pixel) (data.Shape, []byte, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return data.Shape{}, nil, fmt.Errorf("importer: open file: %w", err)
	}
	defer func() { _ = f.Close() }()

	return DecodeImage(f, p)
}

// Convert packs img into the pixel layout p.
func Convert(img image.Image, p Pixel) (data.Shape, []byte) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	shape := p.Shape(w, h)
	out := make([]byte, shape.ByteSize())

	// Fast path for the common NRGBA/RGBA decoders output.
	var pix []byte
	var stride int
	switch m := img.(type) {
	case *image.NRGBA:
		pix, stride = m.Pix, m.Stride
	case *image.RGBA:
		if opaque(m) {
			pix, stride = m.Pix, m.Stride
		}
	}

	var grays []float32
	if p == Gray32F {
		grays = make([]float32, w*h)
	}
	for y := range h {
		for x := range w {
			var r, g, bl, a uint8
			if pix != nil {
				off := y*stride + x*4
				r, g, bl, a = pix[off], pix[off+1], pix[off+2], pix[off+3]
			} else {
				c := img.At(b.Min.X+x, b.Min.Y+y)
				r16, g16, b16, a16 := c.RGBA()
				r, g, bl, a = byte(r16>>8), byte(g16>>8), byte(b16>>8), byte(a16>>8)
			}
			i := y*w + x
			switch p {
			case Gray32F:
				grays[i] = float32(int(r)+int(g)+int(bl)) / 3 / 255
			case Gray8:
				out[i] = byte((int(r) + int(g) + int(bl)) / 3)
			case RGBA8:
				copy(out[i*4:], []byte{r, g, bl, a})
			}
		}
	}
	if grays != nil {
		out = data.Float32Bytes(grays)
	}
	return shape, out
}

func opaque(m *image.RGBA) bool {
	for i := 3; i < len(m.Pix); i += 4 {
		if m.Pix[i] != 0xff {
			return false
		}
	}
	return true
}
