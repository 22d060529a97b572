package data

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/hashicorp/go-multierror"

	"github.com/gogpu/pipeflow"
)

// ExpectShape checks that obj has len(dims) dimensions and the given
// channel count. A zero dim or channel count matches anything. Every
// mismatch is reported; each one wraps pipeflow.ErrShapeMismatch.
func ExpectShape(obj *Object, dims []int, channels int) error {
	var errs *multierror.Error
	shape := obj.Shape()
	if dims != nil {
		if len(shape.Dims) != len(dims) {
			errs = multierror.Append(errs, fmt.Errorf("%w: %s has %d dimensions, want %d",
				pipeflow.ErrShapeMismatch, obj, len(shape.Dims), len(dims)))
		} else {
			for i, want := range dims {
				if want != 0 && shape.Dims[i] != want {
					errs = multierror.Append(errs, fmt.Errorf("%w: %s dimension %d is %d, want %d",
						pipeflow.ErrShapeMismatch, obj, i, shape.Dims[i], want))
				}
			}
		}
	}
	if channels != 0 && max(shape.Channels, 1) != channels {
		errs = multierror.Append(errs, fmt.Errorf("%w: %s has %d channels, want %d",
			pipeflow.ErrShapeMismatch, obj, max(shape.Channels, 1), channels))
	}
	return errs.ErrorOrNil()
}

// Float32Bytes encodes values as little-endian bytes.
func Float32Bytes(values []float32) []byte {
	b := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	return b
}

// BytesFloat32 decodes little-endian bytes into float32 values.
func BytesFloat32(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}
