package data

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/pipeflow"
	"github.com/gogpu/pipeflow/device"
)

// Access is a scoped permission to read or write one representation of an
// object on one device. Release it when done; Release is idempotent.
type Access struct {
	obj      *Object
	rep      *representation
	mode     Mode
	released atomic.Bool
}

func (a *Access) Object() *Object           { return a.obj }
func (a *Access) Mode() Mode                { return a.mode }
func (a *Access) Device() device.Device     { return a.rep.dev }
func (a *Access) Storage() Storage          { return a.rep.storage }
func (a *Access) Resource() device.Resource { return a.rep.res }

// Host returns the bytes of a host representation, or nil for device
// storage.
func (a *Access) Host() []byte {
	if a.rep.storage != StorageHost {
		return nil
	}
	if hv, ok := a.rep.res.(device.HostVisible); ok {
		return hv.Contents()
	}
	return nil
}

// Buffer returns the resource of a buffer or vertex buffer representation.
func (a *Access) Buffer() device.Buffer {
	b, _ := a.rep.res.(device.Buffer)
	return b
}

// Image returns the resource of an image representation.
func (a *Access) Image() device.Image {
	if a.rep.storage != StorageImage {
		return nil
	}
	img, _ := a.rep.res.(device.Image)
	return img
}

// Release gives the representation back to other guards.
func (a *Access) Release() {
	if !a.released.CompareAndSwap(false, true) {
		return
	}
	o := a.obj
	o.mu.Lock()
	if a.mode.writes() {
		a.rep.writer = false
	} else {
		a.rep.readers--
	}
	o.mu.Unlock()
}

// GetAccess returns a guard for the representation of the object on dev in
// the given storage. It is the only way to touch the object's bytes.
//
// Read and ReadWrite bring a stale or missing representation up to date by
// converting from a fresh one; the copy is kept for later accesses. Write
// and ReadWrite make the representation the new source of truth and every
// sibling stale.
//
// Any number of readers may share a representation. A writer excludes
// every other guard on it, and a stale representation is not refreshed
// under its outstanding readers; a violation returns
// pipeflow.ErrAccessConflict.
func (o *Object) GetAccess(mode Mode, dev device.Device, storage Storage) (*Access, error) {
	if o.frames != nil {
		return nil, ErrDynamicAccess
	}
	if o.kind == KindBatch || o.kind == KindSequence {
		return nil, fmt.Errorf("%w: %s has no storage, access its elements", pipeflow.ErrUnsupportedCapability, o.kind)
	}
	id := dev.Info().ID

	o.mu.Lock()
	defer o.mu.Unlock()

	key := repKey{id, storage}
	rep := o.reps[key]
	if rep != nil {
		if rep.writer {
			return nil, fmt.Errorf("%w: %s %s on %s is held by a writer", pipeflow.ErrAccessConflict, o, storage, id)
		}
		if mode.writes() && rep.readers > 0 {
			return nil, fmt.Errorf("%w: %s %s on %s has %d readers", pipeflow.ErrAccessConflict, o, storage, id, rep.readers)
		}
		if mode.writes() && storage == StorageImage && rep.res.(device.Image).Usage()&gputypes.TextureUsageStorageBinding == 0 {
			return nil, fmt.Errorf("%w: %s image on %s is not writable", pipeflow.ErrUnsupportedCapability, o, id)
		}
	}

	fresh := rep != nil && rep.version == o.master && o.master != 0
	if mode.reads() && !fresh && o.master != 0 {
		if rep != nil && rep.readers > 0 {
			return nil, fmt.Errorf("%w: stale %s %s on %s still has %d readers",
				pipeflow.ErrAccessConflict, o, storage, id, rep.readers)
		}
		src := o.freshest(id)
		if src == nil {
			return nil, fmt.Errorf("%w: every fresh copy of %s was freed", ErrNoRepresentation, o)
		}
		if src.writer {
			return nil, fmt.Errorf("%w: freshest copy of %s is held by a writer", pipeflow.ErrAccessConflict, o)
		}
		created := rep == nil
		if created {
			var err error
			if rep, err = o.allocate(dev, storage, mode); err != nil {
				return nil, err
			}
		}
		if err := o.convert(src, rep); err != nil {
			if created {
				rep.res.Release()
			}
			return nil, err
		}
		if created {
			o.reps[key] = rep
		}
		rep.version = o.master
		o.conversions.Add(1)
		pipeflow.Logger().Debug("data: converted",
			"object", o.id, "from", src.dev.Info().ID+"/"+src.storage.String(), "to", id+"/"+storage.String())
	} else if mode == Read && o.master == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoRepresentation, o)
	}

	if rep == nil {
		var err error
		if rep, err = o.allocate(dev, storage, mode); err != nil {
			return nil, err
		}
		o.reps[key] = rep
	}

	if mode.writes() {
		o.master++
		rep.version = o.master
		rep.writer = true
	} else {
		rep.readers++
	}
	return &Access{obj: o, rep: rep, mode: mode}, nil
}

// MustAccess is like GetAccess but panics on error. Use it where a failure
// is a programming bug.
func (o *Object) MustAccess(mode Mode, dev device.Device, storage Storage) *Access {
	a, err := o.GetAccess(mode, dev, storage)
	if err != nil {
		panic(err)
	}
	return a
}

// freshest picks the conversion source: a fresh copy on the same device
// first, then the host copy, then any other.
func (o *Object) freshest(device string) *representation {
	var best *representation
	rank := func(r *representation) int {
		switch {
		case r.dev.Info().ID == device:
			return 0
		case r.storage == StorageHost:
			return 1
		default:
			return 2
		}
	}
	for _, r := range o.reps {
		if r.version != o.master {
			continue
		}
		if best == nil || rank(r) < rank(best) {
			best = r
		}
	}
	return best
}

func (o *Object) allocate(dev device.Device, storage Storage, mode Mode) (*representation, error) {
	var (
		res device.Resource
		err error
	)
	switch storage {
	case StorageHost:
		if dev.Info().Kind != device.KindHost {
			return nil, fmt.Errorf("%w: host storage on %s device %s",
				pipeflow.ErrUnsupportedCapability, dev.Info().Kind, dev.Info().ID)
		}
		res, err = dev.CreateBuffer(o.size, gputypes.BufferUsageCopySrc|gputypes.BufferUsageCopyDst)
	case StorageBuffer:
		res, err = dev.CreateBuffer(o.size, gputypes.BufferUsageStorage|gputypes.BufferUsageCopySrc|gputypes.BufferUsageCopyDst)
	case StorageVertexBuffer:
		if o.kind != KindMesh {
			return nil, fmt.Errorf("%w: vertex buffer for %s", pipeflow.ErrUnsupportedCapability, o.kind)
		}
		res, err = dev.CreateBuffer(o.size, gputypes.BufferUsageVertex|gputypes.BufferUsageIndex|
			gputypes.BufferUsageStorage|gputypes.BufferUsageCopySrc|gputypes.BufferUsageCopyDst)
	case StorageImage:
		res, err = o.allocateImage(dev, mode)
	default:
		return nil, fmt.Errorf("data: unknown storage %d", storage)
	}
	if err != nil {
		return nil, err
	}
	pipeflow.Logger().Debug("data: representation allocated",
		"object", o.id, "device", dev.Info().ID, "storage", storage, "bytes", o.size)
	return &representation{dev: dev, storage: storage, res: res}, nil
}

// allocateImage creates a sampled image, adding storage binding when the
// device can write the format. Write access requires storage binding.
func (o *Object) allocateImage(dev device.Device, mode Mode) (device.Image, error) {
	if o.kind != KindImage {
		return nil, fmt.Errorf("%w: image storage for %s", pipeflow.ErrUnsupportedCapability, o.kind)
	}
	dim, format := o.shape.Dimension(), o.shape.Format()
	if format == gputypes.TextureFormatUndefined {
		return nil, fmt.Errorf("%w: no image format for %d channel %s",
			pipeflow.ErrUnsupportedCapability, o.shape.Channels, o.shape.Type)
	}
	usage := gputypes.TextureUsageTextureBinding
	if dev.SupportsFormat(dim, format, usage|gputypes.TextureUsageStorageBinding) {
		usage |= gputypes.TextureUsageStorageBinding
	} else if mode.writes() {
		return nil, fmt.Errorf("%w: %s cannot write %s %s images",
			pipeflow.ErrUnsupportedCapability, dev.Info().ID, dim, format)
	}
	return dev.CreateImage(o.shape.Extent(), format, usage)
}

// convert copies src into dst. Same-storage device copies go through
// PeerCopier when the target device offers it; everything else is staged
// through host memory.
func (o *Object) convert(src, dst *representation) error {
	if err := src.dev.Finish(); err != nil {
		return err
	}

	if pc, ok := dst.dev.(device.PeerCopier); ok && src.storage != StorageHost {
		err := pc.CopyResource(dst.res, src.res)
		if err == nil {
			return nil
		}
		if !errors.Is(err, pipeflow.ErrUnsupportedCapability) {
			return err
		}
	}

	var staging []byte
	if src.storage == StorageHost {
		if hv, ok := src.res.(device.HostVisible); ok {
			staging = hv.Contents()
		}
	}
	if staging == nil {
		staging = make([]byte, o.size)
		if err := src.dev.Download(src.res, staging); err != nil {
			return err
		}
	}
	return dst.dev.Upload(dst.res, staging)
}
