package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/gogpu/pipeflow/data"
	"github.com/gogpu/pipeflow/device"
)

// Execution is the view an algorithm gets of one node run.
type Execution struct {
	ctx    context.Context
	node   *Node
	dev    device.Device
	inputs map[string]*data.Object
	guards map[string]*data.Access
	extra  []*data.Access
	staged map[string]*data.Object
}

func (e *Execution) Context() context.Context { return e.ctx }

// Device returns the device the node runs on.
func (e *Execution) Device() device.Device { return e.dev }

// Host returns the host device of the pipeline.
func (e *Execution) Host() device.Device { return e.node.pctx.devices.Host() }

func (e *Execution) Logger() *slog.Logger { return e.node.log }

// NodeID returns the ID of the running node.
func (e *Execution) NodeID() string { return e.node.id }

// Input returns the object bound to an input port, or nil for an unbound
// optional input. For a stream-backed input it is the frame fetched for
// this run.
func (e *Execution) Input(name string) *data.Object { return e.inputs[name] }

// Guard returns the guard the framework acquired for an input, or nil for
// manual and unbound inputs.
func (e *Execution) Guard(name string) *data.Access { return e.guards[name] }

// Access acquires a guard on an input. It is released when the run ends.
func (e *Execution) Access(name string, mode data.Mode, storage data.Storage) (*data.Access, error) {
	obj := e.inputs[name]
	if obj == nil {
		return nil, fmt.Errorf("pipeline: %s has no input %q", e.node, name)
	}
	return e.AccessObject(obj, mode, storage)
}

// AccessObject acquires a guard on any object, typically an output being
// filled. Host storage is acquired on the host device, every other storage
// on the node device. It is released when the run ends.
func (e *Execution) AccessObject(obj *data.Object, mode data.Mode, storage data.Storage) (*data.Access, error) {
	dev := e.dev
	if storage == data.StorageHost {
		dev = e.Host()
	}
	a, err := obj.GetAccess(mode, dev, storage)
	if err != nil {
		return nil, err
	}
	e.extra = append(e.extra, a)
	return a, nil
}

// Param returns a parameter value, or "" when unset.
func (e *Execution) Param(name string) string { return e.node.params[name] }

// ParamFloat parses a parameter as a float, returning def when unset.
func (e *Execution) ParamFloat(name string, def float64) (float64, error) {
	v, ok := e.node.params[name]
	if !ok {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("pipeline: %s: parameter %s=%q: %w", e.node, name, v, err)
	}
	return f, nil
}

// ParamInt parses a parameter as an integer, returning def when unset.
func (e *Execution) ParamInt(name string, def int) (int, error) {
	v, ok := e.node.params[name]
	if !ok {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("pipeline: %s: parameter %s=%q: %w", e.node, name, v, err)
	}
	return i, nil
}

// Output returns the object committed to an output by the previous run, so
// an algorithm can write into it again instead of allocating.
func (e *Execution) Output(name string) *data.Object { return e.node.outputs[name] }

// SetOutput stages obj for an output port. Staged outputs are published
// together when the run succeeds and discarded when it fails.
func (e *Execution) SetOutput(name string, obj *data.Object) error {
	p, ok := e.node.outputPort(name)
	if !ok {
		return fmt.Errorf("pipeline: %s has no output %q", e.node, name)
	}
	if p.Kind != 0 && obj.Kind() != p.Kind {
		return fmt.Errorf("pipeline: %s output %q wants %s, got %s", e.node, name, p.Kind, obj.Kind())
	}
	e.staged[name] = obj
	return nil
}

// dropFrame unreferences a consumed stream frame that was not staged as an
// output.
func (e *Execution) dropFrame(frame *data.Object) {
	for _, obj := range e.staged {
		if obj == frame {
			return
		}
	}
	frame.Unref()
}

func (e *Execution) release() {
	for _, a := range e.guards {
		a.Release()
	}
	for _, a := range e.extra {
		a.Release()
	}
}
