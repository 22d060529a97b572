package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"

	"github.com/gogpu/pipeflow"
	"github.com/gogpu/pipeflow/data"
	"github.com/gogpu/pipeflow/device"
)

// State is the scheduling state of a node.
type State uint8

const (
	// Clean nodes have outputs that reflect their current inputs.
	Clean State = iota
	// Dirty nodes must execute before their outputs can be trusted.
	Dirty
	// Executing nodes are running their algorithm.
	Executing
)

func (s State) String() string {
	switch s {
	case Clean:
		return "clean"
	case Dirty:
		return "dirty"
	case Executing:
		return "executing"
	default:
		return "unknown"
	}
}

// binding is what an input port is connected to: a static object or the
// output of an upstream node.
type binding struct {
	obj      *data.Object
	upstream *Node
	output   string

	// retained is the object currently retained on the node device.
	retained *data.Object
}

// stamp identifies the input value seen by the last run.
type stamp struct {
	o  *data.Object
	ts uint64
}

// Node is a processing node: an algorithm with named ports, pulled on
// demand.
//
// Pulling an output updates upstream nodes first, then runs the algorithm
// at most once if the node is dirty. One run satisfies every output.
// Outputs are published all at once and only on success; a failed run
// leaves the node dirty so the next pull retries.
//
// A Node is safe for concurrent use. An algorithm must not pull its own node.
type Node struct {
	id   string
	name string
	pctx *Context
	algo Algorithm
	in   []InputPort
	out  []OutputPort
	log  *slog.Logger

	executing  atomic.Bool
	executions atomic.Uint64

	mu       sync.Mutex
	dev      device.Device
	params   map[string]string
	inputs   map[string]*binding
	outputs  map[string]*data.Object
	seen     map[string]stamp
	dirty    bool
	executed bool
	closed   bool
}

func newNode(c *Context, id, name string, algo Algorithm, cfg config) *Node {
	in, out := algo.Ports()
	return &Node{
		id:      id,
		name:    name,
		pctx:    c,
		algo:    algo,
		in:      in,
		out:     out,
		log:     cfg.log.With("node", id),
		dev:     cfg.device,
		params:  cfg.params,
		inputs:  make(map[string]*binding),
		outputs: make(map[string]*data.Object),
		seen:    make(map[string]stamp),
	}
}

func (n *Node) ID() string     { return n.id }
func (n *Node) Name() string   { return n.name }
func (n *Node) String() string { return n.id }

// Executions returns how many times the algorithm has run successfully.
func (n *Node) Executions() uint64 { return n.executions.Load() }

// Device returns the node device.
func (n *Node) Device() device.Device {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dev
}

func (n *Node) inputPort(name string) (InputPort, bool) {
	for _, p := range n.in {
		if p.Name == name {
			return p, true
		}
	}
	return InputPort{}, false
}

func (n *Node) outputPort(name string) (OutputPort, bool) {
	for _, p := range n.out {
		if p.Name == name {
			return p, true
		}
	}
	return OutputPort{}, false
}

// Port returns a handle to an output, or nil if there is no such output.
func (n *Node) Port(output string) *Port {
	if _, ok := n.outputPort(output); !ok {
		return nil
	}
	return &Port{node: n, name: output}
}

// SetInputData binds a static or dynamic object to an input. A static
// object is retained on the node device until it is replaced or the node
// is closed.
func (n *Node) SetInputData(input string, obj *data.Object) error {
	if _, ok := n.inputPort(input); !ok {
		return fmt.Errorf("pipeline: %s has no input %q", n, input)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return pipeflow.ErrClosed
	}
	n.unbind(input)
	b := &binding{obj: obj}
	n.inputs[input] = b
	n.retain(b, obj)
	n.dirty = true
	return nil
}

// Connect binds an input to the output of an upstream node. It fails with
// pipeflow.ErrCycleDetected if upstream depends on n.
func (n *Node) Connect(input string, upstream *Node, output string) error {
	if _, ok := n.inputPort(input); !ok {
		return fmt.Errorf("pipeline: %s has no input %q", n, input)
	}
	if _, ok := upstream.outputPort(output); !ok {
		return fmt.Errorf("pipeline: %s has no output %q", upstream, output)
	}
	if upstream == n || upstream.dependsOn(n) {
		return fmt.Errorf("%w: %s.%s -> %s.%s", pipeflow.ErrCycleDetected, upstream, output, n, input)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return pipeflow.ErrClosed
	}
	n.unbind(input)
	n.inputs[input] = &binding{upstream: upstream, output: output}
	n.dirty = true
	return nil
}

// dependsOn reports whether target is reachable through upstream links.
func (n *Node) dependsOn(target *Node) bool {
	visited := make(map[*Node]bool)
	stack := []*Node{n}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		for _, up := range cur.upstreams() {
			if up == target {
				return true
			}
			stack = append(stack, up)
		}
	}
	return false
}

func (n *Node) upstreams() []*Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*Node
	for _, b := range n.inputs {
		if b.upstream != nil {
			out = append(out, b.upstream)
		}
	}
	return out
}

// SetParam sets an algorithm parameter. A changed value marks the node dirty.
func (n *Node) SetParam(name, value string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if old, ok := n.params[name]; ok && old == value {
		return
	}
	n.params[name] = value
	n.dirty = true
}

// Param returns a parameter value.
func (n *Node) Param(name string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.params[name]
}

// SetDevice moves the node to another device. Retained inputs move with it.
func (n *Node) SetDevice(dev device.Device) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.dev == dev {
		return
	}
	for _, b := range n.inputs {
		if b.retained != nil {
			b.retained.Release(n.dev)
			b.retained.Retain(dev)
		}
	}
	n.dev = dev
	n.dirty = true
}

func (n *Node) retain(b *binding, obj *data.Object) {
	if b.retained == obj {
		return
	}
	if b.retained != nil {
		b.retained.Release(n.dev)
		b.retained = nil
	}
	if obj != nil && !obj.IsDynamic() {
		obj.Retain(n.dev)
		b.retained = obj
	}
}

func (n *Node) unbind(input string) {
	if b, ok := n.inputs[input]; ok {
		n.retain(b, nil)
		delete(n.inputs, input)
	}
}

// State reports whether the node would execute on the next pull. It does
// not pull upstream nodes.
func (n *Node) State() State {
	if n.executing.Load() {
		return Executing
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.staleLocked() {
		return Dirty
	}
	return Clean
}

func (n *Node) staleLocked() bool {
	if !n.executed || n.dirty {
		return true
	}
	for name, b := range n.inputs {
		obj := b.obj
		if b.upstream != nil {
			if b.upstream.State() != Clean {
				return true
			}
			obj = b.upstream.output(b.output)
		}
		if n.changed(name, obj) {
			return true
		}
	}
	return false
}

func (n *Node) output(name string) *data.Object {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.outputs[name]
}

func (n *Node) changed(input string, obj *data.Object) bool {
	if obj == nil {
		_, had := n.seen[input]
		return had
	}
	if obj.IsDynamic() {
		return true
	}
	s, ok := n.seen[input]
	return !ok || s.o != obj || obj.Timestamp() > s.ts
}

// Pull brings the node up to date and returns the object of an output.
func (n *Node) Pull(ctx context.Context, output string) (*data.Object, error) {
	if _, ok := n.outputPort(output); !ok {
		return nil, fmt.Errorf("pipeline: %s has no output %q", n, output)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.updateLocked(ctx); err != nil {
		return nil, err
	}
	obj := n.outputs[output]
	if obj == nil {
		return nil, fmt.Errorf("pipeline: %s did not produce output %q", n, output)
	}
	return obj, nil
}

// Update brings the node up to date without reading an output.
func (n *Node) Update(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.updateLocked(ctx)
}

func (n *Node) updateLocked(ctx context.Context) error {
	if n.closed {
		return pipeflow.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	current := make(map[string]*data.Object, len(n.in))
	for _, p := range n.in {
		b := n.inputs[p.Name]
		if b == nil {
			if p.Optional {
				continue
			}
			return fmt.Errorf("%w: %s input %q", pipeflow.ErrMissingInput, n, p.Name)
		}
		obj := b.obj
		if b.upstream != nil {
			var err error
			if obj, err = b.upstream.Pull(ctx, b.output); err != nil {
				return fmt.Errorf("pipeline: %s input %q: %w", n, p.Name, err)
			}
			n.retain(b, obj)
		}
		current[p.Name] = obj
	}

	stale := !n.executed || n.dirty
	for name, obj := range current {
		stale = stale || n.changed(name, obj)
	}
	if !stale {
		return nil
	}
	return n.execute(ctx, current)
}

func (n *Node) execute(ctx context.Context, current map[string]*data.Object) error {
	exec := &Execution{
		ctx:    ctx,
		node:   n,
		dev:    n.dev,
		inputs: make(map[string]*data.Object, len(current)),
		guards: make(map[string]*data.Access),
		staged: make(map[string]*data.Object),
	}

	// Dynamic inputs yield exactly one frame per run, retained on the node
	// device for the run only. The node owns the frame's reference and drops
	// it afterwards unless the algorithm passed the frame on as an output.
	for name, obj := range current {
		if !obj.IsDynamic() {
			exec.inputs[name] = obj
			continue
		}
		frame, err := obj.NextFrame(ctx)
		if err != nil {
			return fmt.Errorf("pipeline: %s input %q: %w", n, name, err)
		}
		defer exec.dropFrame(frame)
		frame.Retain(n.dev)
		defer frame.Release(n.dev)
		exec.inputs[name] = frame
	}

	if err := n.validate(exec.inputs); err != nil {
		return err
	}
	defer exec.release()
	for _, p := range n.in {
		obj := exec.inputs[p.Name]
		if obj == nil || p.Manual {
			continue
		}
		dev := n.dev
		if p.Storage == data.StorageHost {
			dev = n.pctx.devices.Host()
		}
		a, err := obj.GetAccess(p.Mode, dev, p.Storage)
		if err != nil {
			return fmt.Errorf("pipeline: %s input %q: %w", n, p.Name, err)
		}
		exec.guards[p.Name] = a
	}

	n.log.Debug("pipeline: executing", "algorithm", fmt.Sprintf("%T", n.algo), "device", n.dev.Info().ID)
	n.executing.Store(true)
	err := n.algo.Execute(exec)
	n.executing.Store(false)
	if err != nil {
		n.discard(exec.staged)
		n.dirty = true
		return fmt.Errorf("pipeline: %s: %w", n, err)
	}

	// Inputs changed through a framework guard are new data for their other
	// consumers.
	for _, p := range n.in {
		if obj := exec.inputs[p.Name]; obj != nil && !p.Manual && p.Mode != data.Read {
			obj.UpdateModifiedTimestamp()
		}
	}
	for name, obj := range exec.staged {
		if old := n.outputs[name]; old != nil && old != obj {
			old.Unref()
		}
		obj.SetSource(n.id)
		obj.UpdateModifiedTimestamp()
		n.outputs[name] = obj
	}
	clear(n.seen)
	for name, obj := range current {
		n.seen[name] = stamp{o: obj, ts: obj.Timestamp()}
	}
	n.executed = true
	n.dirty = false
	n.executions.Add(1)
	return nil
}

// validate checks every input against its port and reports all problems.
func (n *Node) validate(inputs map[string]*data.Object) error {
	var errs *multierror.Error
	for _, p := range n.in {
		obj := inputs[p.Name]
		if obj == nil {
			continue
		}
		if p.Kind != 0 && obj.Kind() != p.Kind {
			errs = multierror.Append(errs, fmt.Errorf("%w: input %q wants %s, got %s",
				pipeflow.ErrShapeMismatch, p.Name, p.Kind, obj.Kind()))
			continue
		}
		if err := data.ExpectShape(obj, p.Dims, p.Channels); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("input %q: %w", p.Name, err))
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return fmt.Errorf("pipeline: %s: %w", n, err)
	}
	return nil
}

// discard drops outputs staged by a failed run.
func (n *Node) discard(staged map[string]*data.Object) {
	for name, obj := range staged {
		if n.outputs[name] != obj {
			obj.Unref()
		}
	}
}

// Close releases the node's inputs and outputs and removes it from its
// context. An algorithm implementing io.Closer is closed too.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	for name := range n.inputs {
		n.unbind(name)
	}
	for name, obj := range n.outputs {
		obj.Unref()
		delete(n.outputs, name)
	}
	n.mu.Unlock()

	n.pctx.forget(n)
	if c, ok := n.algo.(io.Closer); ok {
		if err := c.Close(); err != nil && !errors.Is(err, pipeflow.ErrClosed) {
			return fmt.Errorf("pipeline: close %s: %w", n, err)
		}
	}
	return nil
}
