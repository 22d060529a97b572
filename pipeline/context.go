package pipeline

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"

	"github.com/gogpu/pipeflow"
	"github.com/gogpu/pipeflow/data"
	"github.com/gogpu/pipeflow/device"
)

// Context is the explicit environment of a pipeline: the devices it may run
// on and the nodes created in it. Independent pipelines use independent
// contexts; nothing is shared through package state.
type Context struct {
	devices *device.Set
	device  device.Device
	log     *slog.Logger

	seq   atomic.Uint64
	mu    sync.RWMutex
	nodes map[string]*Node
}

// NewContext creates a pipeline context over devices.
func NewContext(devices *device.Set, opts ...Option) *Context {
	cfg := buildConfig(opts)
	c := &Context{
		devices: devices,
		device:  cfg.device,
		log:     cfg.log,
		nodes:   make(map[string]*Node),
	}
	if c.device == nil {
		c.device = devices.Default()
	}
	if c.log == nil {
		c.log = pipeflow.Logger()
	}
	return c
}

func (c *Context) Devices() *device.Set { return c.devices }
func (c *Context) Logger() *slog.Logger { return c.log }

// DefaultDevice is the device of nodes created without WithDevice.
func (c *Context) DefaultDevice() device.Device { return c.device }

// NewNode creates a node running algo. The node ID is name plus a
// context-unique suffix.
func (c *Context) NewNode(name string, algo Algorithm, opts ...Option) *Node {
	cfg := buildConfig(opts)
	if cfg.device == nil {
		cfg.device = c.device
	}
	if cfg.log == nil {
		cfg.log = c.log
	}
	n := newNode(c, fmt.Sprintf("%s#%d", name, c.seq.Add(1)), name, algo, cfg)

	c.mu.Lock()
	c.nodes[n.id] = n
	c.mu.Unlock()
	return n
}

// Node looks up a node by ID.
func (c *Context) Node(id string) (*Node, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.nodes[id]
	return n, ok
}

// Nodes returns the live nodes ordered by ID.
func (c *Context) Nodes() []*Node {
	c.mu.RLock()
	out := make([]*Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		out = append(out, n)
	}
	c.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Node) int { return strings.Compare(a.id, b.id) })
	return out
}

// SourceOf resolves the weak back-reference of an object to the node that
// produced it. It fails once that node is closed.
func (c *Context) SourceOf(obj *data.Object) (*Node, bool) {
	id := obj.Source()
	if id == "" {
		return nil, false
	}
	return c.Node(id)
}

func (c *Context) forget(n *Node) {
	c.mu.Lock()
	delete(c.nodes, n.id)
	c.mu.Unlock()
}

// Close closes every node. Devices are not closed; they belong to the Set.
func (c *Context) Close() error {
	var errs *multierror.Error
	for _, n := range c.Nodes() {
		if err := n.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
