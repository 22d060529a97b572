package pipeline

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/gogpu/pipeflow/data"
)

// InputPort declares a named input of an algorithm.
//
// Unless Manual is set, the framework acquires a guard for the bound object
// before the algorithm runs, in Mode and Storage on the node device (host
// storage is acquired on the host device), and releases it afterwards. An
// input guarded with a writing Mode is marked modified after a successful
// run, so its other consumers see the change.
type InputPort struct {
	Name string

	// Kind restricts the accepted object kind. Zero accepts any kind.
	Kind data.Kind

	Storage data.Storage
	Mode    data.Mode

	// Dims and Channels are checked with data.ExpectShape before running.
	// Nil Dims and zero Channels accept anything.
	Dims     []int
	Channels int

	// Optional inputs may stay unbound.
	Optional bool

	// Manual inputs get no framework guard; the algorithm calls
	// Execution.Access itself, usually after a capability query.
	Manual bool
}

// OutputPort declares a named output of an algorithm.
type OutputPort struct {
	Name string
	Kind data.Kind
}

// Algorithm is the body of a processing node.
type Algorithm interface {
	// Ports returns the declared inputs and outputs. It is called once when
	// the node is created.
	Ports() ([]InputPort, []OutputPort)

	// Execute runs the algorithm once. Outputs set through the Execution
	// become visible only if Execute returns nil.
	Execute(exec *Execution) error
}

// AlgorithmFunc adapts a function and static port lists to Algorithm.
type AlgorithmFunc struct {
	Inputs  []InputPort
	Outputs []OutputPort
	Fn      func(exec *Execution) error
}

func (a AlgorithmFunc) Ports() ([]InputPort, []OutputPort) { return a.Inputs, a.Outputs }
func (a AlgorithmFunc) Execute(exec *Execution) error      { return a.Fn(exec) }

// Port is a handle to one output of a node.
type Port struct {
	node *Node
	name string
}

func (p *Port) Node() *Node  { return p.node }
func (p *Port) Name() string { return p.name }

// Pull brings the node up to date and returns the output object.
func (p *Port) Pull(ctx context.Context) (*data.Object, error) {
	return p.node.Pull(ctx, p.name)
}

// PullAll pulls independent ports concurrently and returns their objects in
// order. Node execution itself stays synchronous; each port is pulled on
// its own goroutine. The first error cancels the remaining pulls.
func PullAll(ctx context.Context, ports ...*Port) ([]*data.Object, error) {
	out := make([]*data.Object, len(ports))
	g, ctx := errgroup.WithContext(ctx)
	for i, p := range ports {
		g.Go(func() error {
			obj, err := p.Pull(ctx)
			out[i] = obj
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
