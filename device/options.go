package device

import "github.com/gogpu/gpucontext"

// Option configures a memory-backed device during creation.
type Option func(*config)

type config struct {
	id         string
	name       string
	budget     uint64
	caps       *Capabilities
	queueDepth int
	adapter    gpucontext.AdapterInfo
	noPeerCopy bool
}

// WithID sets the device ID. IDs must be unique within a Set.
func WithID(id string) Option {
	return func(c *config) {
		c.id = id
	}
}

// WithName sets the human readable device name.
func WithName(name string) Option {
	return func(c *config) {
		c.name = name
	}
}

// WithMemoryBudget sets the device memory budget in bytes.
//
// Example:
//
//	acc := device.NewEmulated(device.WithMemoryBudget(64 * units.MiB))
func WithMemoryBudget(bytes uint64) Option {
	return func(c *config) {
		c.budget = bytes
	}
}

// WithCapabilities replaces the default capability table.
func WithCapabilities(caps *Capabilities) Option {
	return func(c *config) {
		c.caps = caps
	}
}

// WithQueueDepth sets how many submissions may be pending before Submit blocks.
func WithQueueDepth(depth int) Option {
	return func(c *config) {
		c.queueDepth = depth
	}
}

// WithoutPeerCopy disables the device-native copy path of an emulated
// accelerator, forcing conversions to stage through host memory.
func WithoutPeerCopy() Option {
	return func(c *config) {
		c.noPeerCopy = true
	}
}

func buildConfig(defaults config, opts []Option) config {
	c := defaults
	for _, opt := range opts {
		opt(&c)
	}
	return c
}
