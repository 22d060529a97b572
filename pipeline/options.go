package pipeline

import (
	"log/slog"
	"maps"

	"github.com/gogpu/pipeflow/device"
)

// Option configures a Context or a Node.
//
// A Context takes WithLogger and WithDevice, the latter becoming the
// default device of its nodes. A Node takes all options.
type Option func(*config)

type config struct {
	log    *slog.Logger
	device device.Device
	params map[string]string
}

// WithLogger sets the logger. The default is pipeflow.Logger() for a
// Context and the Context logger for a Node.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.log = l }
}

// WithDevice sets the execution device.
func WithDevice(d device.Device) Option {
	return func(c *config) { c.device = d }
}

// WithParam sets an initial algorithm parameter.
func WithParam(name, value string) Option {
	return func(c *config) {
		if c.params == nil {
			c.params = make(map[string]string)
		}
		c.params[name] = value
	}
}

func buildConfig(opts []Option) config {
	var c config
	for _, opt := range opts {
		opt(&c)
	}
	c.params = maps.Clone(c.params)
	if c.params == nil {
		c.params = make(map[string]string)
	}
	return c
}
