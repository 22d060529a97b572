// Package pipeflow is a heterogeneous data-flow execution engine for
// image and tensor pipelines running on host memory or on a compute
// accelerator.
//
// # Overview
//
// The engine has two halves. The data half ([github.com/gogpu/pipeflow/data])
// models one logical artifact (image, tensor, mesh, batch, sequence) that can
// hold several representations at once: a host array, an accelerator buffer,
// an accelerator image. Each representation carries a version tag; writing
// one makes its siblings stale, and stale copies are re-derived lazily on the
// next access. Conversions are cached.
//
// The scheduling half ([github.com/gogpu/pipeflow/pipeline]) is a pull-based
// graph of processing nodes with named ports. Pulling an output recomputes the
// owning node only when an input changed, a parameter changed, or an input is
// fed by a stream ([github.com/gogpu/pipeflow/stream]).
//
// # Quick Start
//
//	devices := device.NewSet(device.NewHost())
//	defer devices.Close()
//
//	ctx := pipeline.NewContext(devices)
//	load := ctx.NewNode("load", importer.New(), pipeline.WithParam("filename", "in.png"))
//	mask := ctx.NewNode("mask", threshold.New(0.5))
//	if err := mask.Connect("image", load, "image"); err != nil {
//	    return err
//	}
//	out, err := mask.Pull(context.Background(), "mask")
//
// # Devices
//
// Devices are passed explicitly through a [github.com/gogpu/pipeflow/device.Set].
// There is no process-wide registry, so independent pipelines and tests can run
// with different device sets side by side.
//
// # Logging
//
// pipeflow is silent by default. Call [SetLogger] to route diagnostics to a
// [log/slog] handler.
package pipeflow
