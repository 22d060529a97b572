// Package pipeline implements the pull-based processing graph.
//
// A [Node] wraps an [Algorithm] with named input and output ports. Nodes
// are created in a [Context], which carries the device set and resolves the
// weak object-to-node back-references ([Context.SourceOf]).
//
// Pulling an output drives each node through Clean → Dirty → Executing →
// Clean. A node is dirty when it never ran, a parameter or its device
// changed, an input was rebound, an input's timestamp moved past the one
// seen by the last run, or an input is stream-backed. Execution is
// synchronous on the pulling goroutine; use [PullAll] to pull independent
// branches in parallel.
//
//	ctx := pipeline.NewContext(devices)
//	load := ctx.NewNode("load", importer.New(), pipeline.WithParam("filename", "in.png"))
//	mask := ctx.NewNode("mask", threshold.New(0.5))
//	if err := mask.Connect("image", load, "image"); err != nil { ... }
//	out, err := mask.Pull(context.Background(), "mask")
package pipeline
