// Package stream implements stream sources: background generators that
// feed frames to processing nodes.
//
// A [Source] runs its [Generator] on its own goroutine and hands frames to
// the consumer through a queue whose behaviour is chosen by [Policy]:
//
//   - NewestFrameOnly: a one-slot channel; an unconsumed frame is replaced
//     by the next one and counted as dropped.
//   - StoreAllFrames: an unbounded queue; the producer never waits.
//   - ProcessAllFrames: a bounded channel; the producer waits while it is full.
//
// Frames carry increasing sequence numbers. When the generator returns, the
// last produced frame is flagged with data.Object.SetLastFrame and every
// following Next returns pipeflow.ErrEndOfStream.
//
// Wrap a source with data.NewDynamic to bind it to a node input; the node
// then pulls one frame per execution.
package stream
