package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// errDrained is returned by get once the queue is closed and empty.
var errDrained = errors.New("stream: queue drained")

// queue carries frames from the generator to the consumer. There is a
// single producer; put and close are only called from the generator
// goroutine. A frame leaving the queue other than through get is
// unreferenced.
type queue interface {
	put(ctx context.Context, f Frame) error
	get(ctx context.Context) (Frame, error)
	close()
	// discard unreferences every queued frame and returns how many there
	// were.
	discard() uint64
	len() int
	dropped() uint64
}

func newQueue(p Policy, capacity int) queue {
	switch p {
	case StoreAllFrames:
		return newUnboundedQueue()
	case ProcessAllFrames:
		return &boundedQueue{ch: make(chan Frame, capacity)}
	default:
		return &latestQueue{ch: make(chan Frame, 1)}
	}
}

// latestQueue holds at most one frame. A new frame replaces an unconsumed
// one, which is unreferenced and counted as dropped.
type latestQueue struct {
	ch    chan Frame
	drops atomic.Uint64
}

func (q *latestQueue) put(_ context.Context, f Frame) error {
	for {
		select {
		case q.ch <- f:
			return nil
		default:
		}
		select {
		case old := <-q.ch:
			old.Object.Unref()
			q.drops.Add(1)
		default:
		}
	}
}

func (q *latestQueue) get(ctx context.Context) (Frame, error) { return recv(ctx, q.ch) }
func (q *latestQueue) close()                                 { close(q.ch) }
func (q *latestQueue) discard() uint64                        { return discardChan(q.ch) }
func (q *latestQueue) len() int                               { return len(q.ch) }
func (q *latestQueue) dropped() uint64                        { return q.drops.Load() }

// boundedQueue holds up to cap(ch) frames; put blocks while it is full.
type boundedQueue struct {
	ch chan Frame
}

func (q *boundedQueue) put(ctx context.Context, f Frame) error {
	select {
	case q.ch <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *boundedQueue) get(ctx context.Context) (Frame, error) { return recv(ctx, q.ch) }
func (q *boundedQueue) close()                                 { close(q.ch) }
func (q *boundedQueue) discard() uint64                        { return discardChan(q.ch) }
func (q *boundedQueue) len() int                               { return len(q.ch) }
func (q *boundedQueue) dropped() uint64                        { return 0 }

func recv(ctx context.Context, ch <-chan Frame) (Frame, error) {
	select {
	case f, ok := <-ch:
		if !ok {
			return Frame{}, errDrained
		}
		return f, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func discardChan(ch chan Frame) uint64 {
	var n uint64
	for {
		select {
		case f, ok := <-ch:
			if !ok {
				return n
			}
			f.Object.Unref()
			n++
		default:
			return n
		}
	}
}

// unboundedQueue never blocks the producer. Memory grows with the number of
// unconsumed frames.
type unboundedQueue struct {
	mu     sync.Mutex
	frames []Frame
	closed bool
	notify chan struct{}
}

func newUnboundedQueue() *unboundedQueue {
	return &unboundedQueue{notify: make(chan struct{}, 1)}
}

func (q *unboundedQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *unboundedQueue) put(_ context.Context, f Frame) error {
	q.mu.Lock()
	q.frames = append(q.frames, f)
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *unboundedQueue) get(ctx context.Context) (Frame, error) {
	for {
		q.mu.Lock()
		if len(q.frames) > 0 {
			f := q.frames[0]
			q.frames[0] = Frame{}
			q.frames = q.frames[1:]
			more := len(q.frames) > 0 || q.closed
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return f, nil
		}
		if q.closed {
			q.mu.Unlock()
			q.signal()
			return Frame{}, errDrained
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}
	}
}

func (q *unboundedQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *unboundedQueue) discard() uint64 {
	q.mu.Lock()
	frames := q.frames
	q.frames = nil
	q.mu.Unlock()
	for _, f := range frames {
		f.Object.Unref()
	}
	return uint64(len(frames))
}

func (q *unboundedQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

func (q *unboundedQueue) dropped() uint64 { return 0 }
