package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/gogpu/pipeflow"
	"github.com/gogpu/pipeflow/data"
)

// Policy decides what happens when frames are produced faster than they
// are consumed.
type Policy uint8

const (
	// NewestFrameOnly keeps one frame; a newer frame replaces an unconsumed
	// one. Memory is bounded and the consumer always sees the latest state.
	NewestFrameOnly Policy = iota

	// StoreAllFrames queues every frame without bound. The producer never
	// blocks. Meant for offline sequences of known length.
	StoreAllFrames

	// ProcessAllFrames queues up to the configured capacity and blocks the
	// producer while the queue is full. No frame is dropped.
	ProcessAllFrames
)

func (p Policy) String() string {
	switch p {
	case NewestFrameOnly:
		return "newest-frame-only"
	case StoreAllFrames:
		return "store-all-frames"
	case ProcessAllFrames:
		return "process-all-frames"
	default:
		return "unknown"
	}
}

// ParsePolicy parses the names returned by Policy.String.
func ParsePolicy(s string) (Policy, error) {
	for _, p := range []Policy{NewestFrameOnly, StoreAllFrames, ProcessAllFrames} {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("stream: unknown policy %q", s)
}

// SequenceKey is the frame data key holding a frame's sequence number.
const SequenceKey = "sequence"

// Frame is one delivered object with its sequence number. Sequence
// numbers start at 1.
type Frame struct {
	Seq    uint64
	Object *data.Object
}

// Emit hands a frame to the source, taking over the caller's reference to
// obj. The reference passes to the consumer that receives the frame; a
// frame that is dropped, discarded, or refused is unreferenced. Emit
// returns the context error once the source is stopping; the generator
// should return then.
type Emit func(obj *data.Object) error

// Generator produces frames until it returns. It runs on its own
// goroutine, independent of the pipeline.
type Generator func(ctx context.Context, emit Emit) error

// Stats is a snapshot of source counters.
type Stats struct {
	Produced  uint64
	Delivered uint64
	Dropped   uint64
	Discarded uint64
	Queued    int
}

// Option configures a Source.
type Option func(*Source)

// WithPolicy sets the delivery policy. The default is NewestFrameOnly.
func WithPolicy(p Policy) Option {
	return func(s *Source) { s.policy = p }
}

// WithCapacity sets the queue capacity of ProcessAllFrames.
func WithCapacity(n int) Option {
	return func(s *Source) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// WithLogger sets the logger. The default is pipeflow.Logger().
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) { s.log = l }
}

// DefaultCapacity is the ProcessAllFrames queue capacity.
const DefaultCapacity = 4

// Source runs a generator in the background and delivers its frames under a
// policy. It implements data.FrameSource, so data.NewDynamic(kind, src)
// binds it to a processing node.
type Source struct {
	id       uuid.UUID
	gen      Generator
	policy   Policy
	capacity int
	log      *slog.Logger

	q       queue
	started atomic.Bool
	start   sync.Once
	cancel  context.CancelFunc
	done    chan struct{}

	produced  atomic.Uint64
	delivered atomic.Uint64
	discarded atomic.Uint64
	stopped   atomic.Bool

	mu     sync.Mutex
	last   *data.Object
	genErr error
	eos    bool
}

// New creates a source. It does not run gen until Start or the first Next.
func New(gen Generator, opts ...Option) *Source {
	s := &Source{
		id:       uuid.New(),
		gen:      gen,
		capacity: DefaultCapacity,
		log:      pipeflow.Logger(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.q = newQueue(s.policy, s.capacity)
	return s
}

func (s *Source) ID() uuid.UUID  { return s.id }
func (s *Source) Policy() Policy { return s.policy }

// Done is closed once the generator has returned.
func (s *Source) Done() <-chan struct{} { return s.done }

// Start launches the generator. Later calls do nothing. Cancelling ctx
// stops generation like Stop.
func (s *Source) Start(ctx context.Context) {
	s.start.Do(func() {
		s.started.Store(true)
		ctx, s.cancel = context.WithCancel(ctx)

		s.log.Info("stream: started", "source", s.id, "policy", s.policy)
		go s.run(ctx)
	})
}

// run drives the generator on its own goroutine and records how it ended.
func (s *Source) run(ctx context.Context) {
	err := s.gen(ctx, s.emit(ctx))
	s.markLast()
	s.q.close()

	if err != nil && s.stopped.Load() && errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil && s.stopped.Load() {
		s.log.Warn("stream: generator failed after stop", "source", s.id, "err", err)
	}
	s.mu.Lock()
	s.genErr = err
	s.mu.Unlock()
	s.log.Info("stream: finished", "source", s.id,
		"produced", s.produced.Load(), "dropped", s.q.dropped())
	close(s.done)
}

func (s *Source) emit(ctx context.Context) Emit {
	var seq uint64
	return func(obj *data.Object) error {
		if err := ctx.Err(); err != nil {
			obj.Unref()
			return err
		}
		seq++
		obj.SetFrameData(SequenceKey, strconv.FormatUint(seq, 10))
		if err := s.q.put(ctx, Frame{Seq: seq, Object: obj}); err != nil {
			obj.Unref()
			return err
		}
		s.produced.Add(1)
		s.mu.Lock()
		s.last = obj
		s.mu.Unlock()
		return nil
	}
}

// markLast flags the final produced frame unless the generator already did.
func (s *Source) markLast() {
	s.mu.Lock()
	last := s.last
	s.mu.Unlock()
	if last != nil && !last.IsLastFrame() {
		last.SetLastFrame(true)
	}
}

// Next returns the next frame under the source policy, starting the
// source if needed. After the last frame it returns pipeflow.ErrEndOfStream,
// joined with the generator error if there was one, on every call.
func (s *Source) Next(ctx context.Context) (Frame, error) {
	if err := s.endOfStream(); err != nil {
		return Frame{}, err
	}
	if !s.started.Load() {
		s.Start(context.Background())
	}

	f, err := s.q.get(ctx)
	if errors.Is(err, errDrained) {
		<-s.done
		s.mu.Lock()
		s.eos = true
		s.mu.Unlock()
		return Frame{}, s.endOfStream()
	}
	if err != nil {
		return Frame{}, err
	}
	s.delivered.Add(1)
	return f, nil
}

func (s *Source) endOfStream() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.eos {
		return nil
	}
	if s.genErr != nil {
		return errors.Join(pipeflow.ErrEndOfStream, s.genErr)
	}
	return pipeflow.ErrEndOfStream
}

// NextFrame returns the object of the next frame.
func (s *Source) NextFrame(ctx context.Context) (*data.Object, error) {
	f, err := s.Next(ctx)
	if err != nil {
		return nil, err
	}
	return f.Object, nil
}

// Stop cancels generation and waits for the generator to return. An emit in
// progress either completes or is abandoned. Frames still queued are
// unreferenced and counted as discarded; the next Next reports the end of
// the stream. Stop returns the generator error, if any.
func (s *Source) Stop() error {
	s.stopped.Store(true)
	s.start.Do(func() {
		s.started.Store(true)
		s.q.close()
		close(s.done)
	})
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
	if n := s.q.discard(); n > 0 {
		s.discarded.Add(n)
		s.log.Debug("stream: discarded queued frames", "source", s.id, "frames", n)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.genErr
}

// Stats returns the current counters.
func (s *Source) Stats() Stats {
	return Stats{
		Produced:  s.produced.Load(),
		Delivered: s.delivered.Load(),
		Dropped:   s.q.dropped(),
		Discarded: s.discarded.Load(),
		Queued:    s.q.len(),
	}
}

var _ data.FrameSource = (*Source)(nil)
