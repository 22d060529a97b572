package device

import (
	"fmt"
	"sync"

	"github.com/gogpu/pipeflow"
)

// Queue is a serial command queue. One goroutine runs submitted work in
// submission order, so work touching the same resource never overlaps.
//
// Queue is safe for concurrent use. Finish must not be called from inside a
// Work running on the same queue.
type Queue struct {
	name string
	ch   chan Work

	// sendMu orders channel sends against close.
	sendMu sync.RWMutex

	mu        sync.Mutex
	cond      *sync.Cond
	submitted uint64
	completed uint64
	err       error
	closed    bool

	done chan struct{}
}

// NewQueue starts a queue that buffers up to depth pending submissions
// before Submit blocks.
func NewQueue(name string, depth int) *Queue {
	if depth <= 0 {
		depth = 64
	}
	q := &Queue{
		name: name,
		ch:   make(chan Work, depth),
		done: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

func (q *Queue) run() {
	defer close(q.done)
	for w := range q.ch {
		err := q.exec(w)
		q.mu.Lock()
		q.completed++
		if err != nil && q.err == nil {
			q.err = err
		}
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}

func (q *Queue) exec(w Work) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("device %s: work panicked: %v", q.name, r)
		}
	}()
	return w()
}

// Submit enqueues w. It returns pipeflow.ErrClosed after Close.
func (q *Queue) Submit(w Work) error {
	q.sendMu.RLock()
	defer q.sendMu.RUnlock()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return pipeflow.ErrClosed
	}
	q.submitted++
	q.mu.Unlock()

	q.ch <- w
	return nil
}

// Do submits w and waits for it to run, returning its own error. Errors
// from Do never surface in Finish.
func (q *Queue) Do(w Work) error {
	result := make(chan error, 1)
	err := q.Submit(func() error {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("device %s: work panicked: %v", q.name, r)
			}
		}()
		result <- w()
		return nil
	})
	if err != nil {
		return err
	}
	return <-result
}

// Finish blocks until every work submitted before the call has run and
// returns the first error reported since the previous Finish.
func (q *Queue) Finish() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	target := q.submitted
	for q.completed < target {
		q.cond.Wait()
	}
	err := q.err
	q.err = nil
	return err
}

// Close drains pending work and stops the queue goroutine.
func (q *Queue) Close() {
	q.sendMu.Lock()
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.sendMu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.ch)
	q.sendMu.Unlock()
	<-q.done
}
