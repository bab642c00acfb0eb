// Package taskqueue implements the bounded worker-thread pool from
// spec §4.3: a FIFO of pending jobs, up to ThreadCount goroutines
// processing it, each exiting after IdleTimeout with nothing to do.
package taskqueue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jeremyot/toto/internal/toto"
	"github.com/jeremyot/toto/internal/totoctx"
)

// Job is a unit of work. Go closures make "fn, args…" unnecessary —
// a Job is simply a thunk over whatever it closed over.
type Job func() (any, error)

// TaskQueue is the bounded worker pool from spec §4.3. FIFO enqueue
// order, but jobs run concurrently across worker goroutines, so
// completion order is unspecified — exactly the spec's ordering note.
type TaskQueue struct {
	mu          sync.Mutex
	pending     []Job
	notify      chan struct{}
	closeCh     chan struct{}
	closeOnce   sync.Once
	threadCount int
	running     int
	idleTimeout time.Duration
	closed      bool
}

func New(threadCount int, idleTimeout time.Duration) *TaskQueue {
	if threadCount <= 0 {
		threadCount = 1
	}
	if idleTimeout <= 0 {
		idleTimeout = 60 * time.Second
	}
	return &TaskQueue{
		threadCount: threadCount,
		idleTimeout: idleTimeout,
		notify:      make(chan struct{}, 1),
		closeCh:     make(chan struct{}),
	}
}

// Add appends fn to the FIFO and wakes a worker, spawning a new
// worker goroutine if the pool is under ThreadCount.
func (q *TaskQueue) Add(fn Job) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, fn)
	spawn := q.running < q.threadCount
	if spawn {
		q.running++
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	if spawn {
		go q.worker()
	}
}

// Close stops accepting new work and lets idle workers exit. Jobs
// already queued still run.
func (q *TaskQueue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		close(q.closeCh)
	})
}

// Future is fulfilled exactly once: on the loop passed to Await, or
// directly by the worker goroutine when that loop is nil.
type Future struct {
	done   chan struct{}
	result any
	err    error
}

func newFuture() *Future { return &Future{done: make(chan struct{})} }

func (f *Future) fulfill(result any, err error) {
	f.result, f.err = result, err
	close(f.done)
}

// Wait blocks until the future is fulfilled or ctx is done.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Await submits fn and returns a future fulfilled on loop rather than
// directly from the worker goroutine — spec §4.3: "the fulfillment is
// posted back rather than set directly, because the event loop's
// future is not thread-safe."
func (q *TaskQueue) Await(loop *totoctx.Loop, fn Job) *Future {
	future := newFuture()
	q.Add(func() (any, error) {
		result, err := safeInvoke(fn)
		if loop != nil {
			loop.Post(func() { future.fulfill(result, err) })
		} else {
			future.fulfill(result, err)
		}
		return result, err
	})
	return future
}

func (q *TaskQueue) dequeue() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, false
	}
	job := q.pending[0]
	q.pending = q.pending[1:]
	return job, true
}

func (q *TaskQueue) worker() {
	timer := time.NewTimer(q.idleTimeout)
	defer timer.Stop()
	for {
		if job, ok := q.dequeue(); ok {
			safeInvoke(job)
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(q.idleTimeout)
			continue
		}

		select {
		case <-q.notify:
			// Woken by Add; loop back and dequeue.
		case <-timer.C:
			q.mu.Lock()
			if len(q.pending) == 0 {
				q.running--
				q.mu.Unlock()
				return
			}
			q.mu.Unlock()
			timer.Reset(q.idleTimeout)
		case <-q.closeCh:
			q.mu.Lock()
			q.running--
			q.mu.Unlock()
			return
		}
	}
}

// safeInvoke runs fn, logging and swallowing a panic exactly as spec
// §4.3 describes ("logs and swallows exceptions, and returns to
// wait"), while still returning the result/error to any caller that
// wants it — Await does.
func safeInvoke(fn Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = toto.New(toto.ErrServer, r)
			log.Error().Interface("panic", r).Msg("toto: task queue job panicked")
		}
	}()
	result, err = fn()
	if err != nil {
		log.Error().Err(err).Msg("toto: task queue job returned error")
	}
	return result, err
}
