// Package totoctx holds the cross-cutting runtime pieces spec §9's
// DESIGN NOTES calls for: a single-goroutine cooperative "loop"
// standing in for the source's event loop thread (§5: "the
// fulfillment is posted back rather than set directly, because the
// event loop's future is not thread-safe"), and a ServiceContext that
// replaces the source's global options/singletons with explicit
// construction-time wiring.
package totoctx

import "sync"

// Loop is a single-goroutine dispatcher: anything that must not run
// concurrently with other loop-owned work (fulfilling a taskqueue
// future, running an event bus handler registered to run on the loop)
// is Post-ed onto it instead of touched directly from whichever
// goroutine produced the result. Worker connection state is guarded by
// mutexes, not by a Loop.
type Loop struct {
	work chan func()
	done chan struct{}
	once sync.Once
}

// NewLoop starts a Loop's goroutine running. Call Stop to shut it
// down; Post after Stop is a no-op.
func NewLoop(buffer int) *Loop {
	if buffer <= 0 {
		buffer = 256
	}
	l := &Loop{
		work: make(chan func(), buffer),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	for {
		select {
		case fn := <-l.work:
			fn()
		case <-l.done:
			return
		}
	}
}

// Post schedules fn to run on the loop goroutine. It does not block
// waiting for fn to run.
func (l *Loop) Post(fn func()) {
	select {
	case l.work <- fn:
	case <-l.done:
	}
}

// Stop terminates the loop goroutine. Safe to call more than once.
func (l *Loop) Stop() {
	l.once.Do(func() { close(l.done) })
}
