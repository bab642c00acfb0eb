package taskqueue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jeremyot/toto/internal/totoctx"
)

func TestAddRunsAllJobsExactlyOnce(t *testing.T) {
	q := New(4, 50*time.Millisecond)
	const n = 200
	var count atomic.Int64
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		q.Add(func() (any, error) {
			count.Add(1)
			wg.Done()
			return nil, nil
		})
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for jobs, ran %d/%d", count.Load(), n)
	}
	if got := count.Load(); got != n {
		t.Fatalf("expected %d executions, got %d", n, got)
	}
}

func TestWorkersExitAfterIdleTimeout(t *testing.T) {
	q := New(4, 20*time.Millisecond)
	var wg sync.WaitGroup
	wg.Add(4)
	for i := 0; i < 4; i++ {
		q.Add(func() (any, error) { wg.Done(); return nil, nil })
	}
	wg.Wait()

	time.Sleep(200 * time.Millisecond)

	q.mu.Lock()
	running := q.running
	q.mu.Unlock()
	if running != 0 {
		t.Fatalf("expected all idle workers to have exited, %d still running", running)
	}

	// The pool still works after workers exit and respawn on demand.
	done := make(chan struct{})
	q.Add(func() (any, error) { close(done); return nil, nil })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("pool did not respawn a worker for new work")
	}
}

func TestAwaitFulfillsOnLoop(t *testing.T) {
	q := New(2, time.Second)
	loop := totoctx.NewLoop(8)
	defer loop.Stop()

	future := q.Await(loop, func() (any, error) { return 42, nil })
	result, err := future.Wait(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != 42 {
		t.Fatalf("expected 42, got %v", result)
	}
}

func TestSafeInvokeSwallowsPanic(t *testing.T) {
	q := New(1, time.Second)
	done := make(chan struct{})
	q.Add(func() (any, error) {
		defer close(done)
		panic("boom")
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("job never ran")
	}

	// Pool must still be usable after a panicking job.
	ok := make(chan struct{})
	q.Add(func() (any, error) { close(ok); return nil, nil })
	select {
	case <-ok:
	case <-time.After(time.Second):
		t.Fatalf("pool did not survive a panicking job")
	}
}

func TestInstancePoolTransactionReturnsInstance(t *testing.T) {
	pool := NewInstancePool([]int{1, 2, 3})
	ctx := context.Background()

	seen := map[int]bool{}
	for i := 0; i < 3; i++ {
		result, err := pool.Transaction(ctx, func(n int) (any, error) { return n, nil })
		if err != nil {
			t.Fatalf("Transaction: %v", err)
		}
		seen[result.(int)] = true
	}
	if len(seen) != 3 {
		t.Fatalf("expected all 3 instances to be borrowed, saw %v", seen)
	}

	// All instances must have been returned; a 4th borrow must not block.
	done := make(chan struct{})
	go func() {
		pool.Transaction(ctx, func(int) (any, error) { return nil, nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("instance was not returned to the pool")
	}
}
