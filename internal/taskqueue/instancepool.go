package taskqueue

import (
	"context"
)

// InstancePool wraps a fixed collection of non-thread-safe objects
// (spec §4.3's "instance pool") behind a blocking queue: borrowing
// and returning an instance on every exit path makes it safe to share
// across goroutines even though the underlying type is not.
type InstancePool[T any] struct {
	instances chan T
}

// NewInstancePool seeds the pool with the given instances. The pool's
// capacity is fixed at len(instances).
func NewInstancePool[T any](instances []T) *InstancePool[T] {
	ch := make(chan T, len(instances))
	for _, inst := range instances {
		ch <- inst
	}
	return &InstancePool[T]{instances: ch}
}

// Transaction borrows an instance, calls fn with it, and returns it to
// the pool on every exit path (including panic).
func (p *InstancePool[T]) Transaction(ctx context.Context, fn func(T) (any, error)) (any, error) {
	var inst T
	select {
	case inst = <-p.instances:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { p.instances <- inst }()
	return fn(inst)
}

// AwaitTransaction runs Transaction inside a named TaskQueue, exactly
// as spec §4.3 describes ("await_transaction... runs transaction
// inside a named TaskQueue"), for callers that want the borrow/call
// itself to happen off the current goroutine.
func (p *InstancePool[T]) AwaitTransaction(queue *TaskQueue, fn func(T) (any, error)) *Future {
	return queue.Await(nil, func() (any, error) {
		return p.Transaction(context.Background(), fn)
	})
}
