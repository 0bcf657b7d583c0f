// Package msgqueue implements the bounded single-producer/single-consumer
// ring spec.md §5 uses to hand maintenance work items (digest/combine
// requests) to a managed dtable's background thread. A Go buffered
// channel already provides exactly this ring's semantics, so Queue is a
// thin, typed wrapper adding context-aware Send/Receive over the
// channel's native blocking behavior.
package msgqueue

import "context"

// Queue is a bounded SPSC ring of fixed capacity holding items of type T.
type Queue[T any] struct {
	ch chan T
}

// New returns a Queue with room for capacity items.
func New[T any](capacity int) *Queue[T] {
	return &Queue[T]{ch: make(chan T, capacity)}
}

// Send enqueues item, blocking while the ring is full until space frees
// up or ctx is done.
func (q *Queue[T]) Send(ctx context.Context, item T) error {
	select {
	case q.ch <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive dequeues the next item, blocking while the ring is empty
// until an item arrives or ctx is done.
func (q *Queue[T]) Receive(ctx context.Context) (T, error) {
	select {
	case item := <-q.ch:
		return item, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// TryReceive dequeues the next item without blocking. ok is false if
// the ring was empty.
func (q *Queue[T]) TryReceive() (item T, ok bool) {
	select {
	case item = <-q.ch:
		return item, true
	default:
		return item, false
	}
}

// Len reports the number of items currently queued.
func (q *Queue[T]) Len() int { return len(q.ch) }

// Cap reports the ring's fixed capacity.
func (q *Queue[T]) Cap() int { return cap(q.ch) }
