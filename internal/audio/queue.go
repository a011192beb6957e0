package audio

import "sync"

// ResultQueue hands finished results from a producer to a polling consumer.
//
// Enqueue and DrainAll are serialized by one mutex that is held only for
// the append or the swap, never while results are produced or consumed.
// The queue is unbounded and never drops an item.
type ResultQueue[T any] struct {
	mu    sync.Mutex
	items []T
}

// NewResultQueue creates an empty queue
func NewResultQueue[T any]() *ResultQueue[T] {
	return &ResultQueue[T]{}
}

// Enqueue appends item in completion order
func (q *ResultQueue[T]) Enqueue(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
}

// DrainAll removes and returns every queued item in FIFO order. The caller
// owns the returned slice exclusively.
func (q *ResultQueue[T]) DrainAll() []T {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	return items
}

// Len returns the number of queued items
func (q *ResultQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
