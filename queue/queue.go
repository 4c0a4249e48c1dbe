package queue

import "sync"

// Bounded is a generic FIFO queue with a fixed capacity. When full, Enqueue
// evicts the oldest element. It is safe for concurrent use.
type Bounded[T any] struct {
	mu    sync.Mutex
	items []T
	limit int
}

// New creates and returns a new Bounded queue holding at most limit elements.
// A non-positive limit is treated as 1.
func New[T any](limit int) *Bounded[T] {
	if limit <= 0 {
		limit = 1
	}
	return &Bounded[T]{items: make([]T, 0, limit), limit: limit}
}

// Enqueue adds an element to the end of the queue.
// The boolean reports whether an older element was evicted to make room.
func (q *Bounded[T]) Enqueue(item T) (evicted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == q.limit {
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		evicted = true
	}
	q.items = append(q.items, item)
	return
}

// Dequeue removes and returns the front element of the queue.
// The boolean indicates whether an element was dequeued (false if the queue was empty).
func (q *Bounded[T]) Dequeue() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// Peek returns the front element without removing it from the queue.
func (q *Bounded[T]) Peek() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	return q.items[0], true
}

// Snapshot returns a copy of the queued elements, oldest first.
func (q *Bounded[T]) Snapshot() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]T, len(q.items))
	copy(out, q.items)
	return out
}

// Len returns the number of elements in the queue.
func (q *Bounded[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Cap returns the maximum number of elements the queue holds.
func (q *Bounded[T]) Cap() int {
	return q.limit
}

// IsEmpty returns true if the queue is empty.
func (q *Bounded[T]) IsEmpty() bool {
	return q.Len() == 0
}
