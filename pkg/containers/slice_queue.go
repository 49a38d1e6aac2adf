package containers

import (
	"sync"

	"github.com/edwingeng/deque"
)

// Queue abstracts a generics FIFO queue, which is thread-safe.
type Queue[T any] interface {
	Add(elem T)
	Pop() (T, bool)
	Size() int
}

// SliceQueue is a thread-safe FIFO queue backed by a deque. C is signaled
// when an element may be available; consumers drain with Pop.
type SliceQueue[T any] struct {
	mu sync.Mutex
	dq deque.Deque

	C chan struct{}
}

func NewSliceQueue[T any]() *SliceQueue[T] {
	return &SliceQueue[T]{
		dq: deque.NewDeque(),
		C:  make(chan struct{}, 1),
	}
}

// Add pushes an element to the back of the queue.
func (q *SliceQueue[T]) Add(elem T) {
	q.mu.Lock()
	q.dq.Enqueue(elem)
	q.mu.Unlock()

	select {
	case q.C <- struct{}{}:
	default:
	}
}

// Pop removes and returns the front element. The second return value is
// false if the queue is empty.
func (q *SliceQueue[T]) Pop() (T, bool) {
	var zero T

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.dq.Empty() {
		return zero, false
	}
	elems := q.dq.DequeueMany(1)
	if len(elems) == 0 {
		return zero, false
	}
	return elems[0].(T), true
}

// Size returns the number of queued elements.
func (q *SliceQueue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dq.Len()
}
