package queue

import (
	"sync"

	"github.com/eapache/queue"
)

// Concurrent is an unbounded FIFO that many goroutines may push to
// and a single goroutine pops from.
type Concurrent[T any] struct {
	mu     sync.Mutex
	items  *queue.Queue
	closed bool

	signal chan struct{} // holds at most one pending wakeup.
	done   chan struct{}
}

func NewConcurrent[T any]() *Concurrent[T] {
	return &Concurrent[T]{
		items:  queue.New(),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Push appends v. It fails with [ErrQueueClosed] once the queue is closed,
// in which case v was not stored.
func (q *Concurrent[T]) Push(v T) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.items.Add(v)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// Pop removes the front element. ok is false if the queue is empty or closed.
func (q *Concurrent[T]) Pop() (v T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.items.Length() == 0 {
		return v, false
	}
	v, _ = q.items.Remove().(T)
	return v, true
}

func (q *Concurrent[T]) Len() uint {
	q.mu.Lock()
	defer q.mu.Unlock()
	return uint(q.items.Length())
}

// Signal fires after a push. A consumer that found the queue empty
// waits on it together with [Concurrent.Done].
func (q *Concurrent[T]) Signal() <-chan struct{} { return q.signal }

// Done is closed once the queue is closed.
func (q *Concurrent[T]) Done() <-chan struct{} { return q.done }

func (q *Concurrent[T]) IsClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close rejects further pushes and hands back whatever was still queued.
// Only the first call returns elements.
func (q *Concurrent[T]) Close() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	close(q.done)

	rest := make([]T, 0, q.items.Length())
	for q.items.Length() > 0 {
		v, _ := q.items.Remove().(T)
		rest = append(rest, v)
	}
	return rest
}
