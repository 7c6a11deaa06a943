package queue

import "github.com/pkg/errors"

var (
	ErrQueueEmpty  = errors.New("queue is empty")
	ErrQueueClosed = errors.New("queue is closed")
)

// Queue is a FIFO. Implementations are not safe for concurrent use unless
// stated otherwise.
type Queue[T any] interface {
	Enqueue(v T)
	Dequeue() (T, error)
	Peek() (T, error)
	Len() uint
}

// NaiveQueue is a slice-backed Queue.
type NaiveQueue[T any] struct {
	queue []T
}

func NewNaive[T any](initialCap uint) *NaiveQueue[T] {
	return &NaiveQueue[T]{queue: make([]T, 0, initialCap)}
}

var _ Queue[int] = (*NaiveQueue[int])(nil)

func (q *NaiveQueue[T]) Enqueue(v T) {
	q.queue = append(q.queue, v)
}

func (q *NaiveQueue[T]) Dequeue() (T, error) {
	if q.Len() == 0 {
		var zero T
		return zero, ErrQueueEmpty
	}

	var zero T
	v := q.queue[0]
	// Don't keep dequeued values reachable through the backing array.
	q.queue[0] = zero
	q.queue = q.queue[1:]

	return v, nil
}

func (q *NaiveQueue[T]) Peek() (T, error) {
	if q.Len() == 0 {
		var zero T
		return zero, ErrQueueEmpty
	}
	return q.queue[0], nil
}

func (q *NaiveQueue[T]) Len() uint {
	return uint(len(q.queue))
}
