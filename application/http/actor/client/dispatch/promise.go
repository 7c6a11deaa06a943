package dispatch

import (
	"context"
	"sync"
)

type result[U any] struct {
	val U
	err error
}

// slot holds exactly one value. The writer side is owned by a Callback,
// which guarantees a single put.
type slot[U any] struct {
	value result[U]
	done  chan struct{}

	gone     chan struct{} // closed once the reader lost interest.
	goneOnce sync.Once
}

func newSlot[U any]() *slot[U] {
	return &slot[U]{
		done: make(chan struct{}),
		gone: make(chan struct{}),
	}
}

// put must be called at most once. Writing after the reader left is fine.
func (s *slot[U]) put(r result[U]) {
	s.value = r
	close(s.done)
}

func (s *slot[U]) wait(ctx context.Context) (U, error) {
	select {
	case <-s.done:
		return s.value.val, s.value.err
	default:
	}

	select {
	case <-s.done:
		return s.value.val, s.value.err
	case <-ctx.Done():
		var zero U
		return zero, ctx.Err()
	}
}

func (s *slot[U]) abandon() {
	s.goneOnce.Do(func() { close(s.gone) })
}

// Promise resolves with the outcome of a request sent without retry.
type Promise[U any] struct{ s *slot[U] }

// Wait blocks until the request is answered or ctx ends.
// Timeouts are layered on top by passing a context with a deadline.
func (p *Promise[U]) Wait(ctx context.Context) (U, error) { return p.s.wait(ctx) }

// Done is closed once the outcome is available.
func (p *Promise[U]) Done() <-chan struct{} { return p.s.done }

// Close tells the connection the caller is no longer interested.
// A request already handed to the driver is not recalled.
func (p *Promise[U]) Close() { p.s.abandon() }

// RetryPromise is like [Promise], but when the connection never processed
// the request, the error carries it back. See [Unsent].
type RetryPromise[T, U any] struct{ s *slot[U] }

func (p *RetryPromise[T, U]) Wait(ctx context.Context) (U, error) { return p.s.wait(ctx) }
func (p *RetryPromise[T, U]) Done() <-chan struct{}               { return p.s.done }
func (p *RetryPromise[T, U]) Close()                              { p.s.abandon() }
