package dispatch

import (
	"context"
	"sync/atomic"

	"httpwire/lib/ds/queue"
	"httpwire/lib/want"

	"github.com/pkg/errors"
)

// Channel creates a connected sender and receiver. The receiver belongs to
// the goroutine driving the connection.
func Channel[T, U any]() (*Sender[T, U], *Receiver[T, U]) {
	inner := queue.NewConcurrent[*envelope[T, U]]()
	giver, taker := want.New()

	tx := &Sender[T, U]{giver: giver, inner: inner}
	rx := &Receiver[T, U]{inner: inner, taker: taker}
	return tx, rx
}

// Sender is bounded by the receiver's demand, plus one request that may
// be buffered before the receiver ever asked.
type Sender[T, U any] struct {
	// bufferedOnce records whether the free request was used.
	bufferedOnce atomic.Bool
	// giver tells whether the receiver found its queue empty, meaning the
	// previous request was fully processed.
	giver *want.Provider
	inner *queue.Concurrent[*envelope[T, U]]

	multiplexed atomic.Bool
}

// Ready blocks until the receiver wants another request.
func (s *Sender[T, U]) Ready(ctx context.Context) error {
	if err := s.giver.Wait(ctx); err != nil {
		if errors.Is(err, want.ErrClosed) {
			return ErrClosed
		}
		return err
	}
	return nil
}

func (s *Sender[T, U]) IsReady() bool  { return s.giver.IsWanting() }
func (s *Sender[T, U]) IsClosed() bool { return s.giver.IsCanceled() }

func (s *Sender[T, U]) canSend() bool {
	if s.giver.Give() {
		s.bufferedOnce.Store(true)
		return true
	}
	// Nothing asked yet, but the free slot is still there.
	return s.bufferedOnce.CompareAndSwap(false, true)
}

func (s *Sender[T, U]) refuse(val T) *SendError[T] {
	if s.IsClosed() {
		return &SendError[T]{Value: val, Err: ErrClosed}
	}
	return &SendError[T]{Value: val, Err: ErrNotReady}
}

// Send hands val to the connection. On refusal the returned *SendError
// holds val and wraps either [ErrNotReady] or [ErrClosed].
func (s *Sender[T, U]) Send(val T) (*Promise[U], error) {
	if !s.canSend() {
		return nil, s.refuse(val)
	}

	cb, err := enqueue(s.inner, val, newCallback[T, U](final))
	if err != nil {
		return nil, err
	}
	return &Promise[U]{s: cb.slot}, nil
}

// TrySend is Send for callers that can reschedule: a request the
// connection never processed comes back through the promise.
func (s *Sender[T, U]) TrySend(val T) (*RetryPromise[T, U], error) {
	if !s.canSend() {
		return nil, s.refuse(val)
	}

	cb, err := enqueue(s.inner, val, newCallback[T, U](retry))
	if err != nil {
		return nil, err
	}
	return &RetryPromise[T, U]{s: cb.slot}, nil
}

// Multiplex turns s into a sender without backpressure, for connections
// that run many requests at once. s must not be used afterwards.
func (s *Sender[T, U]) Multiplex() *MultiplexedSender[T, U] {
	if s.multiplexed.Swap(true) {
		panic("dispatch: sender multiplexed twice")
	}
	return &MultiplexedSender[T, U]{giver: s.giver.Shared(), inner: s.inner}
}

func enqueue[T, U any](
	inner *queue.Concurrent[*envelope[T, U]], val T, cb *Callback[T, U],
) (*Callback[T, U], error) {
	env := &envelope[T, U]{req: val, cb: cb}

	if err := inner.Push(env); err != nil {
		// Take it back before anything answers it.
		val, _, _ := env.take()
		return nil, &SendError[T]{Value: val, Err: ErrClosed}
	}
	return cb, nil
}

// MultiplexedSender never refuses while the receiver is alive.
// Copies made with Clone share the same channel.
type MultiplexedSender[T, U any] struct {
	giver *want.SharedProvider
	inner *queue.Concurrent[*envelope[T, U]]
}

func (s *MultiplexedSender[T, U]) Clone() *MultiplexedSender[T, U] {
	return &MultiplexedSender[T, U]{giver: s.giver, inner: s.inner}
}

func (s *MultiplexedSender[T, U]) IsReady() bool  { return !s.giver.IsCanceled() }
func (s *MultiplexedSender[T, U]) IsClosed() bool { return s.giver.IsCanceled() }

// Ready returns immediately; it only fails once the receiver is gone.
func (s *MultiplexedSender[T, U]) Ready(ctx context.Context) error {
	if s.IsClosed() {
		return ErrClosed
	}
	return ctx.Err()
}

func (s *MultiplexedSender[T, U]) Send(val T) (*Promise[U], error) {
	if s.IsClosed() {
		return nil, &SendError[T]{Value: val, Err: ErrClosed}
	}

	cb, err := enqueue(s.inner, val, newCallback[T, U](final))
	if err != nil {
		return nil, err
	}
	return &Promise[U]{s: cb.slot}, nil
}

func (s *MultiplexedSender[T, U]) TrySend(val T) (*RetryPromise[T, U], error) {
	if s.IsClosed() {
		return nil, &SendError[T]{Value: val, Err: ErrClosed}
	}

	cb, err := enqueue(s.inner, val, newCallback[T, U](retry))
	if err != nil {
		return nil, err
	}
	return &RetryPromise[T, U]{s: cb.slot}, nil
}

type Receiver[T, U any] struct {
	inner *queue.Concurrent[*envelope[T, U]]
	taker *want.Consumer
}

// Poll returns the next request without blocking. Finding the queue empty
// raises demand, which lets the next Send through.
func (r *Receiver[T, U]) Poll() (req T, cb *Callback[T, U], ok bool) {
	if env, found := r.inner.Pop(); found {
		return env.take()
	}

	r.taker.Want()
	return req, nil, false
}

// Recv blocks until a request arrives. It fails with [ErrClosed] after
// Close, or with the context's error.
func (r *Receiver[T, U]) Recv(ctx context.Context) (req T, cb *Callback[T, U], err error) {
	for {
		if req, cb, ok := r.Poll(); ok {
			return req, cb, nil
		}

		select {
		case <-r.inner.Signal():
		case <-r.inner.Done():
			return req, nil, ErrClosed
		case <-ctx.Done():
			return req, nil, ctx.Err()
		}
	}
}

// TryRecv pops a request if one is queued. Unlike Poll, it never raises
// demand.
func (r *Receiver[T, U]) TryRecv() (req T, cb *Callback[T, U], ok bool) {
	if env, found := r.inner.Pop(); found {
		return env.take()
	}
	return req, nil, false
}

// Close tears the channel down. Senders observe closure before the queue
// goes away, and every request still queued is answered with
// [ErrCanceled].
func (r *Receiver[T, U]) Close() {
	r.taker.Cancel()

	for _, env := range r.inner.Close() {
		env.cancel()
	}
}
