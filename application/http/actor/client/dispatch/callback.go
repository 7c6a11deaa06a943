package dispatch

import (
	"runtime/debug"
	"sync/atomic"

	"github.com/pkg/errors"
)

type variant uint8

const (
	final variant = iota
	retry
)

// Callback answers one request. It is answered exactly once: by Send, or by
// Release when the driver is done with it.
type Callback[T, U any] struct {
	variant variant
	slot    *slot[U]
	taken   atomic.Bool
}

func newCallback[T, U any](v variant) *Callback[T, U] {
	return &Callback[T, U]{variant: v, slot: newSlot[U]()}
}

func (cb *Callback[T, U]) take() (*slot[U], bool) {
	if cb.taken.Swap(true) {
		return nil, false
	}
	return cb.slot, true
}

// Send delivers the outcome. err may be built with [Retry] to hand the
// request back; callers that did not ask for retries never see it.
func (cb *Callback[T, U]) Send(res U, err error) {
	s, ok := cb.take()
	if !ok {
		return
	}

	switch cb.variant {
	case retry:
		s.put(result[U]{val: res, err: err})
	case final:
		s.put(result[U]{val: res, err: stripRetry[T](err)})
	}
}

// Release must be deferred by whoever holds the callback, directly as
// `defer cb.Release()`: called from inside another deferred func it can't
// see a panic. If nothing was sent it answers with [ErrDispatchGone]. A
// panic in progress is reported in the error, with its stack, and then
// continues unwinding.
func (cb *Callback[T, U]) Release() {
	r := recover()

	if s, ok := cb.take(); ok {
		err := errors.Wrap(ErrDispatchGone, "runtime dropped the dispatch task")
		if r != nil {
			err = errors.Wrapf(ErrDispatchGone, "user code panicked: %v\n%s", r, debug.Stack())
		}

		var zero U
		s.put(result[U]{val: zero, err: err})
	}

	if r != nil {
		panic(r)
	}
}

// discard lets go of the callback without answering. Only valid when the
// caller already left.
func (cb *Callback[T, U]) discard() { cb.taken.Store(true) }

// Canceled is closed once the caller lost interest.
func (cb *Callback[T, U]) Canceled() <-chan struct{} { return cb.slot.gone }

func (cb *Callback[T, U]) IsCanceled() bool {
	select {
	case <-cb.slot.gone:
		return true
	default:
		return false
	}
}

type envelope[T, U any] struct {
	req   T
	cb    *Callback[T, U]
	taken atomic.Bool
}

func (e *envelope[T, U]) take() (req T, cb *Callback[T, U], ok bool) {
	if e.taken.Swap(true) {
		return req, nil, false
	}
	return e.req, e.cb, true
}

// cancel answers an envelope nobody will process.
func (e *envelope[T, U]) cancel() {
	req, cb, ok := e.take()
	if !ok {
		return
	}

	var zero U
	cb.Send(zero, Retry(errors.Wrap(ErrCanceled, "connection closed"), req))
}
