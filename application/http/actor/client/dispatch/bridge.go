package dispatch

import "context"

// Outcome is what a multiplexed connection produces for one request.
type Outcome[U any] struct {
	Value U
	Err   error
}

type bridgeState uint8

const (
	bridgePending bridgeState = iota
	bridgeComplete
)

// Bridge waits for a request on a multiplexed connection to complete and
// answers its callback, unless the caller leaves first.
type Bridge[T, U any] struct {
	when  <-chan Outcome[U]
	cb    *Callback[T, U]
	state bridgeState
}

func NewBridge[T, U any](when <-chan Outcome[U], cb *Callback[T, U]) *Bridge[T, U] {
	return &Bridge[T, U]{when: when, cb: cb}
}

// Run blocks until the bridge completes. It reports whether the outcome
// reached the caller. When it did not, either the caller left or ctx ended,
// and the outstanding work should be stopped.
//
// Canceling ctx releases the callback with [ErrDispatchGone].
func (b *Bridge[T, U]) Run(ctx context.Context) (delivered bool) {
	if b.state == bridgeComplete {
		panic("dispatch: bridge run after complete")
	}
	defer func() { b.state = bridgeComplete }()

	// Completion wins over cancellation whenever both are ready.
	if o, ready, ok := b.poll(); ready {
		return b.finish(o, ok)
	}

	select {
	case o, ok := <-b.when:
		return b.finish(o, ok)
	case <-b.cb.Canceled():
		if o, ready, ok := b.poll(); ready {
			return b.finish(o, ok)
		}
		b.cb.discard()
		return false
	case <-ctx.Done():
		b.cb.Release()
		return false
	}
}

func (b *Bridge[T, U]) poll() (o Outcome[U], ready, ok bool) {
	select {
	case o, ok = <-b.when:
		return o, true, ok
	default:
		return o, false, false
	}
}

func (b *Bridge[T, U]) finish(o Outcome[U], ok bool) bool {
	if !ok {
		// Completion went away without a result.
		b.cb.Release()
		return false
	}

	b.cb.Send(o.Value, stripRetry[T](o.Err))
	return true
}
