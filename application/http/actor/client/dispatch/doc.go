// Package dispatch hands requests from callers to the goroutine that drives
// a single connection.
//
// A [Sender] admits one request before the connection ever asked for work,
// and after that only as many as the [Receiver] signaled demand for.
// The receiver raises demand as a side effect of finding its queue empty,
// so an idle connection is what unblocks the next caller.
//
// Every request handed over is answered exactly once through its
// [Callback]: by the driver, by receiver teardown (the request comes back
// as [ErrCanceled]), or by [Callback.Release] when the driver goes away
// without answering ([ErrDispatchGone]).
package dispatch
