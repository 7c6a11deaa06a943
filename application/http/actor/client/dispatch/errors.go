package dispatch

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrCanceled is delivered for requests that were queued but never
	// processed by the connection.
	ErrCanceled = errors.New("dispatch canceled")
	// ErrDispatchGone is delivered when the driver let go of a callback
	// without answering it.
	ErrDispatchGone = errors.New("dispatch task is gone")
	// ErrClosed reports that the receiving side was closed.
	ErrClosed = errors.New("dispatch channel closed")
	// ErrNotReady reports that the receiver has not asked for more work.
	ErrNotReady = errors.New("dispatch channel not ready")
)

// SendError is returned when a request is refused. Value is the request,
// untouched, so the caller can try another connection.
type SendError[T any] struct {
	Value T
	Err   error
}

func (e *SendError[T]) Error() string { return fmt.Sprintf("send refused: %v", e.Err) }
func (e *SendError[T]) Unwrap() error { return e.Err }
func (e *SendError[T]) Cause() error  { return e.Err }

// RetryError carries a request that was never processed back to the caller.
type RetryError[T any] struct {
	Err     error
	Request T
}

func (e *RetryError[T]) Error() string { return e.Err.Error() }
func (e *RetryError[T]) Unwrap() error { return e.Err }
func (e *RetryError[T]) Cause() error  { return e.Err }

// Retry attaches req to err so that a retryable callback hands it back.
func Retry[T any](err error, req T) error {
	return &RetryError[T]{Err: err, Request: req}
}

// Unsent returns the request carried by err, if any.
func Unsent[T any](err error) (req T, ok bool) {
	var rerr *RetryError[T]
	if errors.As(err, &rerr) {
		return rerr.Request, true
	}
	return req, false
}

func stripRetry[T any](err error) error {
	if rerr, ok := err.(*RetryError[T]); ok {
		return rerr.Err
	}
	return err
}
