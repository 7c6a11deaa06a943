// Package iolib has small io wrappers shared by connection drivers.
package iolib

import (
	"io"
	"sync"

	"github.com/pkg/errors"
)

// MaxDrain is how much of an unread body Close discards before giving up.
const MaxDrain = 256 << 10

var ErrBodyNotDrained = errors.New("body too long to drain")

// FinishReader calls onFinish once, when the stream ends: read to the end,
// failed, or closed. io.EOF is reported as nil.
// Closing first drains up to MaxDrain bytes of what is left, so the
// underlying connection can be reused. A longer rest is reported as
// ErrBodyNotDrained.
type FinishReader struct {
	rc       io.ReadCloser
	onFinish func(err error)

	once sync.Once
}

var _ io.ReadCloser = (*FinishReader)(nil)

func NewFinishReader(rc io.ReadCloser, onFinish func(err error)) *FinishReader {
	return &FinishReader{rc: rc, onFinish: onFinish}
}

func (r *FinishReader) Read(p []byte) (n int, err error) {
	n, err = r.rc.Read(p)
	if err != nil {
		r.finish(err)
	}
	return n, err
}

func (r *FinishReader) Close() error {
	n, err := io.Copy(io.Discard, io.LimitReader(r.rc, MaxDrain+1))
	if err == nil && n > MaxDrain {
		err = ErrBodyNotDrained
	}
	r.finish(err)
	return r.rc.Close()
}

func (r *FinishReader) finish(err error) {
	r.once.Do(func() {
		if errors.Is(err, io.EOF) {
			err = nil
		}
		r.onFinish(err)
	})
}

// OnCloseReader runs onClose after the wrapped reader is closed.
type OnCloseReader struct {
	io.ReadCloser
	onClose func()
}

func NewOnCloseReader(rc io.ReadCloser, onClose func()) *OnCloseReader {
	return &OnCloseReader{ReadCloser: rc, onClose: onClose}
}

func (r *OnCloseReader) Close() error {
	err := r.ReadCloser.Close()
	r.onClose()
	return err
}
