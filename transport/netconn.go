package transport

import (
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
)

// NetConn exposes c as a [net.Conn], so codecs written against the
// standard library can run over any transport.
// A closed connection reads as [io.EOF].
func NetConn(c Conn) net.Conn {
	if nc, ok := c.(interface{ NetConn() net.Conn }); ok {
		return nc.NetConn()
	}
	return &netConn{c: c}
}

type netConn struct{ c Conn }

var _ net.Conn = (*netConn)(nil)

func (n *netConn) Read(p []byte) (int, error) {
	nn, err := n.c.Read(p)
	return nn, toNetError(err, true)
}

func (n *netConn) Write(p []byte) (int, error) {
	nn, err := n.c.Write(p)
	return nn, toNetError(err, false)
}

func (n *netConn) Close() error         { return n.c.Close() }
func (n *netConn) LocalAddr() net.Addr  { return n.c.LocalAddr() }
func (n *netConn) RemoteAddr() net.Addr { return n.c.RemoteAddr() }

func (n *netConn) SetDeadline(t time.Time) error {
	n.c.SetReadDeadLine(t)
	n.c.SetWriteDeadLine(t)
	return nil
}

func (n *netConn) SetReadDeadline(t time.Time) error {
	n.c.SetReadDeadLine(t)
	return nil
}

func (n *netConn) SetWriteDeadline(t time.Time) error {
	n.c.SetWriteDeadLine(t)
	return nil
}

type timeoutError struct{ error }

func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func toNetError(err error, read bool) error {
	switch {
	case err == nil:
		return nil
	case read && errors.Is(err, ErrConnClosed):
		return io.EOF
	case errors.Is(err, ErrConnClosed):
		return net.ErrClosed
	case errors.Is(err, ErrDeadLineExceeded):
		return timeoutError{err}
	}
	return err
}
