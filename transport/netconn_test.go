package transport

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAddr string

func (a stubAddr) Network() string { return "stub" }
func (a stubAddr) String() string  { return string(a) }

type stubConn struct {
	readErr, writeErr error
	rdl, wdl          time.Time
	closed            bool
}

func (c *stubConn) Read(p []byte) (int, error)   { return 0, c.readErr }
func (c *stubConn) Write(p []byte) (int, error)  { return len(p), c.writeErr }
func (c *stubConn) Close() error                 { c.closed = true; return nil }
func (c *stubConn) LocalAddr() Addr              { return stubAddr("local") }
func (c *stubConn) RemoteAddr() Addr             { return stubAddr("remote") }
func (c *stubConn) SetReadDeadLine(t time.Time)  { c.rdl = t }
func (c *stubConn) SetWriteDeadLine(t time.Time) { c.wdl = t }

func TestNetConnErrors(t *testing.T) {
	c := &stubConn{readErr: ErrConnClosed, writeErr: ErrConnClosed}
	nc := NetConn(c)

	_, err := nc.Read(make([]byte, 1))
	assert.Equal(t, io.EOF, err)

	_, err = nc.Write([]byte("x"))
	assert.ErrorIs(t, err, net.ErrClosed)

	c.readErr = ErrDeadLineExceeded
	_, err = nc.Read(make([]byte, 1))
	var nerr net.Error
	require.ErrorAs(t, err, &nerr)
	assert.True(t, nerr.Timeout())
}

func TestNetConnDeadlinesAndAddr(t *testing.T) {
	c := &stubConn{}
	nc := NetConn(c)

	at := time.Unix(100, 0)
	require.NoError(t, nc.SetDeadline(at))
	assert.Equal(t, at, c.rdl)
	assert.Equal(t, at, c.wdl)

	assert.Equal(t, "remote", nc.RemoteAddr().String())
	assert.Equal(t, "stub", nc.LocalAddr().Network())

	require.NoError(t, nc.Close())
	assert.True(t, c.closed)
}
