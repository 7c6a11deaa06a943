// Package tcp dials TCP connections through the operating system.
package tcp

import (
	"context"
	"httpwire/transport"
	"net"
	"net/netip"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

type Addr struct {
	addrPort netip.AddrPort
}

var _ transport.Addr = Addr{}

func NewAddr(ip netip.Addr, port uint16) Addr {
	return Addr{netip.AddrPortFrom(ip, port)}
}

func ParseAddr(s string) (Addr, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return Addr{}, errors.Wrapf(err, "parsing tcp address %q", s)
	}
	return Addr{ap}, nil
}

func (a Addr) Port() uint16    { return a.addrPort.Port() }
func (a Addr) IP() netip.Addr  { return a.addrPort.Addr() }
func (a Addr) Network() string { return "tcp" }
func (a Addr) String() string  { return a.addrPort.String() }

type Options struct {
	DialTimeout time.Duration
	// KeepAliveIdle is how long a connection stays quiet before the kernel
	// starts probing it. Zero leaves the system default.
	KeepAliveIdle time.Duration
}

type Dialer struct {
	d net.Dialer
}

var _ transport.ConnDialer = (*Dialer)(nil)

func NewDialer(opts Options) *Dialer {
	d := &Dialer{d: net.Dialer{Timeout: opts.DialTimeout}}
	if opts.KeepAliveIdle > 0 {
		idle := opts.KeepAliveIdle
		d.d.Control = func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = setKeepAliveIdle(fd, idle)
			})
			if err != nil {
				return err
			}
			return sockErr
		}
	}
	return d
}

func (d *Dialer) Dial(ctx context.Context, addr transport.Addr) (transport.Conn, error) {
	c, err := d.d.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, errors.Wrapf(err, "dialing %s", addr)
	}
	return &conn{c: c.(*net.TCPConn)}, nil
}

type conn struct {
	c *net.TCPConn
}

var _ transport.Conn = (*conn)(nil)

func (c *conn) Read(p []byte) (int, error) {
	n, err := c.c.Read(p)
	return n, fromNetError(err)
}

func (c *conn) Write(p []byte) (int, error) {
	n, err := c.c.Write(p)
	return n, fromNetError(err)
}

func (c *conn) Close() error                 { return c.c.Close() }
func (c *conn) LocalAddr() transport.Addr    { return addrOf(c.c.LocalAddr()) }
func (c *conn) RemoteAddr() transport.Addr   { return addrOf(c.c.RemoteAddr()) }
func (c *conn) SetReadDeadLine(t time.Time)  { _ = c.c.SetReadDeadline(t) }
func (c *conn) SetWriteDeadLine(t time.Time) { _ = c.c.SetWriteDeadline(t) }

// NetConn hands out the socket itself, see [transport.NetConn].
func (c *conn) NetConn() net.Conn { return c.c }

func addrOf(a net.Addr) transport.Addr {
	if ta, ok := a.(*net.TCPAddr); ok {
		return Addr{ta.AddrPort()}
	}
	return nil
}

func fromNetError(err error) error {
	var nerr net.Error
	switch {
	case err == nil:
		return nil
	case errors.Is(err, net.ErrClosed):
		return transport.ErrConnClosed
	case errors.As(err, &nerr) && nerr.Timeout():
		return transport.ErrDeadLineExceeded
	}
	return err
}
