package pipe

import (
	"context"
	"httpwire/transport"
	"sync"

	"github.com/benbjohnson/clock"
)

type pipeRequest struct {
	conn     transport.Conn
	accepted chan struct{}
}

// PipeTransport dials and listens on named in-memory addresses.
type PipeTransport struct {
	listeners map[transport.Addr]*pipeListener
	clock     clock.Clock

	mu sync.Mutex
}

func NewPipeTransport(clock clock.Clock) *PipeTransport {
	return &PipeTransport{
		listeners: make(map[transport.Addr]*pipeListener),
		clock:     clock,
	}
}

var _ transport.ConnDialer = (*PipeTransport)(nil)

func (pt *PipeTransport) Dial(ctx context.Context, addr transport.Addr) (transport.Conn, error) {
	pt.mu.Lock()
	listener, ok := pt.listeners[addr]
	pt.mu.Unlock()

	if !ok {
		return nil, transport.ErrNetUnreachable
	}

	p1, p2 := NewPair("dialer", addr.String(), pt.clock)

	req := pipeRequest{
		conn:     p2,
		accepted: make(chan struct{}, 1),
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-listener.closed:
		return nil, transport.ErrConnRefused
	case listener.requests <- req:
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-listener.closed:
		return nil, transport.ErrConnRefused
	case <-req.accepted:
	}

	return p1, nil
}

func (pt *PipeTransport) Listen(addr Addr) (*pipeListener, error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	if _, ok := pt.listeners[addr]; ok {
		return nil, transport.ErrAddrAlreadyInUse
	}

	pl := &pipeListener{
		addr:      addr,
		transport: pt,
		requests:  make(chan pipeRequest),
		closed:    make(chan struct{}),
	}
	pt.listeners[addr] = pl

	return pl, nil
}

type pipeListener struct {
	addr transport.Addr

	transport *PipeTransport

	requests chan pipeRequest // never closed; closed signals shutdown.
	closed   chan struct{}

	once sync.Once
}

var _ transport.ConnListener = (*pipeListener)(nil)

func (pl *pipeListener) Accept(ctx context.Context) (transport.Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-pl.closed:
		return nil, transport.ErrConnListenerClosed
	case request := <-pl.requests:
		request.accepted <- struct{}{} // buffered.
		return request.conn, nil
	}
}

func (pl *pipeListener) Close() error {
	err := transport.ErrConnListenerClosed
	pl.once.Do(func() {
		close(pl.closed)
		err = nil

		pl.transport.mu.Lock()
		delete(pl.transport.listeners, pl.addr)
		pl.transport.mu.Unlock()
	})
	return err
}
