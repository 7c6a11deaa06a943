// Package pipe is an in-memory transport. Pipes are synchronous and
// unbuffered, like [net.Pipe], with deadlines driven by a [clock.Clock].
package pipe

import (
	"httpwire/transport"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type Addr struct {
	Name string
}

func (a Addr) Network() string { return "pipe" }
func (a Addr) String() string  { return a.Name }

var _ transport.Addr = Addr{}

// end is one side of a pipe. A write hands its buffer to the peer's reader
// and blocks until the reader says how much of it was consumed.
type end struct {
	chunks   chan []byte // written by the peer, read here.
	consumed chan int    // how much of our chunk the peer took.

	writeMu sync.Mutex // one writer at a time, so chunks don't interleave.

	done      chan struct{}
	closeOnce sync.Once

	readDeadline  *deadline
	writeDeadline *deadline

	peer *end
	addr Addr
}

var _ transport.Conn = (*end)(nil)

func newEnd(name string, clock clock.Clock) *end {
	return &end{
		chunks:        make(chan []byte),
		consumed:      make(chan int),
		done:          make(chan struct{}),
		readDeadline:  newDeadline(clock),
		writeDeadline: newDeadline(clock),
		addr:          Addr{Name: name},
	}
}

// NewPair creates two connected ends named after their local addresses.
func NewPair(name1, name2 string, clock clock.Clock) (transport.Conn, transport.Conn) {
	a, b := newEnd(name1, clock), newEnd(name2, clock)
	a.peer, b.peer = b, a
	return a, b
}

func (e *end) LocalAddr() transport.Addr  { return e.addr }
func (e *end) RemoteAddr() transport.Addr { return e.peer.addr }

func (e *end) Close() error {
	e.closeOnce.Do(func() { close(e.done) })
	return nil
}

func (e *end) Read(b []byte) (int, error) {
	expired := e.readDeadline.expired()
	if err := e.usable(expired); err != nil {
		return 0, err
	}

	select {
	case chunk := <-e.chunks:
		n := copy(b, chunk)
		e.peer.consumed <- n
		return n, nil
	case <-e.done:
		return 0, transport.ErrConnClosed
	case <-e.peer.done:
		return 0, transport.ErrConnClosed
	case <-expired:
		return 0, transport.ErrDeadLineExceeded
	}
}

func (e *end) Write(b []byte) (int, error) {
	expired := e.writeDeadline.expired()
	if err := e.usable(expired); err != nil {
		return 0, err
	}
	if len(b) == 0 {
		return 0, nil
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	written := 0
	for written < len(b) {
		select {
		case e.peer.chunks <- b[written:]:
			written += <-e.consumed
		case <-e.done:
			return written, transport.ErrConnClosed
		case <-e.peer.done:
			return written, transport.ErrConnClosed
		case <-expired:
			return written, transport.ErrDeadLineExceeded
		}
	}
	return written, nil
}

// usable reports why the end can't be used right now, if it can't.
func (e *end) usable(expired <-chan struct{}) error {
	switch {
	case fired(e.done), fired(e.peer.done):
		return transport.ErrConnClosed
	case fired(expired):
		return transport.ErrDeadLineExceeded
	}
	return nil
}

func (e *end) SetReadDeadLine(t time.Time)  { e.readDeadline.set(t) }
func (e *end) SetWriteDeadLine(t time.Time) { e.writeDeadline.set(t) }

// deadline is a channel closed when the clock passes the set time.
// The zero time disarms it.
type deadline struct {
	clock clock.Clock

	mu      sync.Mutex
	timer   *clock.Timer
	expires chan struct{}
}

func newDeadline(clock clock.Clock) *deadline {
	return &deadline{clock: clock, expires: make(chan struct{})}
}

func (d *deadline) set(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if fired(d.expires) {
		d.expires = make(chan struct{})
	}
	if t.IsZero() {
		return
	}

	expires := d.expires
	d.timer = d.clock.AfterFunc(d.clock.Until(t), func() { close(expires) })
}

func (d *deadline) expired() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.expires
}

func fired(c <-chan struct{}) bool {
	select {
	case <-c:
		return true
	default:
		return false
	}
}
