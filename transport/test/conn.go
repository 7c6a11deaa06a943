// Package test has conformance suites every transport runs.
package test

import (
	"bufio"
	"bytes"
	"httpwire/transport"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"
)

// ConnTestSuite checks a connected pair. Embedders set C1 and C2 in their
// SetupTest, after calling this one.
type ConnTestSuite struct {
	suite.Suite
	C1, C2 transport.Conn
	Clock  clock.Clock

	watchdog *time.Timer
}

func (s *ConnTestSuite) SetupTest() {
	s.Clock = clock.New()

	s.watchdog = time.AfterFunc(time.Second, func() {
		s.Fail("test took too long, something is stuck")
	})
}

func (s *ConnTestSuite) TearDownTest() {
	defer goleak.VerifyNone(s.T())
	s.watchdog.Stop()
	s.NoError(s.C1.Close())
	s.NoError(s.C2.Close())
}

func (s *ConnTestSuite) TestShortReads() {
	data := []byte("Hello, World!")

	done := make(chan struct{})
	go func() {
		defer close(done)
		n, err := s.C1.Write(data)
		s.NoError(err)
		s.Equal(len(data), n)
	}()

	got := make([]byte, 0, len(data))
	buf := make([]byte, 5)
	for len(got) < len(data) {
		n, err := s.C2.Read(buf)
		s.Require().NoError(err)
		s.LessOrEqual(n, len(buf))
		got = append(got, buf[:n]...)
	}
	<-done

	s.Equal(data, got)
}

func (s *ConnTestSuite) TestWritesDontInterleave() {
	const writers = 8
	chunk := bytes.Repeat([]byte("x"), 64)

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			b := bytes.Repeat([]byte{byte('a' + i)}, len(chunk))
			_, err := s.C1.Write(b)
			s.NoError(err)
		}()
	}
	go func() {
		wg.Wait()
		s.C1.Close()
	}()

	all, err := io.ReadAll(transport.NetConn(s.C2))
	s.Require().NoError(err)
	s.Require().Len(all, writers*len(chunk))

	for off := 0; off < len(all); off += len(chunk) {
		block := all[off : off+len(chunk)]
		s.Equal(bytes.Repeat(block[:1], len(chunk)), block)
	}
}

func (s *ConnTestSuite) TestPeerCloseUnblocks() {
	readErr := make(chan error, 1)
	go func() {
		_, err := s.C1.Read(make([]byte, 1))
		readErr <- err
	}()

	writeErr := make(chan error, 1)
	go func() {
		_, err := s.C1.Write([]byte("nobody reads this"))
		writeErr <- err
	}()

	// Let both block first.
	time.Sleep(20 * time.Millisecond)
	s.Require().NoError(s.C2.Close())

	s.ErrorIs(<-readErr, transport.ErrConnClosed)
	s.ErrorIs(<-writeErr, transport.ErrConnClosed)
}

func (s *ConnTestSuite) TestClosedPeer() {
	s.Require().NoError(s.C1.Close())

	for _, c := range []transport.Conn{s.C1, s.C2} {
		n, err := c.Read(make([]byte, 1))
		s.ErrorIs(err, transport.ErrConnClosed)
		s.Zero(n)

		n, err = c.Write([]byte("x"))
		s.ErrorIs(err, transport.ErrConnClosed)
		s.Zero(n)
	}
}

func (s *ConnTestSuite) TestDeadLines() {
	past := s.Clock.Now().Add(-time.Second)

	s.C1.SetReadDeadLine(past)
	_, err := s.C1.Read(make([]byte, 1))
	s.ErrorIs(err, transport.ErrDeadLineExceeded)

	s.C1.SetWriteDeadLine(past)
	_, err = s.C1.Write([]byte("x"))
	s.ErrorIs(err, transport.ErrDeadLineExceeded)

	// Disarmed again.
	s.C1.SetWriteDeadLine(time.Time{})
	go func() { _, _ = s.C2.Read(make([]byte, 1)) }()
	n, err := s.C1.Write([]byte("x"))
	s.NoError(err)
	s.Equal(1, n)
}

// TestNetConn runs an HTTP/1.1 exchange through the net.Conn view.
func (s *ConnTestSuite) TestNetConn() {
	client, server := transport.NetConn(s.C1), transport.NetConn(s.C2)

	go func() {
		req, err := http.NewRequest(http.MethodGet, "http://pipe/ping", nil)
		s.NoError(err)
		s.NoError(req.Write(client))
	}()

	req, err := http.ReadRequest(bufio.NewReader(server))
	s.Require().NoError(err)
	s.Equal("/ping", req.URL.Path)

	s.NoError(server.SetReadDeadline(s.Clock.Now().Add(-time.Second)))
	_, err = server.Read(make([]byte, 1))
	var netErr net.Error
	s.Require().ErrorAs(err, &netErr)
	s.True(netErr.Timeout())
	s.NoError(server.SetReadDeadline(time.Time{}))

	s.Require().NoError(client.Close())
	_, err = server.Read(make([]byte, 1))
	s.ErrorIs(err, io.EOF)
	_, err = server.Write([]byte("x"))
	s.ErrorIs(err, net.ErrClosed)
}

func (s *ConnTestSuite) TestAddr() {
	s.Equal(s.C1.LocalAddr(), s.C2.RemoteAddr())
	s.Equal(s.C2.LocalAddr(), s.C1.RemoteAddr())
}
