package pipe

import (
	"context"
	"httpwire/transport"
	"io"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/suite"
)

type PipeTransportTestSuite struct {
	suite.Suite

	transport *PipeTransport
	addr      Addr
}

func TestPipeTransportTestSuite(t *testing.T) {
	suite.Run(t, new(PipeTransportTestSuite))
}

func (s *PipeTransportTestSuite) SetupTest() {
	s.transport = NewPipeTransport(clock.New())
	s.addr = Addr{Name: "hey"}
}

func (s *PipeTransportTestSuite) TestListen() {
	lis, err := s.transport.Listen(s.addr)
	s.Require().NoError(err)
	s.Require().NotNil(lis)
	defer lis.Close()

	got, ok := s.transport.listeners[s.addr]
	s.True(ok)
	s.Equal(lis, got)

	again, err := s.transport.Listen(s.addr)
	s.ErrorIs(err, transport.ErrAddrAlreadyInUse)
	s.Nil(again)
}

func (s *PipeTransportTestSuite) TestDial() {
	lis, err := s.transport.Listen(s.addr)
	s.Require().NoError(err)
	defer lis.Close()

	accepted := make(chan transport.Conn, 1)
	go func() {
		conn, err := lis.Accept(context.Background())
		s.NoError(err)
		accepted <- conn
	}()

	conn, err := s.transport.Dial(context.Background(), s.addr)
	s.Require().NoError(err)
	s.Require().NotNil(conn)
	s.Equal(transport.Addr(s.addr), conn.RemoteAddr())

	server := <-accepted
	go func() {
		_, err := server.Write([]byte("hi"))
		s.NoError(err)
	}()

	nc := transport.NetConn(conn)
	buf := make([]byte, 2)
	_, err = io.ReadFull(nc, buf)
	s.Require().NoError(err)
	s.Equal("hi", string(buf))

	s.NoError(server.Close())
	_, err = nc.Read(buf)
	s.Equal(io.EOF, err)
	s.NoError(conn.Close())
}

func (s *PipeTransportTestSuite) TestDialUnknown() {
	conn, err := s.transport.Dial(context.Background(), s.addr)
	s.ErrorIs(err, transport.ErrNetUnreachable)
	s.Nil(conn)
}

func (s *PipeTransportTestSuite) TestDialClosedListener() {
	lis, err := s.transport.Listen(s.addr)
	s.Require().NoError(err)

	dialed := make(chan error, 1)
	go func() {
		_, err := s.transport.Dial(context.Background(), s.addr)
		dialed <- err
	}()

	time.Sleep(10 * time.Millisecond)
	s.Require().NoError(lis.Close())

	err = <-dialed
	s.True(err == transport.ErrConnRefused || err == transport.ErrNetUnreachable, err)
}

func (s *PipeTransportTestSuite) TestDialCancels() {
	lis, err := s.transport.Listen(s.addr)
	s.Require().NoError(err)
	defer lis.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	conn, err := s.transport.Dial(ctx, s.addr)
	s.Nil(conn)
	s.ErrorIs(err, context.Canceled)
}

type PipeListenerTestSuite struct {
	suite.Suite

	transport *PipeTransport
	pl        *pipeListener
}

func TestPipeListenerTestSuite(t *testing.T) {
	suite.Run(t, new(PipeListenerTestSuite))
}

func (s *PipeListenerTestSuite) SetupTest() {
	s.transport = NewPipeTransport(clock.New())

	pl, err := s.transport.Listen(Addr{Name: "hey"})
	s.Require().NoError(err)
	s.pl = pl
}

func (s *PipeListenerTestSuite) TearDownTest() {
	_ = s.pl.Close()
}

func (s *PipeListenerTestSuite) TestAccept() {
	_, p2 := NewPair("dialer", s.pl.addr.String(), s.transport.clock)

	req := pipeRequest{conn: p2, accepted: make(chan struct{}, 1)}
	go func() { s.pl.requests <- req }()

	conn, err := s.pl.Accept(context.Background())
	s.NoError(err)
	s.Equal(p2, conn)
	<-req.accepted
}

func (s *PipeListenerTestSuite) TestAcceptCancels() {
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	conn, err := s.pl.Accept(ctx)
	s.Nil(conn)
	s.ErrorIs(err, context.Canceled)
}

func (s *PipeListenerTestSuite) TestClose() {
	s.Require().NoError(s.pl.Close())

	<-s.pl.closed

	s.ErrorIs(s.pl.Close(), transport.ErrConnListenerClosed)

	listener, ok := s.transport.listeners[s.pl.addr]
	s.False(ok)
	s.Nil(listener)

	conn, err := s.pl.Accept(context.Background())
	s.Nil(conn)
	s.ErrorIs(err, transport.ErrConnListenerClosed)
}
