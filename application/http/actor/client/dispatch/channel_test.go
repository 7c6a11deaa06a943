package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type custom struct{ n int }

type ChannelTestSuite struct {
	suite.Suite

	ctx context.Context
	tx  *Sender[custom, string]
	rx  *Receiver[custom, string]
}

func TestChannelTestSuite(t *testing.T) {
	suite.Run(t, new(ChannelTestSuite))
}

func (s *ChannelTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.tx, s.rx = Channel[custom, string]()
}

func (s *ChannelTestSuite) TearDownTest() {
	s.rx.Close()
}

func (s *ChannelTestSuite) TestSenderChecksForWantOnSend() {
	// One is allowed to buffer, second is rejected.
	_, err := s.tx.TrySend(custom{1})
	s.Require().NoError(err)

	_, err = s.tx.TrySend(custom{2})
	s.ErrorIs(err, ErrNotReady)

	req, _, ok := s.rx.Poll()
	s.Require().True(ok)
	s.Equal(custom{1}, req)

	// Even though 1 has been popped, only 1 could be buffered for the
	// lifetime of the channel.
	_, err = s.tx.TrySend(custom{2})
	s.ErrorIs(err, ErrNotReady)

	_, _, ok = s.rx.Poll()
	s.Require().False(ok, "rx empty")

	_, err = s.tx.TrySend(custom{2})
	s.NoError(err)
}

func (s *ChannelTestSuite) TestRefusedValueIsReturned() {
	_, err := s.tx.Send(custom{1})
	s.Require().NoError(err)

	_, err = s.tx.Send(custom{2})

	var serr *SendError[custom]
	s.Require().ErrorAs(err, &serr)
	s.Equal(custom{2}, serr.Value)
	s.ErrorIs(err, ErrNotReady)
}

func (s *ChannelTestSuite) TestPollEmptyOpensSend() {
	s.False(s.tx.IsReady())

	_, _, ok := s.rx.Poll()
	s.Require().False(ok)
	s.True(s.tx.IsReady())

	// Demand admits one send and uses up the free pass with it.
	_, err := s.tx.Send(custom{1})
	s.NoError(err)
	s.False(s.tx.IsReady())

	_, err = s.tx.Send(custom{2})
	s.ErrorIs(err, ErrNotReady)
}

func (s *ChannelTestSuite) TestTryRecvDoesNotRaiseDemand() {
	_, _, ok := s.rx.TryRecv()
	s.False(ok)
	s.False(s.tx.IsReady())

	_, err := s.tx.Send(custom{1})
	s.Require().NoError(err)

	req, cb, ok := s.rx.TryRecv()
	s.Require().True(ok)
	s.Equal(custom{1}, req)
	cb.Send("ok", nil)
}

func (s *ChannelTestSuite) TestFIFO() {
	mux := s.tx.Multiplex()
	for i := 0; i < 10; i++ {
		_, err := mux.Send(custom{i})
		s.Require().NoError(err)
	}

	for i := 0; i < 10; i++ {
		req, cb, err := s.rx.Recv(s.ctx)
		s.Require().NoError(err)
		s.Equal(custom{i}, req)
		cb.Send("", nil)
	}
}

func (s *ChannelTestSuite) TestDropReceiverSendsCancelErrors() {
	// Must poll once for the second send to succeed.
	_, _, ok := s.rx.Poll()
	s.Require().False(ok, "rx empty")

	retryable, err := s.tx.TrySend(custom{43})
	s.Require().NoError(err)
	final, err := s.tx.Send(custom{44})
	s.Require().NoError(err)

	s.rx.Close()

	_, err = retryable.Wait(s.ctx)
	s.ErrorIs(err, ErrCanceled)
	s.Contains(err.Error(), "connection closed")

	req, ok := Unsent[custom](err)
	s.True(ok)
	s.Equal(custom{43}, req)

	_, err = final.Wait(s.ctx)
	s.ErrorIs(err, ErrCanceled)
	_, ok = Unsent[custom](err)
	s.False(ok)
}

func (s *ChannelTestSuite) TestSendAfterCloseIsClosed() {
	s.rx.Close()

	s.True(s.tx.IsClosed())
	s.ErrorIs(s.tx.Ready(s.ctx), ErrClosed)

	// Fresh sender still has its free pass, the queue rejects it.
	_, err := s.tx.Send(custom{1})
	var serr *SendError[custom]
	s.Require().ErrorAs(err, &serr)
	s.ErrorIs(err, ErrClosed)
	s.Equal(custom{1}, serr.Value)

	// Without the free pass the refusal still says closed.
	_, err = s.tx.Send(custom{2})
	s.ErrorIs(err, ErrClosed)

	_, _, err = s.rx.Recv(s.ctx)
	s.ErrorIs(err, ErrClosed)
}

func (s *ChannelTestSuite) TestReadyWaitsForDemand() {
	done := make(chan error, 1)
	go func() { done <- s.tx.Ready(s.ctx) }()

	select {
	case <-done:
		s.Fail("ready before receiver asked")
	case <-time.After(10 * time.Millisecond):
	}

	_, _, ok := s.rx.Poll()
	s.Require().False(ok)
	s.NoError(<-done)
}

func (s *ChannelTestSuite) TestRecvWakesOnSend() {
	got := make(chan custom, 1)
	go func() {
		req, cb, err := s.rx.Recv(s.ctx)
		if err == nil {
			cb.Send("done", nil)
			got <- req
		}
		close(got)
	}()

	s.Require().NoError(s.tx.Ready(s.ctx))
	promise, err := s.tx.Send(custom{7})
	s.Require().NoError(err)

	res, err := promise.Wait(s.ctx)
	s.NoError(err)
	s.Equal("done", res)
	s.Equal(custom{7}, <-got)
}

func (s *ChannelTestSuite) TestRecvContext() {
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()

	_, _, err := s.rx.Recv(ctx)
	s.ErrorIs(err, context.Canceled)
}

func (s *ChannelTestSuite) TestPromiseWaitContext() {
	promise, err := s.tx.Send(custom{1})
	s.Require().NoError(err)

	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Millisecond)
	defer cancel()

	_, err = promise.Wait(ctx)
	s.ErrorIs(err, context.DeadlineExceeded)

	// Still answerable afterwards.
	_, cb, ok := s.rx.Poll()
	s.Require().True(ok)
	cb.Send("late", nil)

	res, err := promise.Wait(s.ctx)
	s.NoError(err)
	s.Equal("late", res)
}

func (s *ChannelTestSuite) TestMultiplexTwicePanics() {
	s.tx.Multiplex()
	s.Panics(func() { s.tx.Multiplex() })
}

func TestMultiplexedSenderDoesntBoundOnWant(t *testing.T) {
	tx, rx := Channel[custom, string]()
	mux := tx.Multiplex()
	clone := mux.Clone()

	for i := 0; i < 3; i++ {
		_, err := mux.TrySend(custom{i})
		require.NoError(t, err)
	}
	_, err := clone.Send(custom{3})
	require.NoError(t, err)
	assert.True(t, clone.IsReady())
	assert.NoError(t, clone.Ready(context.Background()))

	rx.Close()

	assert.True(t, mux.IsClosed())
	assert.False(t, clone.IsReady())
	assert.ErrorIs(t, mux.Ready(context.Background()), ErrClosed)

	_, err = mux.TrySend(custom{4})
	var serr *SendError[custom]
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, custom{4}, serr.Value)

	_, err = clone.Send(custom{5})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestExactlyOnceUnderConcurrency(t *testing.T) {
	const (
		workers = 16
		total   = 10000
	)

	tx, rx := Channel[int, int]()
	ctx, cancel := context.WithCancel(context.Background())

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for {
			n, cb, err := rx.Recv(ctx)
			if err != nil {
				return
			}
			cb.Send(n*2, nil)
		}
	}()

	promises := make([]*Promise[int], total)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := w; i < total; i += workers {
				for {
					p, err := tx.Send(i)
					if err == nil {
						promises[i] = p
						break
					}
					if !assert.ErrorIs(t, err, ErrNotReady) {
						return
					}
					if !assert.NoError(t, tx.Ready(ctx)) {
						return
					}
				}
			}
		}()
	}
	wg.Wait()

	var resolved atomic.Int64
	for i, p := range promises {
		require.NotNil(t, p, "request %d never admitted", i)
		v, err := p.Wait(ctx)
		require.NoError(t, err)
		require.Equal(t, i*2, v)
		resolved.Add(1)
	}
	assert.Equal(t, int64(total), resolved.Load())

	cancel()
	<-drained
	rx.Close()
}

func TestSendErrorUnwraps(t *testing.T) {
	err := error(&SendError[int]{Value: 1, Err: ErrClosed})
	assert.True(t, errors.Is(err, ErrClosed))
	assert.Equal(t, ErrClosed, errors.Cause(err))
}
