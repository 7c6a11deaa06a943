package client

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"httpwire/application/http/actor/client/dispatch"
	iolib "httpwire/lib/io"
	"httpwire/transport"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

type (
	responsePromise = dispatch.Promise[*http.Response]
	retryPromise    = dispatch.RetryPromise[*http.Request, *http.Response]
	callback        = dispatch.Callback[*http.Request, *http.Response]
	receiver        = dispatch.Receiver[*http.Request, *http.Response]
)

// requestSender is implemented by both the bounded and the multiplexed
// dispatch senders.
type requestSender interface {
	Send(req *http.Request) (*responsePromise, error)
	TrySend(req *http.Request) (*retryPromise, error)
	Ready(ctx context.Context) error
	IsReady() bool
	IsClosed() bool
}

var (
	_ requestSender = (*dispatch.Sender[*http.Request, *http.Response])(nil)
	_ requestSender = (*dispatch.MultiplexedSender[*http.Request, *http.Response])(nil)
)

// driver owns the receiving end and the transport of one conn.
type driver interface {
	serve()
	close(err error)
}

// conn is the pool's handle on a connection.
type conn struct {
	addr transport.Addr
	tx   requestSender
	drv  driver

	clock clock.Clock

	idleAt time.Time
	mu     sync.Mutex // guards idleAt
}

func (c *conn) markIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idleAt = c.clock.Now()
}

// markBusy clears the idle mark and returns the previous one for unmarkBusy.
func (c *conn) markBusy() (prev time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, c.idleAt = c.idleAt, time.Time{}
	return prev
}

// unmarkBusy undoes markBusy unless the conn was marked idle since.
func (c *conn) unmarkBusy(prev time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idleAt.IsZero() {
		c.idleAt = prev
	}
}

func (c *conn) isIdle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.idleAt.IsZero()
}

func (c *conn) idleTimeoutExceeded(timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if timeout == 0 || c.idleAt.IsZero() {
		return false
	}

	return c.clock.Since(c.idleAt) >= timeout
}

// http1Driver serves one request at a time: the next one is only taken
// after the previous response body was consumed.
type http1Driver struct {
	nc net.Conn
	br *bufio.Reader
	rx *receiver

	logger *slog.Logger
	onIdle func()

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func newHTTP1Driver(nc net.Conn, rx *receiver, logger *slog.Logger, onIdle func()) *http1Driver {
	ctx, cancel := context.WithCancel(context.Background())
	return &http1Driver{
		nc:     nc,
		br:     bufio.NewReader(nc),
		rx:     rx,
		logger: logger,
		onIdle: onIdle,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (d *http1Driver) serve() {
	var err error
	defer func() { d.close(err) }()
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("driver panicked: %v", r)
		}
	}()

	for {
		req, cb, recvErr := d.rx.Recv(d.ctx)
		if recvErr != nil {
			return
		}

		if err = d.roundtrip(req, cb); err != nil {
			return
		}
	}
}

// roundtrip answers cb. A non-nil error means the conn can't be reused.
func (d *http1Driver) roundtrip(req *http.Request, cb *callback) error {
	defer cb.Release()

	if cb.IsCanceled() {
		d.logger.Debug("skipping request, caller is gone", slog.String("url", req.URL.String()))
		d.onIdle()
		return nil
	}

	if err := req.Write(d.nc); err != nil {
		err = errors.Wrap(err, "writing request")
		if replayable(req) {
			cb.Send(nil, dispatch.Retry(err, req))
		} else {
			cb.Send(nil, err)
		}
		return err
	}

	res, err := http.ReadResponse(d.br, req)
	if err != nil {
		err = errors.Wrap(err, "reading response")
		cb.Send(nil, err)
		return err
	}

	finished := make(chan error, 1)
	res.Body = iolib.NewFinishReader(res.Body, func(err error) { finished <- err })
	cb.Send(res, nil)
	if cb.IsCanceled() {
		// The caller may have left before seeing it.
		_ = res.Body.Close()
	}

	select {
	case err := <-finished:
		if err != nil {
			return errors.Wrap(err, "reading response body")
		}
	case <-d.ctx.Done():
		return d.ctx.Err()
	}

	if res.Close || req.Close {
		return errors.New("peer asked to close the connection")
	}

	d.onIdle()
	return nil
}

func (d *http1Driver) close(err error) {
	d.once.Do(func() {
		if err != nil {
			d.logger.Error("closing connection", slog.Any("error", err))
		}

		d.cancel()
		// Queued requests are handed back before the socket goes.
		d.rx.Close()
		_ = d.nc.Close()
	})
}

// replayable reports whether req can be written again after a failed write.
func replayable(req *http.Request) bool {
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}
