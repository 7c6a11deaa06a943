package client

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"httpwire/application/http/actor/client/dispatch"
	iolib "httpwire/lib/io"

	"github.com/pkg/errors"
	"golang.org/x/net/http2"
	"golang.org/x/sync/errgroup"
)

// roundTripper is the part of [http2.ClientConn] the driver needs.
type roundTripper interface {
	RoundTrip(req *http.Request) (*http.Response, error)
	CanTakeNewRequest() bool
	Close() error
}

var _ roundTripper = (*http2.ClientConn)(nil)

// muxDriver runs every received request concurrently on one multiplexed
// conn, bridging each completion to its caller.
type muxDriver struct {
	cc roundTripper
	rx *receiver

	logger *slog.Logger
	onIdle func()

	inflight atomic.Int64
	bridges  errgroup.Group

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func newMuxDriver(cc roundTripper, rx *receiver, logger *slog.Logger, onIdle func()) *muxDriver {
	ctx, cancel := context.WithCancel(context.Background())
	return &muxDriver{
		cc:     cc,
		rx:     rx,
		logger: logger,
		onIdle: onIdle,
		ctx:    ctx,
		cancel: cancel,
	}
}

// sender counts every request the pool hands to tx as in flight, so the
// conn isn't reported idle while one still waits in the channel.
func (d *muxDriver) sender(tx *dispatch.MultiplexedSender[*http.Request, *http.Response]) requestSender {
	return &countingSender{MultiplexedSender: tx, inflight: &d.inflight}
}

type countingSender struct {
	*dispatch.MultiplexedSender[*http.Request, *http.Response]
	inflight *atomic.Int64
}

func (s *countingSender) Send(req *http.Request) (*responsePromise, error) {
	s.inflight.Add(1)
	p, err := s.MultiplexedSender.Send(req)
	if err != nil {
		s.inflight.Add(-1)
	}
	return p, err
}

func (s *countingSender) TrySend(req *http.Request) (*retryPromise, error) {
	s.inflight.Add(1)
	p, err := s.MultiplexedSender.TrySend(req)
	if err != nil {
		s.inflight.Add(-1)
	}
	return p, err
}

func (d *muxDriver) serve() {
	var err error
	defer func() {
		d.close(err)
		if err := d.bridges.Wait(); err != nil {
			d.logger.Debug("bridge finished with error", slog.Any("error", err))
		}
	}()
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

		if !d.cc.CanTakeNewRequest() {
			err = errors.New("connection can't take new requests")
			cb.Send(nil, dispatch.Retry(err, req))
			return
		}

		d.start(req, cb)
	}
}

func (d *muxDriver) start(req *http.Request, cb *callback) {
	if cb.IsCanceled() {
		d.logger.Debug("skipping request, caller is gone", slog.String("url", req.URL.String()))
		cb.Release()
		d.finished()
		return
	}

	ctx, cancel := context.WithCancel(d.ctx)
	when := make(chan dispatch.Outcome[*http.Response], 1)

	go func() {
		res, err := d.cc.RoundTrip(req.WithContext(ctx))
		if err != nil {
			cancel()
			when <- dispatch.Outcome[*http.Response]{Err: errors.Wrap(err, "roundtrip")}
			return
		}

		// The stream lives as long as its body.
		res.Body = iolib.NewOnCloseReader(res.Body, cancel)
		when <- dispatch.Outcome[*http.Response]{Value: res}
	}()

	d.bridges.Go(func() error {
		defer d.finished()

		if dispatch.NewBridge(when, cb).Run(d.ctx) {
			if cb.IsCanceled() {
				// The caller may have left before seeing it.
				cancel()
			}
			return nil
		}

		// Nobody will read this one.
		cancel()
		if o := <-when; o.Value != nil {
			return o.Value.Body.Close()
		}
		return nil
	})
}

func (d *muxDriver) finished() {
	if d.inflight.Add(-1) == 0 {
		d.onIdle()
	}
}

func (d *muxDriver) close(err error) {
	d.once.Do(func() {
		if err != nil {
			d.logger.Error("closing multiplexed connection", slog.Any("error", err))
		}

		d.cancel()
		d.rx.Close()
		_ = d.cc.Close()
	})
}
