package client

import (
	"context"
	"log/slog"
	"net/http"
	"net/netip"
	"strconv"

	"httpwire/application/http/actor/client/dispatch"
	"httpwire/application/util/domain"
	"httpwire/lib/ds/queue"
	"httpwire/transport"
	"httpwire/transport/tcp"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"golang.org/x/net/http2"
)

var (
	ErrUnsupportedScheme = errors.New("unsupported scheme")
	ErrNoHost            = errors.New("request has no host")
)

type Client struct {
	connPool *connPool

	opts Options

	logger *slog.Logger
	clock  clock.Clock

	lookuper   domain.Lookuper
	connDialer transport.ConnDialer

	combineAddr CombineAddrFunc
}

type CombineAddrFunc func(ip netip.Addr, port uint16) transport.Addr

// New creates a client dialing through d. A nil lookuper resolves names
// with the system resolver.
func New(
	d transport.ConnDialer,
	lookuper domain.Lookuper,
	logger *slog.Logger,
	clock clock.Clock,
	opts Options,
) *Client {
	if lookuper == nil {
		lookuper = domain.SystemLookuper{}
	}

	client := &Client{
		connDialer: d,
		lookuper:   lookuper,
		logger:     logger,
		opts:       opts,
		clock:      clock,
	}

	client.connPool = &connPool{
		connsPerAddr:    make(map[transport.Addr]*connBlock),
		waiters:         make(map[transport.Addr]queue.Queue[*connRequest]),
		dialFunc:        client.dial,
		maxConnsPerHost: opts.Conn.MaxOpenConnsPerHost,
		idleTimeout:     opts.Timeout.IdleTimeout,
		clock:           clock,
		logger:          logger,
	}

	client.combineAddr = func(ip netip.Addr, port uint16) transport.Addr {
		return tcp.NewAddr(ip, port)
	}

	return client
}

// Send hands req to a pooled connection and waits for the response head.
// The response body must be closed for the connection to take its next
// request.
//
// A request the connection gave back without processing it is rescheduled
// up to Retry.MaxAttempts times.
func (c *Client) Send(ctx context.Context, req *http.Request) (*http.Response, error) {
	addr, err := c.convertToAddr(ctx, req)
	if err != nil {
		return nil, errors.Wrap(err, "converting host to addr")
	}

	if d := c.opts.Timeout.Response; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = c.clock.WithTimeout(ctx, d)
		defer cancel()
	}

	for attempt := uint(0); ; attempt++ {
		p, err := c.connPool.send(ctx, addr, req, c.submit)
		if err != nil {
			return nil, errors.Wrap(err, "getting connection")
		}

		res, err := p.Wait(ctx)
		if err == nil {
			return res, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			c.abandon(p)
			return nil, errors.Wrap(err, "waiting for response")
		}

		unsent, ok := dispatch.Unsent[*http.Request](err)
		if !ok || attempt >= c.opts.Retry.MaxAttempts {
			return nil, errors.Wrap(err, "error while request-response roundtrip")
		}

		if req, err = rewind(unsent); err != nil {
			return nil, errors.Wrap(err, "rewinding request for retry")
		}

		c.logger.Debug("retrying unsent request",
			slog.String("addr", addr.String()),
			slog.Uint64("attempt", uint64(attempt+1)),
		)
	}
}

// abandon gives up on p. A response that raced in is closed so its
// connection can move on.
func (c *Client) abandon(p pending) {
	p.Close()

	select {
	case <-p.Done():
		if res, err := p.Wait(context.Background()); err == nil && res != nil {
			_ = res.Body.Close()
		}
	default:
	}
}

func (c *Client) Close() {
	c.connPool.close()
}

func (c *Client) submit(tx requestSender, req *http.Request) (pending, error) {
	if c.opts.Retry.MaxAttempts > 0 {
		p, err := tx.TrySend(req)
		if err != nil {
			return nil, err
		}
		return p, nil
	}

	p, err := tx.Send(req)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (c *Client) dial(ctx context.Context, addr transport.Addr) (*conn, error) {
	tConn, err := c.connDialer.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	nc := transport.NetConn(tConn)

	cn := &conn{addr: addr, clock: c.clock}
	onIdle := func() { c.connPool.put(cn) }
	logger := c.logger.With(slog.String("addr", addr.String()))

	switch c.opts.Protocol {
	case HTTP1:
		tx, rx := dispatch.Channel[*http.Request, *http.Response]()
		cn.tx = tx
		cn.drv = newHTTP1Driver(nc, rx, logger, onIdle)
	case H2C:
		cc, err := (&http2.Transport{AllowHTTP: true}).NewClientConn(nc)
		if err != nil {
			_ = nc.Close()
			return nil, errors.Wrap(err, "starting http2 connection")
		}

		tx, rx := dispatch.Channel[*http.Request, *http.Response]()
		drv := newMuxDriver(cc, rx, logger, onIdle)
		cn.tx = drv.sender(tx.Multiplex())
		cn.drv = drv
	default:
		_ = nc.Close()
		return nil, errors.Errorf("unknown protocol %d", c.opts.Protocol)
	}

	// Nothing in flight yet.
	cn.markIdle()

	go func() {
		cn.drv.serve()
		c.connPool.remove(cn)
	}()

	logger.Debug("connection established")
	return cn, nil
}

func (c *Client) convertToAddr(ctx context.Context, req *http.Request) (transport.Addr, error) {
	if req.URL == nil || req.URL.Host == "" {
		return nil, ErrNoHost
	}
	if req.URL.Scheme != "http" {
		return nil, errors.Wrap(ErrUnsupportedScheme, req.URL.Scheme)
	}

	port := uint16(80)
	if p := req.URL.Port(); p != "" {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing port %q", p)
		}
		port = uint16(n)
	}

	host := req.URL.Hostname()

	var ipAddrs []netip.Addr
	if addr, err := netip.ParseAddr(host); err == nil {
		ipAddrs = []netip.Addr{addr}
	} else {
		// Host is a domain name. Resolve it to the ip address.
		result, err := c.lookuper.LookupIP(ctx, host)
		if err != nil {
			return nil, errors.Wrapf(err, "lookup for host(%s) failed", host)
		}

		ipAddrs = result
	}
	if len(ipAddrs) == 0 {
		return nil, errors.Wrap(domain.ErrDomainNotFound, host)
	}

	// Lets simply use the first address.
	return c.combineAddr(ipAddrs[0], port), nil
}

// rewind prepares a request that was handed back for another attempt.
func rewind(req *http.Request) (*http.Request, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return req, nil
	}
	if req.GetBody == nil {
		return nil, errors.New("request body can't be replayed")
	}

	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}

	clone := req.Clone(req.Context())
	clone.Body = body
	return clone, nil
}
