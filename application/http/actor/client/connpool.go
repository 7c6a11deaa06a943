package client

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"httpwire/application/http/actor/client/dispatch"
	"httpwire/lib/ds/queue"
	"httpwire/transport"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

var ErrPoolClosed = errors.New("connection pool is closed")

// pending is the caller's view of a dispatched request.
type pending interface {
	Wait(ctx context.Context) (*http.Response, error)
	Done() <-chan struct{}
	Close()
}

type submitFunc func(tx requestSender, req *http.Request) (pending, error)

type connPool struct {
	connsPerAddr map[transport.Addr]*connBlock
	waiters      map[transport.Addr]queue.Queue[*connRequest]
	closed       bool
	mu           sync.Mutex // guards the fields above

	dialFunc func(ctx context.Context, addr transport.Addr) (*conn, error)

	maxConnsPerHost uint
	idleTimeout     time.Duration
	clock           clock.Clock
	logger          *slog.Logger
}

type connBlock struct {
	conns   []*conn
	dialing uint
}

func (block *connBlock) len() uint { return uint(len(block.conns)) + block.dialing }

// connRequest parks a caller until a conn of its address frees up.
type connRequest struct {
	ctx context.Context

	mu        sync.Mutex
	satisfied bool
	ready     chan struct{}
}

func newConnRequest(ctx context.Context) *connRequest {
	return &connRequest{ctx: ctx, ready: make(chan struct{}, 1)}
}

func (r *connRequest) provide() (success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.satisfied {
		return false
	}

	r.ready <- struct{}{}
	r.satisfied = true

	return true
}

func (r *connRequest) shouldSkip() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	select {
	case <-r.ctx.Done():
		return true
	default:
	}

	return r.satisfied
}

func (pool *connPool) getBlockLocked(addr transport.Addr) *connBlock {
	block, ok := pool.connsPerAddr[addr]
	if !ok {
		block = &connBlock{conns: make([]*conn, 0)}
		pool.connsPerAddr[addr] = block
	}
	return block
}

// pruneLocked drops closed conns and closes the ones idle for too long.
func (pool *connPool) pruneLocked(block *connBlock) {
	for idx := len(block.conns) - 1; idx >= 0; idx-- {
		conn := block.conns[idx]

		if conn.idleTimeoutExceeded(pool.idleTimeout) {
			conn.drv.close(nil)
		}

		if conn.tx.IsClosed() {
			block.conns = append(block.conns[:idx], block.conns[idx+1:]...)
		}
	}
}

// send hands req to a conn of addr, dialing or waiting as needed.
// A conn refusing the request only means it is busy; the next one is tried.
func (pool *connPool) send(ctx context.Context, addr transport.Addr, req *http.Request, submit submitFunc) (pending, error) {
	for {
		pool.mu.Lock()
		if pool.closed {
			pool.mu.Unlock()
			return nil, ErrPoolClosed
		}

		block := pool.getBlockLocked(addr)
		pool.pruneLocked(block)

		var idle *conn
		for idx := len(block.conns) - 1; idx >= 0; idx-- {
			conn := block.conns[idx]

			// Marked before submitting, the driver may finish it right away.
			prev := conn.markBusy()
			p, err := submit(conn.tx, req)
			if err == nil {
				pool.mu.Unlock()
				return p, nil
			}
			conn.unmarkBusy(prev)

			if idle == nil && conn.isIdle() && errors.Is(err, dispatch.ErrNotReady) {
				// Done with its last request, about to ask for the next.
				idle = conn
			}
		}

		if idle != nil {
			pool.mu.Unlock()
			if err := idle.tx.Ready(ctx); err != nil && !errors.Is(err, dispatch.ErrClosed) {
				return nil, err
			}
			continue
		}

		if pool.maxConnsPerHost == 0 || block.len() < pool.maxConnsPerHost {
			block.dialing++
			pool.mu.Unlock()

			conn, err := pool.dialFunc(ctx, addr)

			pool.mu.Lock()
			block.dialing--
			if err != nil {
				pool.wakeLocked(addr)
				pool.mu.Unlock()
				return nil, errors.Wrapf(err, "dialing %s", addr)
			}
			if pool.closed {
				pool.mu.Unlock()
				conn.drv.close(nil)
				return nil, ErrPoolClosed
			}
			block.conns = append(block.conns, conn)
			// A multiplexed conn can serve every waiter at once.
			pool.wakeAllLocked(addr)
			pool.mu.Unlock()
			continue
		}

		r := newConnRequest(ctx)
		pool.enqueueLocked(addr, r)
		pool.mu.Unlock()

		select {
		case <-r.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (pool *connPool) enqueueLocked(addr transport.Addr, r *connRequest) {
	waiters, ok := pool.waiters[addr]
	if !ok {
		waiters = queue.NewNaive[*connRequest](0)
		pool.waiters[addr] = waiters
	}

	waiters.Enqueue(r)
}

// wakeLocked lets one waiter of addr look again.
func (pool *connPool) wakeLocked(addr transport.Addr) {
	waiters, ok := pool.waiters[addr]
	if !ok {
		return
	}

	for waiters.Len() > 0 {
		r, _ := waiters.Dequeue()
		if r.shouldSkip() {
			continue
		}
		if r.provide() {
			break
		}
	}

	if waiters.Len() == 0 {
		delete(pool.waiters, addr)
	}
}

// put is called by a conn that finished its outstanding work.
func (pool *connPool) put(conn *conn) {
	conn.markIdle()

	pool.mu.Lock()
	defer pool.mu.Unlock()
	pool.wakeLocked(conn.addr)
}

// remove is called once a conn's driver returned.
func (pool *connPool) remove(conn *conn) {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	if block, ok := pool.connsPerAddr[conn.addr]; ok {
		for idx, c := range block.conns {
			if c == conn {
				block.conns = append(block.conns[:idx], block.conns[idx+1:]...)
				break
			}
		}
		if block.len() == 0 {
			delete(pool.connsPerAddr, conn.addr)
		}
	}

	pool.logger.Debug("connection removed", slog.String("addr", conn.addr.String()))
	pool.wakeLocked(conn.addr)
}

func (pool *connPool) close() {
	pool.mu.Lock()
	pool.closed = true

	var conns []*conn
	for _, block := range pool.connsPerAddr {
		conns = append(conns, block.conns...)
	}
	for addr := range pool.waiters {
		pool.wakeAllLocked(addr)
	}
	pool.mu.Unlock()

	for _, conn := range conns {
		conn.drv.close(nil)
	}
}

func (pool *connPool) wakeAllLocked(addr transport.Addr) {
	for pool.waiters[addr] != nil {
		pool.wakeLocked(addr)
	}
}
