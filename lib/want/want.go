// Package want signals demand from one consumer to its producers.
//
// A [Consumer] raises demand when it is idle and waiting for more work.
// A [Provider] consumes that demand before handing work over, so a consumer
// is never asked to buffer more than it asked for.
package want

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

var ErrClosed = errors.New("want: consumer is gone")

const (
	stateIdle int32 = iota
	stateWant
	stateClosed
)

type gate struct {
	state atomic.Int32

	mu     sync.Mutex
	notify chan struct{} // closed on every state change away from idle.
}

// New creates a connected pair of handles.
func New() (*Provider, *Consumer) {
	g := &gate{}
	return &Provider{g: g}, &Consumer{g: g}
}

func (g *gate) waiter() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.notify == nil {
		g.notify = make(chan struct{})
	}
	return g.notify
}

func (g *gate) wake() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.notify != nil {
		close(g.notify)
		g.notify = nil
	}
}

type Consumer struct{ g *gate }

// Want records that the consumer is ready for the next item.
func (c *Consumer) Want() {
	if c.g.state.CompareAndSwap(stateIdle, stateWant) {
		c.g.wake()
	}
}

// Cancel marks the consumer gone. It is never undone.
func (c *Consumer) Cancel() {
	if c.g.state.Swap(stateClosed) != stateClosed {
		c.g.wake()
	}
}

type Provider struct{ g *gate }

// Give consumes pending demand, if there is any.
func (p *Provider) Give() bool {
	return p.g.state.CompareAndSwap(stateWant, stateIdle)
}

// Wait blocks until the consumer wants something or is gone.
// It does not consume the demand.
func (p *Provider) Wait(ctx context.Context) error {
	for {
		switch p.g.state.Load() {
		case stateWant:
			return nil
		case stateClosed:
			return ErrClosed
		}

		notify := p.g.waiter()

		// State may have moved before we registered.
		if p.g.state.Load() != stateIdle {
			continue
		}

		select {
		case <-notify:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Provider) IsWanting() bool  { return p.g.state.Load() == stateWant }
func (p *Provider) IsCanceled() bool { return p.g.state.Load() == stateClosed }

// Shared converts the provider into a view that many goroutines may hold.
// It can only report liveness.
func (p *Provider) Shared() *SharedProvider { return &SharedProvider{g: p.g} }

type SharedProvider struct{ g *gate }

func (p *SharedProvider) IsWanting() bool  { return p.g.state.Load() == stateWant }
func (p *SharedProvider) IsCanceled() bool { return p.g.state.Load() == stateClosed }
