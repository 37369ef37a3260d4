package transport

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"
)

// DialFunc opens a channel to addr.
type DialFunc func(ctx context.Context, addr string) (*Channel, error)

// ChannelPool keeps at most one active channel per address. Channels are created
// lazily; concurrent first requests for one address share a single dial, and a channel
// found inactive is discarded and replaced on the next Get.
type ChannelPool struct {
	dial  DialFunc
	dials singleflight.Group

	mu       sync.Mutex
	channels map[string]*Channel
	closed   bool
}

func NewChannelPool(dial DialFunc) *ChannelPool {
	return &ChannelPool{dial: dial, channels: make(map[string]*Channel)}
}

func (p *ChannelPool) lookup(addr string) (*Channel, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, false, ErrClientClosed
	}
	ch, ok := p.channels[addr]
	if !ok {
		return nil, false, nil
	}
	if !ch.Active() {
		delete(p.channels, addr)
		return nil, false, nil
	}
	return ch, true, nil
}

// Get returns the active channel for addr, dialing one if needed.
func (p *ChannelPool) Get(ctx context.Context, addr string) (*Channel, error) {
	if ch, ok, err := p.lookup(addr); ok || err != nil {
		return ch, err
	}
	// the dial outlives a cancelled first caller because later callers share it
	dialCtx := context.WithoutCancel(ctx)
	v, err, _ := p.dials.Do(addr, func() (any, error) {
		if ch, ok, err := p.lookup(addr); ok || err != nil {
			return ch, err
		}
		ch, err := p.dial(dialCtx, addr)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			ch.Close()
			return nil, ErrClientClosed
		}
		p.channels[addr] = ch
		p.mu.Unlock()
		return ch, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Channel), nil
}

// Remove drops ch from the pool if it is still the channel for its address.
func (p *ChannelPool) Remove(ch *Channel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channels[ch.addr] == ch {
		delete(p.channels, ch.addr)
	}
}

// Len returns the number of pooled channels.
func (p *ChannelPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.channels)
}

// Close closes every channel. The pool cannot be used afterwards.
func (p *ChannelPool) Close() error {
	p.mu.Lock()
	p.closed = true
	channels := p.channels
	p.channels = make(map[string]*Channel)
	p.mu.Unlock()

	var errs error
	for _, ch := range channels {
		errs = multierr.Append(errs, ch.Close())
	}
	return errs
}
