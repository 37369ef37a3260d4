package transport

import (
	"context"
	"sync"

	"spi-rpc/message"
)

// Future is the completion handle of one call. It is completed exactly once, either
// with the response or with an error.
type Future struct {
	requestID string
	done      chan struct{}

	mu    sync.Mutex
	resp  *message.Response
	err   error
	hooks []func()
}

func newFuture(requestID string) *Future {
	return &Future{requestID: requestID, done: make(chan struct{})}
}

// RequestID is the correlation id of the call.
func (f *Future) RequestID() string { return f.requestID }

// Done is closed once the future is completed.
func (f *Future) Done() <-chan struct{} { return f.done }

// Get blocks until the future is completed or ctx is done. A done ctx does not complete
// the future; the call keeps its own deadline.
func (f *Future) Get(ctx context.Context) (*message.Response, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome of a completed future; before completion both are nil.
func (f *Future) Result() (*message.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resp, f.err
}

// complete reports whether this call completed the future.
func (f *Future) complete(resp *message.Response, err error) bool {
	f.mu.Lock()
	select {
	case <-f.done:
		f.mu.Unlock()
		return false
	default:
	}
	f.resp, f.err = resp, err
	close(f.done)
	hooks := f.hooks
	f.hooks = nil
	f.mu.Unlock()

	for _, h := range hooks {
		h()
	}
	return true
}

// onComplete runs h after completion, immediately if already completed.
func (f *Future) onComplete(h func()) {
	f.mu.Lock()
	select {
	case <-f.done:
		f.mu.Unlock()
		h()
		return
	default:
	}
	f.hooks = append(f.hooks, h)
	f.mu.Unlock()
}
