package transport

import (
	"errors"
	"fmt"
	"sync"

	"spi-rpc/message"
	"spi-rpc/metrics"
)

type pendingCall struct {
	future  *Future
	channel *Channel
}

// PendingCalls maps correlation ids to the futures of in-flight calls. It is the only
// state shared between callers and connection read loops; an entry is removed exactly
// once, by whichever of response, failure or expiry gets there first.
type PendingCalls struct {
	mu      sync.Mutex
	calls   map[string]*pendingCall
	metrics *metrics.Metrics
}

func NewPendingCalls(m *metrics.Metrics) *PendingCalls {
	return &PendingCalls{calls: make(map[string]*pendingCall), metrics: m}
}

// Put registers f as in flight on ch.
func (p *PendingCalls) Put(f *Future, ch *Channel) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.calls[f.requestID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRequest, f.requestID)
	}
	p.calls[f.requestID] = &pendingCall{future: f, channel: ch}
	p.metrics.SetPending(len(p.calls))
	return nil
}

func (p *PendingCalls) remove(id string) *pendingCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	call, ok := p.calls[id]
	if !ok {
		return nil
	}
	delete(p.calls, id)
	p.metrics.SetPending(len(p.calls))
	return call
}

// Complete completes the future waiting for resp. A response whose id is not pending
// yields ErrUnknownRequest.
func (p *PendingCalls) Complete(resp *message.Response) error {
	call := p.remove(resp.RequestID)
	if call == nil {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, resp.RequestID)
	}
	call.future.complete(resp, nil)
	if resp.OK() {
		p.metrics.CallCompleted(metrics.OutcomeSuccess)
	} else {
		p.metrics.CallCompleted(metrics.OutcomeFailure)
	}
	return nil
}

// Fail completes the call id with err. It reports whether the call was still pending.
func (p *PendingCalls) Fail(id string, err error) bool {
	call := p.remove(id)
	if call == nil {
		return false
	}
	p.fail(call, err)
	return true
}

// FailChannel fails every call in flight on ch and returns how many there were.
func (p *PendingCalls) FailChannel(ch *Channel, err error) int {
	return p.failWhere(func(c *pendingCall) bool { return c.channel == ch }, err)
}

// FailAll fails every pending call.
func (p *PendingCalls) FailAll(err error) int {
	return p.failWhere(func(*pendingCall) bool { return true }, err)
}

func (p *PendingCalls) failWhere(match func(*pendingCall) bool, err error) int {
	p.mu.Lock()
	var failed []*pendingCall
	for id, call := range p.calls {
		if match(call) {
			delete(p.calls, id)
			failed = append(failed, call)
		}
	}
	p.metrics.SetPending(len(p.calls))
	p.mu.Unlock()

	for _, call := range failed {
		p.fail(call, err)
	}
	return len(failed)
}

func (p *PendingCalls) fail(call *pendingCall, err error) {
	call.future.complete(nil, err)
	if errors.Is(err, ErrCallTimeout) {
		p.metrics.CallCompleted(metrics.OutcomeTimeout)
	} else {
		p.metrics.CallCompleted(metrics.OutcomeTransport)
	}
}

// Len returns the number of calls in flight.
func (p *PendingCalls) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}
