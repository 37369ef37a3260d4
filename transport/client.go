// Package transport turns call descriptors into asynchronous results.
//
// A Client resolves the service address of every call, multiplexes calls over one pooled
// Channel per address, and tracks them in a PendingCalls table until the response
// arrives, the call's deadline passes, or its channel dies.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"spi-rpc/codec"
	"spi-rpc/compress"
	"spi-rpc/message"
	"spi-rpc/metrics"
	"spi-rpc/protocol"
)

var (
	ErrConnect          = errors.New("transport: connect failed")
	ErrConnectionClosed = errors.New("transport: connection closed")
	ErrCallTimeout      = errors.New("transport: call timed out")
	ErrClientClosed     = errors.New("transport: client closed")
	ErrDuplicateRequest = errors.New("transport: duplicate request id")
	ErrUnknownRequest   = errors.New("transport: response for unknown request id")
)

const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultWriterIdle     = 5 * time.Second
	DefaultCallTimeout    = 30 * time.Second
)

// Discovery resolves the address serving a call.
type Discovery interface {
	LookupService(ctx context.Context, req *message.Request) (string, error)
}

// Options configures a Client. Codec and Discovery are required.
type Options struct {
	Codec      *protocol.Codec
	Discovery  Discovery
	Serializer codec.CodecType       // defaults to JSON
	Compressor compress.CompressType // defaults to none

	ConnectTimeout time.Duration // bound on one dial
	WriterIdle     time.Duration // heartbeat after this long without writes; negative disables
	CallTimeout    time.Duration // per-call deadline; negative disables

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Client sends call requests and completes their futures.
type Client struct {
	opts    Options
	logger  *zap.Logger
	pending *PendingCalls
	pool    *ChannelPool
}

func NewClient(opts Options) *Client {
	if opts.Serializer == 0 {
		opts.Serializer = codec.CodecTypeJSON
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.WriterIdle == 0 {
		opts.WriterIdle = DefaultWriterIdle
	}
	if opts.CallTimeout == 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	c := &Client{
		opts:    opts,
		logger:  opts.Logger.Named("transport"),
		pending: NewPendingCalls(opts.Metrics),
	}
	c.pool = NewChannelPool(c.dial)
	return c
}

func (c *Client) dial(ctx context.Context, addr string) (*Channel, error) {
	return dialChannel(ctx, addr, c.opts.ConnectTimeout, channelConfig{
		codec: c.opts.Codec,
		heartbeat: &message.Message{
			Type:  message.TypeHeartbeatRequest,
			Codec: byte(c.opts.Serializer),
			Data:  message.Ping,
		},
		writerIdle: c.opts.WriterIdle,
		logger:     c.logger,
		metrics:    c.opts.Metrics,
		onResponse: c.handleResponse,
		onClose:    c.handleClose,
	})
}

func (c *Client) handleResponse(ch *Channel, resp *message.Response) {
	if err := c.pending.Complete(resp); err != nil {
		// late responses to expired calls land here too; the channel stays usable
		c.logger.Error("complete call failed", zap.String("remote", ch.Addr()), zap.Error(err))
	}
}

func (c *Client) handleClose(ch *Channel, cause error) {
	c.pool.Remove(ch)
	if n := c.pending.FailChannel(ch, cause); n > 0 {
		c.logger.Warn("channel closed with calls in flight",
			zap.String("remote", ch.Addr()), zap.Int("calls", n), zap.Error(cause))
	}
}

// SendRequest sends req and returns its future without waiting for the response.
// Lookup, connect and write failures complete the future with an error. The call
// fails with ErrCallTimeout when the call timeout elapses or ctx is done first.
func (c *Client) SendRequest(ctx context.Context, req *message.Request) *Future {
	f := newFuture(req.RequestID)
	logger := c.logger.With(zap.String("request_id", req.RequestID), zap.String("service", req.ServiceKey()))

	addr, err := c.opts.Discovery.LookupService(ctx, req)
	if err != nil {
		c.failEarly(f, fmt.Errorf("transport: lookup %s: %w", req.ServiceKey(), err))
		return f
	}
	ch, err := c.pool.Get(ctx, addr)
	if err != nil {
		logger.Warn("get channel failed", zap.String("addr", addr), zap.Error(err))
		c.failEarly(f, err)
		return f
	}
	if err := c.pending.Put(f, ch); err != nil {
		c.failEarly(f, err)
		return f
	}
	c.arm(ctx, f)

	msg := &message.Message{
		Type:     message.TypeRequest,
		Codec:    byte(c.opts.Serializer),
		Compress: byte(c.opts.Compressor),
		Data:     req,
	}
	if err := ch.Write(msg); err != nil {
		logger.Error("send request failed", zap.String("addr", addr), zap.Error(err))
		c.pending.Fail(req.RequestID, err)
		return f
	}
	logger.Debug("request sent", zap.String("addr", addr), zap.String("method", req.MethodName))
	return f
}

// arm fails the call when its deadline passes or ctx is done.
func (c *Client) arm(ctx context.Context, f *Future) {
	id := f.requestID
	var stops []func() bool
	if c.opts.CallTimeout > 0 {
		timer := time.AfterFunc(c.opts.CallTimeout, func() {
			c.pending.Fail(id, fmt.Errorf("%w after %s", ErrCallTimeout, c.opts.CallTimeout))
		})
		stops = append(stops, timer.Stop)
	}
	stops = append(stops, context.AfterFunc(ctx, func() {
		c.pending.Fail(id, fmt.Errorf("%w: %w", ErrCallTimeout, context.Cause(ctx)))
	}))
	f.onComplete(func() {
		for _, stop := range stops {
			stop()
		}
	})
}

func (c *Client) failEarly(f *Future, err error) {
	f.complete(nil, err)
	c.opts.Metrics.CallCompleted(metrics.OutcomeTransport)
}

// Pending exposes the pending-call table.
func (c *Client) Pending() *PendingCalls { return c.pending }

// Channels returns the number of pooled channels.
func (c *Client) Channels() int { return c.pool.Len() }

// Close fails every pending call with ErrClientClosed and closes all channels.
func (c *Client) Close() error {
	n := c.pending.FailAll(ErrClientClosed)
	err := c.pool.Close()
	c.logger.Info("transport closed", zap.Int("failed_calls", n))
	return err
}
