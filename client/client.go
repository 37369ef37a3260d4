// Package client invokes remote service methods the way a local call would look: it
// builds the call descriptor, sends it through the transport, waits for the result and
// decodes the reply.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"spi-rpc/codec"
	"spi-rpc/message"
	"spi-rpc/middleware"
	"spi-rpc/transport"
)

var ErrResponseMismatch = errors.New("client: response does not match request")

// ServiceRef names the remote service a call goes to.
type ServiceRef struct {
	Interface string
	Group     string
	Version   string
}

// Key is the service key the registry publishes the service under.
func (r ServiceRef) Key() string {
	return message.ServiceKey(r.Interface, r.Group, r.Version)
}

// RemoteError is a non-success response returned by the service side.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

type Options struct {
	Transport transport.Options
	// Middlewares wrap the send-and-wait step; the first one is the outermost.
	Middlewares []middleware.Middleware
	Logger      *zap.Logger
}

type Client struct {
	transport *transport.Client
	handler   middleware.HandlerFunc
	logger    *zap.Logger
	reply     codec.JSONCodec
}

func New(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Transport.Logger == nil {
		opts.Transport.Logger = opts.Logger
	}
	c := &Client{
		transport: transport.NewClient(opts.Transport),
		logger:    opts.Logger.Named("client"),
	}
	c.handler = middleware.Chain(opts.Middlewares...)(c.send)
	return c
}

// Transport exposes the underlying transport client.
func (c *Client) Transport() *transport.Client { return c.transport }

// attempt remembers the transport error of the latest send so Invoke can return it
// instead of the status response the chain sees. It also counts sends.
type attempt struct {
	mu    sync.Mutex
	err   error
	sends int
}

func (a *attempt) next() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sends++
	return a.sends
}

func (a *attempt) set(err error) {
	a.mu.Lock()
	a.err = err
	a.mu.Unlock()
}

func (a *attempt) get() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

type attemptKey struct{}

// send is the end of the chain. Transport failures become 503/504 responses so that
// middleware.Retry can act on them.
//
// Every send after the first goes out under a fresh request id, so a late response to
// an abandoned attempt finds no pending call. The response is handed back under the
// id of the logical call.
func (c *Client) send(ctx context.Context, req *message.Request) *message.Response {
	id := req.RequestID
	a, tracked := ctx.Value(attemptKey{}).(*attempt)
	if tracked && a.next() > 1 {
		retry := *req
		retry.RequestID = uuid.NewString()
		c.logger.Debug("resending call", zap.String("request_id", id), zap.String("attempt_id", retry.RequestID))
		req = &retry
	}

	f := c.transport.SendRequest(ctx, req)
	<-f.Done()
	resp, err := f.Result()
	if tracked {
		a.set(err)
	}
	switch {
	case err == nil:
		if resp.RequestID == req.RequestID {
			resp.RequestID = id
		}
		return resp
	case errors.Is(err, transport.ErrCallTimeout):
		return message.Fail(id, message.CodeTimeout, err.Error())
	case errors.Is(err, transport.ErrConnect), errors.Is(err, transport.ErrConnectionClosed):
		return message.Fail(id, message.CodeUnavailable, err.Error())
	default:
		return message.Fail(id, message.CodeFail, err.Error())
	}
}

// Invoke calls method on the service ref with args and decodes the result into reply,
// which must be a pointer or nil. Transport failures are returned as they are; failure
// responses come back as *RemoteError.
func (c *Client) Invoke(ctx context.Context, ref ServiceRef, method string, args []any, reply any) error {
	req := &message.Request{
		RequestID:     uuid.NewString(),
		InterfaceName: ref.Interface,
		MethodName:    method,
		Parameters:    args,
		ParamTypes:    paramTypes(args),
		Version:       ref.Version,
		Group:         ref.Group,
	}
	a := &attempt{}
	resp := c.handler(context.WithValue(ctx, attemptKey{}, a), req)
	if !resp.OK() {
		if err := a.get(); err != nil {
			return err
		}
		return &RemoteError{Code: resp.Code, Message: resp.Message}
	}
	if resp.RequestID != req.RequestID {
		c.logger.Error("response id mismatch", zap.String("request_id", req.RequestID), zap.String("response_id", resp.RequestID))
		return fmt.Errorf("%w: sent %s, got %s", ErrResponseMismatch, req.RequestID, resp.RequestID)
	}
	if reply == nil || resp.Data == nil {
		return nil
	}
	data, err := c.reply.Serialize(resp.Data)
	if err != nil {
		return fmt.Errorf("client: decode reply: %w", err)
	}
	if err := c.reply.Deserialize(data, reply); err != nil {
		return fmt.Errorf("client: decode reply: %w", err)
	}
	return nil
}

func paramTypes(args []any) []string {
	types := make([]string, len(args))
	for i, a := range args {
		types[i] = fmt.Sprintf("%T", a)
	}
	return types
}

// Close fails the calls still in flight and closes every connection.
func (c *Client) Close() error {
	return c.transport.Close()
}
