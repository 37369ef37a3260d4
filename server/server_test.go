package server

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"spi-rpc/message"
	"spi-rpc/middleware"
	"spi-rpc/plugins"
	"spi-rpc/protocol"
	"spi-rpc/provider"
	"spi-rpc/registry"
	"spi-rpc/transport"
)

type HelloService struct {
	slow     time.Duration
	finished atomic.Bool
}

func (h *HelloService) Hello(ctx context.Context, name string) (string, error) {
	if h.slow > 0 {
		time.Sleep(h.slow)
		h.finished.Store(true)
	}
	if name == "" {
		return "", errors.New("empty name")
	}
	return "hello " + name, nil
}

var helloConfig = provider.ServiceConfig{Group: "g", Version: "v1", Interface: "com.x.Hello"}

func newTestCodec(t *testing.T) *protocol.Codec {
	t.Helper()
	catalog, err := plugins.NewCatalog(plugins.Options{})
	require.NoError(t, err)
	return protocol.NewCodec(catalog, nil)
}

func newTestRegistry(t *testing.T) (*registry.Registry, *registry.MemoryStore) {
	t.Helper()
	store := registry.NewMemoryStore()
	reg := registry.New(func() (registry.Store, error) { return store, nil }, registry.Options{Logger: zaptest.NewLogger(t)})
	t.Cleanup(func() { reg.Close() })
	return reg, store
}

// startServer serves on a loopback listener and shuts down at test end.
func startServer(t *testing.T, s *Server) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- s.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(ctx)
		assert.NoError(t, <-served)
	})
	require.Eventually(t, func() bool { return s.Addr() != nil }, 2*time.Second, 10*time.Millisecond)
	return ln.Addr().String()
}

func newTestServer(t *testing.T, reg Registry, mutate ...func(*Options)) *Server {
	t.Helper()
	opts := Options{Codec: newTestCodec(t), Logger: zaptest.NewLogger(t)}
	if reg != nil {
		opts.Registry = reg
	}
	for _, m := range mutate {
		m(&opts)
	}
	return New(opts)
}

func newTestClient(t *testing.T, d transport.Discovery) *transport.Client {
	t.Helper()
	c := transport.NewClient(transport.Options{Codec: newTestCodec(t), Discovery: d, Logger: zaptest.NewLogger(t)})
	t.Cleanup(func() { c.Close() })
	return c
}

func helloRequest(id, name string) *message.Request {
	return &message.Request{
		RequestID:     id,
		InterfaceName: "com.x.Hello",
		MethodName:    "hello",
		Parameters:    []any{name},
		ParamTypes:    []string{"string"},
		Group:         "g",
		Version:       "v1",
	}
}

func call(t *testing.T, c *transport.Client, req *message.Request) *message.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := c.SendRequest(ctx, req).Get(ctx)
	require.NoError(t, err)
	return resp
}

func dialRaw(t *testing.T, addr string) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn, bufio.NewReader(conn)
}

func TestCallThroughRegistry(t *testing.T) {
	reg, _ := newTestRegistry(t)
	s := newTestServer(t, reg)
	cfg := helloConfig
	cfg.Service = &HelloService{}
	require.NoError(t, s.Register(cfg))
	addr := startServer(t, s)

	require.Eventually(t, func() bool {
		got, err := reg.Lookup(context.Background(), cfg.ServiceName())
		return err == nil && got == addr
	}, 2*time.Second, 10*time.Millisecond)

	c := newTestClient(t, reg)
	resp := call(t, c, helloRequest("req-1", "a"))
	require.True(t, resp.OK(), resp.Message)
	assert.Equal(t, "req-1", resp.RequestID)
	assert.Equal(t, "hello a", resp.Data)

	resp = call(t, c, helloRequest("req-2", ""))
	assert.Equal(t, message.CodeFail, resp.Code)
	assert.Equal(t, "empty name", resp.Message)

	req := helloRequest("req-3", "a")
	req.Version = "v9"
	resp = call(t, c, req)
	assert.Equal(t, message.CodeNotFound, resp.Code)
}

func TestHeartbeatAnswered(t *testing.T) {
	s := newTestServer(t, nil)
	addr := startServer(t, s)
	conn, r := dialRaw(t, addr)
	codec := newTestCodec(t)

	require.NoError(t, codec.Write(conn, &message.Message{Type: message.TypeHeartbeatRequest, Codec: 1, ID: 7, Data: message.Ping}))
	msg, err := codec.Read(r)
	require.NoError(t, err)
	assert.Equal(t, message.TypeHeartbeatResponse, msg.Type)
	assert.Equal(t, uint32(7), msg.ID)
	assert.Equal(t, message.Pong, msg.Data)
}

func TestReaderIdleClosesConnection(t *testing.T) {
	s := newTestServer(t, nil, func(o *Options) { o.ReaderIdle = 100 * time.Millisecond })
	addr := startServer(t, s)
	_, r := dialRaw(t, addr)

	start := time.Now()
	_, err := r.ReadByte()
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestBadMagicClosesConnection(t *testing.T) {
	s := newTestServer(t, nil)
	addr := startServer(t, s)
	conn, r := dialRaw(t, addr)

	_, err := conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))
	require.NoError(t, err)
	_, err = r.ReadByte()
	var ne net.Error
	require.Error(t, err)
	assert.False(t, errors.As(err, &ne) && ne.Timeout(), "connection left open")
}

func TestPublishOnServeCleanupOnShutdown(t *testing.T) {
	reg, store := newTestRegistry(t)
	s := newTestServer(t, reg, func(o *Options) { o.Advertise = "10.0.0.1:9999" })
	cfg := helloConfig
	cfg.Service = &HelloService{}
	require.NoError(t, s.Register(cfg))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- s.Serve(ln) }()

	path := reg.ServicePath(cfg.ServiceName())
	require.Eventually(t, func() bool {
		children, err := store.Children(context.Background(), path)
		return err == nil && len(children) == 1 && children[0] == "10.0.0.1:9999"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Shutdown(context.Background()))
	require.NoError(t, <-served)

	children, err := store.Children(context.Background(), path)
	require.NoError(t, err)
	assert.Empty(t, children)
	assert.Empty(t, reg.Registered())

	assert.ErrorIs(t, s.Serve(ln), ErrServerClosed)
}

func TestRegisterWhileServingPublishes(t *testing.T) {
	reg, _ := newTestRegistry(t)
	s := newTestServer(t, reg)
	addr := startServer(t, s)

	cfg := helloConfig
	cfg.Group = "late"
	cfg.Service = &HelloService{}
	require.NoError(t, s.Register(cfg))

	got, err := reg.Lookup(context.Background(), cfg.ServiceName())
	require.NoError(t, err)
	assert.Equal(t, addr, got)
}

func TestMiddlewareAndCustomDispatcher(t *testing.T) {
	s := newTestServer(t, nil)
	var seen atomic.Int32
	s.RegisterDispatcher(func(ctx context.Context, req *message.Request) *message.Response {
		return message.Success(req.MethodName+"/"+req.ServiceKey(), "")
	})
	s.Use(func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			seen.Add(1)
			return next(ctx, req)
		}
	})
	addr := startServer(t, s)

	c := newTestClient(t, staticDiscovery(addr))
	resp := call(t, c, helloRequest("req-1", "a"))
	require.True(t, resp.OK())
	// the dispatcher left the id empty; the server fills it in
	assert.Equal(t, "req-1", resp.RequestID)
	assert.Equal(t, "hello/com.x.Hellogv1", resp.Data)
	assert.Equal(t, int32(1), seen.Load())
}

func TestShutdownWaitsForInFlightCalls(t *testing.T) {
	s := newTestServer(t, nil)
	svc := &HelloService{slow: 300 * time.Millisecond}
	cfg := helloConfig
	cfg.Service = svc
	require.NoError(t, s.Register(cfg))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- s.Serve(ln) }()

	conn, r := dialRaw(t, ln.Addr().String())
	codec := newTestCodec(t)
	require.NoError(t, codec.Write(conn, &message.Message{Type: message.TypeRequest, Codec: 1, ID: 1, Data: helloRequest("req-1", "a")}))
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, s.Shutdown(context.Background()))
	assert.True(t, svc.finished.Load())
	require.NoError(t, <-served)

	// the response was written before the connection went away
	msg, err := codec.Read(r)
	require.NoError(t, err)
	assert.Equal(t, message.TypeResponse, msg.Type)
	assert.Equal(t, uint32(1), msg.ID)
	resp := msg.Data.(*message.Response)
	assert.Equal(t, message.CodeSuccess, resp.Code)
	assert.Equal(t, "req-1", resp.RequestID)
	assert.Equal(t, "hello a", resp.Data)

	_, err = r.ReadByte()
	assert.Error(t, err)
}

func TestShutdownRejectsQueuedCalls(t *testing.T) {
	s := newTestServer(t, nil, func(o *Options) { o.Workers = 1 })
	cfg := helloConfig
	cfg.Service = &HelloService{slow: 300 * time.Millisecond}
	require.NoError(t, s.Register(cfg))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- s.Serve(ln) }()

	conn, r := dialRaw(t, ln.Addr().String())
	codec := newTestCodec(t)
	require.NoError(t, codec.Write(conn, &message.Message{Type: message.TypeRequest, Codec: 1, ID: 1, Data: helloRequest("req-1", "a")}))
	require.NoError(t, codec.Write(conn, &message.Message{Type: message.TypeRequest, Codec: 1, ID: 2, Data: helloRequest("req-2", "b")}))
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, s.Shutdown(context.Background()))
	require.NoError(t, <-served)

	codes := map[uint32]int{}
	for i := 0; i < 2; i++ {
		msg, err := codec.Read(r)
		require.NoError(t, err)
		codes[msg.ID] = msg.Data.(*message.Response).Code
	}
	assert.Equal(t, map[uint32]int{1: message.CodeSuccess, 2: message.CodeUnavailable}, codes)
}

func TestHeartbeatWhileWorkersBusy(t *testing.T) {
	s := newTestServer(t, nil, func(o *Options) { o.Workers = 1 })
	cfg := helloConfig
	cfg.Service = &HelloService{slow: 300 * time.Millisecond}
	require.NoError(t, s.Register(cfg))
	addr := startServer(t, s)

	conn, r := dialRaw(t, addr)
	codec := newTestCodec(t)
	start := time.Now()
	require.NoError(t, codec.Write(conn, &message.Message{Type: message.TypeRequest, Codec: 1, ID: 1, Data: helloRequest("req-1", "a")}))
	require.NoError(t, codec.Write(conn, &message.Message{Type: message.TypeRequest, Codec: 1, ID: 2, Data: helloRequest("req-2", "b")}))
	require.NoError(t, codec.Write(conn, &message.Message{Type: message.TypeHeartbeatRequest, Codec: 1, ID: 3, Data: message.Ping}))

	msg, err := codec.Read(r)
	require.NoError(t, err)
	assert.Equal(t, message.TypeHeartbeatResponse, msg.Type)
	assert.Equal(t, uint32(3), msg.ID)
	assert.Less(t, time.Since(start), 200*time.Millisecond)

	for _, id := range []uint32{1, 2} {
		msg, err := codec.Read(r)
		require.NoError(t, err)
		assert.Equal(t, id, msg.ID)
		assert.Equal(t, message.CodeSuccess, msg.Data.(*message.Response).Code)
	}
}

func TestShutdownGivesUpWithContext(t *testing.T) {
	// the abandoned call finishes after the test, so nothing may log to t
	s := newTestServer(t, nil, func(o *Options) { o.Logger = zap.NewNop() })
	cfg := helloConfig
	cfg.Service = &HelloService{slow: time.Second}
	require.NoError(t, s.Register(cfg))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go s.Serve(ln)

	conn, _ := dialRaw(t, ln.Addr().String())
	codec := newTestCodec(t)
	require.NoError(t, codec.Write(conn, &message.Message{Type: message.TypeRequest, Codec: 1, ID: 1, Data: helloRequest("req-1", "a")}))
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Shutdown(ctx), context.DeadlineExceeded)
}

type staticDiscovery string

func (d staticDiscovery) LookupService(context.Context, *message.Request) (string, error) {
	return string(d), nil
}
