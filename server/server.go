// Package server hosts services over the spi-rpc protocol.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (one goroutine reads frames)
//	  → heartbeat request: answered on the spot
//	  → call request: queued goroutine → worker slot → middleware chain → dispatcher → response frame
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"spi-rpc/handler"
	"spi-rpc/message"
	"spi-rpc/metrics"
	"spi-rpc/middleware"
	"spi-rpc/protocol"
	"spi-rpc/provider"
)

const (
	DefaultPort       = 9999
	DefaultReaderIdle = 30 * time.Second
)

var ErrServerClosed = errors.New("server: closed")

// Registry publishes services and removes them again on shutdown.
type Registry interface {
	provider.Publisher
	Cleanup(ctx context.Context, addr string) error
}

type Options struct {
	Codec      *protocol.Codec
	Registry   Registry      // nil serves without publishing
	Advertise  string        // announced host:port; defaults to the listener address
	Workers    int           // concurrent dispatches; defaults to 2 × CPUs
	ReaderIdle time.Duration // close connections silent for this long; negative disables
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Server accepts connections and dispatches call requests.
type Server struct {
	opts     Options
	logger   *zap.Logger
	provider *provider.Provider
	workers  *semaphore.Weighted

	mu          sync.Mutex
	dispatcher  middleware.HandlerFunc
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // chain around dispatcher, built by Serve
	listener    net.Listener
	conns       map[net.Conn]struct{}
	serving     bool

	ctx      context.Context // handed to dispatches, cancelled once Shutdown returns
	cancel   context.CancelFunc
	stopping context.Context // cancelled when Shutdown starts; ends waits for worker slots
	stop     context.CancelFunc
	inflight sync.WaitGroup
	shutdown atomic.Bool
}

func New(opts Options) *Server {
	if opts.Workers <= 0 {
		opts.Workers = 2 * runtime.NumCPU()
	}
	if opts.ReaderIdle == 0 {
		opts.ReaderIdle = DefaultReaderIdle
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Server{
		opts:    opts,
		logger:  opts.Logger.Named("server"),
		workers: semaphore.NewWeighted(int64(opts.Workers)),
		conns:   make(map[net.Conn]struct{}),
	}
	var pub provider.Publisher
	if opts.Registry != nil {
		pub = opts.Registry
	}
	s.provider = provider.New(provider.Options{Registry: pub, Address: opts.Advertise, Logger: opts.Logger})
	s.dispatcher = handler.New(s.provider, opts.Logger).Handle
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.stopping, s.stop = context.WithCancel(context.Background())
	return s
}

// Provider exposes the service table.
func (s *Server) Provider() *provider.Provider { return s.provider }

// Register adds a service. Once the server is serving, the service is also published
// right away; otherwise Serve publishes it. Publishing is best-effort: a registry
// failure is logged and the service is still served.
func (s *Server) Register(cfg provider.ServiceConfig) error {
	if err := s.provider.AddService(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	serving := s.serving
	s.mu.Unlock()
	if serving {
		s.provider.PublishService(context.Background(), cfg)
	}
	return nil
}

// RegisterDispatcher replaces the built-in method dispatcher. It must be called before
// Serve.
func (s *Server) RegisterDispatcher(d middleware.HandlerFunc) {
	s.mu.Lock()
	s.dispatcher = d
	s.mu.Unlock()
}

// Use appends a middleware; the first one added is the outermost. It must be called
// before Serve.
func (s *Server) Use(mw middleware.Middleware) {
	s.mu.Lock()
	s.middlewares = append(s.middlewares, mw)
	s.mu.Unlock()
}

// ListenAndServe listens on the TCP address addr and calls Serve.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve publishes the registered services and accepts connections on ln until
// Shutdown. It returns nil after Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	advertise := s.opts.Advertise
	if advertise == "" {
		advertise = ln.Addr().String()
	}
	// the address is set before serving flips so Register never publishes without one
	s.provider.SetAddress(advertise)
	s.listener = ln
	s.handler = middleware.Chain(s.middlewares...)(s.dispatcher)
	s.serving = true
	s.mu.Unlock()

	if err := s.provider.PublishAll(context.Background()); err != nil {
		s.logger.Warn("publish services failed", zap.Error(err))
	}
	s.logger.Info("serving", zap.String("listen", ln.Addr().String()), zap.String("advertise", advertise),
		zap.Strings("services", s.provider.Services()), zap.Int("workers", s.opts.Workers))

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		go s.handleConn(conn)
	}
}

// Addr returns the listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) trackConn(conn net.Conn, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.shutdown.Load() {
			return false
		}
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
	return true
}

// handleConn is the only reader of conn. Responses are written by the workers under a
// per-connection lock so frames never interleave.
func (s *Server) handleConn(conn net.Conn) {
	if !s.trackConn(conn, true) {
		conn.Close()
		return
	}
	defer s.trackConn(conn, false)
	defer conn.Close()

	logger := s.logger.With(zap.String("remote", conn.RemoteAddr().String()))
	logger.Debug("connection accepted")
	r := bufio.NewReader(conn)
	writeMu := &sync.Mutex{}

	for {
		if s.opts.ReaderIdle > 0 {
			conn.SetReadDeadline(time.Now().Add(s.opts.ReaderIdle))
		}
		msg, err := s.opts.Codec.Read(r)
		if err != nil {
			var ne net.Error
			switch {
			case s.shutdown.Load():
			case errors.As(err, &ne) && ne.Timeout():
				logger.Info("reader idle, closing connection", zap.Duration("idle", s.opts.ReaderIdle))
			case protocol.IsProtocolError(err):
				logger.Error("decode frame failed, closing connection", zap.Error(err))
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				logger.Debug("connection closed by peer")
			default:
				logger.Warn("read failed", zap.Error(err))
			}
			return
		}

		switch msg.Type {
		case message.TypeHeartbeatRequest:
			s.opts.Metrics.Heartbeat("received")
			pong := &message.Message{Type: message.TypeHeartbeatResponse, Codec: msg.Codec, ID: msg.ID, Data: message.Pong}
			if err := s.write(conn, writeMu, pong); err != nil {
				logger.Warn("send heartbeat response failed", zap.Error(err))
				return
			}
		case message.TypeRequest:
			if !s.begin() {
				s.reject(conn, writeMu, msg, logger)
				continue
			}
			// the call waits for a worker slot off the read loop so heartbeats keep flowing
			go func() {
				defer s.inflight.Done()
				if err := s.workers.Acquire(s.stopping, 1); err != nil {
					s.reject(conn, writeMu, msg, logger)
					return
				}
				defer s.workers.Release(1)
				s.dispatch(conn, writeMu, msg, logger)
			}()
		default:
			logger.Warn("unexpected message on server connection", zap.Stringer("type", msg.Type))
		}
	}
}

// begin registers one in-flight dispatch unless shutdown has started.
func (s *Server) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	s.inflight.Add(1)
	return true
}

func (s *Server) dispatch(conn net.Conn, writeMu *sync.Mutex, msg *message.Message, logger *zap.Logger) {
	req := msg.Data.(*message.Request)
	resp := s.handler(s.ctx, req)
	if resp == nil {
		resp = message.Fail(req.RequestID, message.CodeFail, "no response")
	}
	resp.RequestID = req.RequestID

	out := &message.Message{Type: message.TypeResponse, Codec: msg.Codec, Compress: msg.Compress, ID: msg.ID, Data: resp}
	err := s.write(conn, writeMu, out)
	if err != nil && !isConnError(err) {
		// the result could not be encoded; report that instead
		logger.Error("encode response failed", zap.String("request_id", req.RequestID), zap.Error(err))
		out.Data = message.Fail(req.RequestID, message.CodeFail, fmt.Sprintf("encode response: %v", err))
		err = s.write(conn, writeMu, out)
	}
	if err != nil {
		logger.Warn("send response failed", zap.String("request_id", req.RequestID), zap.Error(err))
	}
}

// reject answers a call that arrived after shutdown started with 503 so the caller can
// go to another instance.
func (s *Server) reject(conn net.Conn, writeMu *sync.Mutex, msg *message.Message, logger *zap.Logger) {
	req := msg.Data.(*message.Request)
	resp := message.Fail(req.RequestID, message.CodeUnavailable, "server shutting down")
	out := &message.Message{Type: message.TypeResponse, Codec: msg.Codec, Compress: msg.Compress, ID: msg.ID, Data: resp}
	if err := s.write(conn, writeMu, out); err != nil {
		logger.Debug("send shutdown response failed", zap.String("request_id", req.RequestID), zap.Error(err))
	}
}

type connError struct{ error }

func (e connError) Unwrap() error { return e.error }

func isConnError(err error) bool {
	var ce connError
	return errors.As(err, &ce)
}

func (s *Server) write(conn net.Conn, mu *sync.Mutex, msg *message.Message) error {
	frame, err := s.opts.Codec.Encode(msg)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	if _, err := conn.Write(frame); err != nil {
		return connError{err}
	}
	return nil
}

// Shutdown removes this server from the registry and stops accepting. Open connections
// stay up until the in-flight dispatches have written their responses or ctx is done;
// then every connection is closed.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs error
	if s.opts.Registry != nil {
		if addr := s.provider.Address(); addr != "" {
			if err := s.opts.Registry.Cleanup(ctx, addr); err != nil {
				s.logger.Warn("registry cleanup failed", zap.Error(err))
				errs = multierr.Append(errs, err)
			}
		}
	}

	s.stop()
	s.mu.Lock()
	// the flag goes first so Serve reports the Accept error as a clean stop
	s.shutdown.Store(true)
	if s.listener != nil {
		errs = multierr.Append(errs, s.listener.Close())
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	defer s.cancel()
	defer s.closeConns()
	select {
	case <-done:
		s.logger.Info("server stopped")
		return errs
	case <-ctx.Done():
		return multierr.Append(errs, fmt.Errorf("server: waiting for in-flight calls: %w", ctx.Err()))
	}
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}
