package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"spi-rpc/message"
	"spi-rpc/metrics"
	"spi-rpc/protocol"
)

// Channel is one long-lived connection to a service address. Many calls are
// multiplexed over it: writers share the connection under a lock, and a single read
// loop hands every inbound response to the client, which routes it by correlation id.
//
//	goroutine-1 ──write(req A)──┐
//	goroutine-2 ──write(req B)──┼──→ one TCP conn ──→ service
//	goroutine-3 ──write(req C)──┘
//
//	readLoop: ←── response(B) → pending[B] → goroutine-2 wakes up
type Channel struct {
	addr    string
	conn    net.Conn
	codec   *protocol.Codec
	logger  *zap.Logger
	metrics *metrics.Metrics

	heartbeat  *message.Message
	onResponse func(*Channel, *message.Response)
	onClose    func(*Channel, error)

	writeMu   sync.Mutex // whole frames only; interleaved writes corrupt the stream
	lastWrite atomic.Int64
	seq       atomic.Uint32

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

type channelConfig struct {
	codec      *protocol.Codec
	heartbeat  *message.Message
	writerIdle time.Duration
	logger     *zap.Logger
	metrics    *metrics.Metrics
	onResponse func(*Channel, *message.Response)
	onClose    func(*Channel, error)
}

// dialChannel connects to addr within ctx and starts the read and heartbeat loops.
func dialChannel(ctx context.Context, addr string, timeout time.Duration, cfg channelConfig) (*Channel, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrConnect, addr, err)
	}
	return newChannel(conn, addr, cfg), nil
}

func newChannel(conn net.Conn, addr string, cfg channelConfig) *Channel {
	ch := &Channel{
		addr:       addr,
		conn:       conn,
		codec:      cfg.codec,
		logger:     cfg.logger.With(zap.String("remote", addr), zap.String("local", conn.LocalAddr().String())),
		metrics:    cfg.metrics,
		heartbeat:  cfg.heartbeat,
		onResponse: cfg.onResponse,
		onClose:    cfg.onClose,
		done:       make(chan struct{}),
	}
	ch.lastWrite.Store(time.Now().UnixNano())
	ch.logger.Info("channel connected")
	go ch.readLoop()
	if cfg.writerIdle > 0 {
		go ch.heartbeatLoop(cfg.writerIdle)
	}
	return ch
}

// Addr is the remote address the channel was dialed to.
func (ch *Channel) Addr() string { return ch.addr }

// Active reports whether the channel is still open.
func (ch *Channel) Active() bool {
	select {
	case <-ch.done:
		return false
	default:
		return true
	}
}

// Done is closed when the channel closes.
func (ch *Channel) Done() <-chan struct{} { return ch.done }

// Write encodes msg under the next frame id and writes it. An encode failure leaves the
// channel usable; a write failure closes it.
func (ch *Channel) Write(msg *message.Message) error {
	if !ch.Active() {
		return ErrConnectionClosed
	}
	msg.ID = ch.seq.Add(1)
	frame, err := ch.codec.Encode(msg)
	if err != nil {
		return err
	}
	ch.writeMu.Lock()
	_, err = ch.conn.Write(frame)
	ch.writeMu.Unlock()
	if err != nil {
		err = fmt.Errorf("%w: write: %w", ErrConnectionClosed, err)
		ch.closeWithError(err)
		return err
	}
	ch.lastWrite.Store(time.Now().UnixNano())
	return nil
}

// readLoop is the only reader of the connection; frame boundaries are only meaningful
// to a single sequential reader.
func (ch *Channel) readLoop() {
	r := bufio.NewReader(ch.conn)
	for {
		msg, err := ch.codec.Read(r)
		if err != nil {
			if !ch.Active() {
				return
			}
			switch {
			case protocol.IsProtocolError(err):
				ch.logger.Error("decode frame failed, closing channel", zap.Error(err))
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				ch.logger.Info("channel closed by peer")
			default:
				ch.logger.Warn("read failed", zap.Error(err))
			}
			ch.closeWithError(err)
			return
		}

		switch msg.Type {
		case message.TypeHeartbeatResponse:
			ch.logger.Debug("heartbeat received", zap.Any("data", msg.Data))
			ch.metrics.Heartbeat("received")
		case message.TypeResponse:
			ch.onResponse(ch, msg.Data.(*message.Response))
		default:
			ch.logger.Warn("unexpected message on client channel", zap.Stringer("type", msg.Type))
		}
	}
}

// heartbeatLoop sends a heartbeat request whenever nothing was written for interval.
func (ch *Channel) heartbeatLoop(interval time.Duration) {
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ch.done:
			return
		case <-timer.C:
		}
		idle := time.Since(time.Unix(0, ch.lastWrite.Load()))
		if idle < interval {
			timer.Reset(interval - idle)
			continue
		}
		hb := *ch.heartbeat
		if err := ch.Write(&hb); err != nil {
			ch.logger.Warn("send heartbeat failed, channel closed", zap.Error(err))
			return
		}
		ch.logger.Debug("heartbeat sent")
		ch.metrics.Heartbeat("sent")
		timer.Reset(interval)
	}
}

// Close closes the connection. Calls in flight on it fail with ErrConnectionClosed.
func (ch *Channel) Close() error {
	ch.closeWithError(ErrConnectionClosed)
	return ch.closeErr
}

func (ch *Channel) closeWithError(cause error) {
	ch.closeOnce.Do(func() {
		close(ch.done)
		ch.closeErr = ch.conn.Close()
		if !errors.Is(cause, ErrConnectionClosed) {
			cause = fmt.Errorf("%w: %w", ErrConnectionClosed, cause)
		}
		if ch.onClose != nil {
			ch.onClose(ch, cause)
		}
	})
}
