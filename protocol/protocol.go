// Package protocol implements the binary frame protocol of spi-rpc.
//
// Every frame starts with a fixed 16-byte header. The full-length field counts the
// header too, so a reader that has seen the first 9 bytes knows exactly how many bytes
// to wait for; this is how TCP's merged and split segments are handled.
//
// Frame format (big-endian):
//
//	0        4    5              9     10    11    12             16
//	┌────────┬────┬──────────────┬─────┬─────┬─────┬──────────────┬───────────────┐
//	│ magic  │ver │ full length  │type │codec│comp │  request id  │    body ...   │
//	│ "grpc" │ 01 │   uint32     │     │     │     │    uint32    │ len-16 bytes  │
//	└────────┴────┴──────────────┴─────┴─────┴─────┴──────────────┴───────────────┘
//
// Heartbeat frames have no body.
package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic number bytes: "grpc". Used to reject non-protocol peers before any other
// header field is trusted.
var Magic = [4]byte{'g', 'r', 'p', 'c'}

const (
	Version        byte = 0x01
	HeaderLength        = 16 // 4 (magic) + 1 (version) + 4 (full length) + 1 (type) + 1 (codec) + 1 (compress) + 4 (id)
	MaxFrameLength      = 8 * 1024 * 1024

	lengthOffset = 5
	lengthEnd    = 9
)

var (
	ErrInvalidMagic        = errors.New("protocol: invalid magic number")
	ErrUnsupportedVersion  = errors.New("protocol: unsupported version")
	ErrInvalidLength       = errors.New("protocol: invalid frame length")
	ErrFrameTooLarge       = errors.New("protocol: frame too large")
	ErrUnknownMessageType  = errors.New("protocol: unknown message type")
	ErrMalformedBody       = errors.New("protocol: malformed body")
	errIncompleteFrameData = errors.New("protocol: incomplete frame")
)

// Header is the fixed 16-byte frame header, minus magic and version.
type Header struct {
	Length   uint32 // header + body
	MsgType  byte
	Codec    byte
	Compress byte
	ID       uint32
}

// BodyLength is the number of body bytes that follow the header.
func (h *Header) BodyLength() int {
	return int(h.Length) - HeaderLength
}

// AppendFrame appends header and body to dst. h.Length is ignored and recomputed.
func AppendFrame(dst []byte, h *Header, body []byte) []byte {
	dst = append(dst, Magic[:]...)
	dst = append(dst, Version)
	// full length is backfilled once the body is in place
	lenAt := len(dst)
	dst = append(dst, 0, 0, 0, 0)
	dst = append(dst, h.MsgType, h.Codec, h.Compress)
	dst = binary.BigEndian.AppendUint32(dst, h.ID)
	dst = append(dst, body...)
	binary.BigEndian.PutUint32(dst[lenAt:lenAt+4], uint32(HeaderLength+len(body)))
	return dst
}

// Encode writes a complete frame (header + body) to w in a single Write call.
// The caller must serialize writers sharing one connection, otherwise frames from
// different calls interleave and corrupt the stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	_, err := w.Write(AppendFrame(make([]byte, 0, HeaderLength+len(body)), h, body))
	return err
}

// checkPrefix validates magic and version on however many bytes are available.
func checkPrefix(b []byte) error {
	n := len(b)
	if n > len(Magic) {
		n = len(Magic)
	}
	for i := 0; i < n; i++ {
		if b[i] != Magic[i] {
			return fmt.Errorf("%w: % x", ErrInvalidMagic, b[:n])
		}
	}
	if len(b) > len(Magic) && b[len(Magic)] != Version {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, b[len(Magic)])
	}
	return nil
}

// frameLength validates the prefix and returns the full length once it is readable.
func frameLength(b []byte) (int, error) {
	if err := checkPrefix(b); err != nil {
		return 0, err
	}
	if len(b) < lengthEnd {
		return 0, errIncompleteFrameData
	}
	n := binary.BigEndian.Uint32(b[lengthOffset:lengthEnd])
	if n < HeaderLength {
		return 0, fmt.Errorf("%w: %d", ErrInvalidLength, n)
	}
	if n > MaxFrameLength {
		return 0, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, MaxFrameLength)
	}
	return int(n), nil
}

// Split extracts the first complete frame from buf. When buf holds only part of a
// frame it returns (nil, 0, nil) and the caller should wait for more bytes. Magic and
// version are rejected as soon as their bytes arrive.
func Split(buf []byte) (frame []byte, n int, err error) {
	length, err := frameLength(buf)
	if errors.Is(err, errIncompleteFrameData) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	if len(buf) < length {
		return nil, 0, nil
	}
	return buf[:length], length, nil
}

// ReadFrame reads exactly one frame from r. The returned slice is owned by the caller.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	head, err := r.Peek(lengthEnd)
	if err != nil {
		// validate whatever arrived before the stream ended
		if perr := checkPrefix(head); perr != nil {
			return nil, perr
		}
		if err == io.EOF && len(head) > 0 {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	length, err := frameLength(head)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, length)
	if _, err := io.ReadFull(r, frame); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return frame, nil
}

// ParseHeader validates and parses the header of a complete frame.
func ParseHeader(frame []byte) (*Header, error) {
	if len(frame) < HeaderLength {
		if err := checkPrefix(frame); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidLength, len(frame))
	}
	length, err := frameLength(frame)
	if err != nil {
		return nil, err
	}
	if length != len(frame) {
		return nil, fmt.Errorf("%w: header says %d, frame has %d", ErrInvalidLength, length, len(frame))
	}
	return &Header{
		Length:   uint32(length),
		MsgType:  frame[9],
		Codec:    frame[10],
		Compress: frame[11],
		ID:       binary.BigEndian.Uint32(frame[12:16]),
	}, nil
}

// Decode reads a complete frame from r and returns its header and body.
func Decode(r *bufio.Reader) (*Header, []byte, error) {
	frame, err := ReadFrame(r)
	if err != nil {
		return nil, nil, err
	}
	h, err := ParseHeader(frame)
	if err != nil {
		return nil, nil, err
	}
	return h, frame[HeaderLength:], nil
}

// IsProtocolError reports whether err means the peer does not speak this protocol
// correctly. Such errors are fatal to the connection.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrInvalidMagic) ||
		errors.Is(err, ErrUnsupportedVersion) ||
		errors.Is(err, ErrInvalidLength) ||
		errors.Is(err, ErrFrameTooLarge) ||
		errors.Is(err, ErrUnknownMessageType) ||
		errors.Is(err, ErrMalformedBody)
}
