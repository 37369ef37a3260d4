package protocol

import (
	"bufio"
	"fmt"
	"io"

	"spi-rpc/codec"
	"spi-rpc/compress"
	"spi-rpc/extension"
	"spi-rpc/message"
	"spi-rpc/metrics"
)

// Codec converts messages to frames and back. The serializer and compressor of a frame
// are named by the one-byte ids in its header and resolved through the extension
// catalog, so adding a format never touches the codec.
type Codec struct {
	catalog *extension.Catalog
	metrics *metrics.Metrics
}

// NewCodec returns a codec resolving serializers and compressors from catalog.
// m may be nil.
func NewCodec(catalog *extension.Catalog, m *metrics.Metrics) *Codec {
	return &Codec{catalog: catalog, metrics: m}
}

func (c *Codec) serializer(id byte) (codec.Serializer, error) {
	name, err := codec.Name(codec.CodecType(id))
	if err != nil {
		return nil, err
	}
	return extension.Resolve[codec.Serializer](c.catalog, extension.KindSerializer, name)
}

func (c *Codec) compressor(id byte) (compress.Compressor, error) {
	name, err := compress.Name(compress.CompressType(id))
	if err != nil {
		return nil, err
	}
	return extension.Resolve[compress.Compressor](c.catalog, extension.KindCompressor, name)
}

// Encode serializes msg into a complete frame.
func (c *Codec) Encode(msg *message.Message) ([]byte, error) {
	if !msg.Type.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageType, msg.Type)
	}
	h := &Header{
		MsgType:  byte(msg.Type),
		Codec:    msg.Codec,
		Compress: msg.Compress,
		ID:       msg.ID,
	}
	var body []byte
	if !msg.Type.IsHeartbeat() {
		ser, err := c.serializer(msg.Codec)
		if err != nil {
			return nil, err
		}
		data, err := ser.Serialize(msg.Data)
		if err != nil {
			return nil, fmt.Errorf("protocol: serialize %s: %w", msg.Type, err)
		}
		cmp, err := c.compressor(msg.Compress)
		if err != nil {
			return nil, err
		}
		if body, err = cmp.Compress(data); err != nil {
			return nil, fmt.Errorf("protocol: compress %s: %w", msg.Type, err)
		}
	}
	if HeaderLength+len(body) > MaxFrameLength {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, HeaderLength+len(body), MaxFrameLength)
	}
	c.metrics.FrameEncoded(msg.Type)
	return AppendFrame(make([]byte, 0, HeaderLength+len(body)), h, body), nil
}

// Decode parses one complete frame.
func (c *Codec) Decode(frame []byte) (*message.Message, error) {
	h, err := ParseHeader(frame)
	if err != nil {
		return nil, err
	}
	typ := message.Type(h.MsgType)
	if !typ.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageType, h.MsgType)
	}
	msg := &message.Message{
		Type:     typ,
		Codec:    h.Codec,
		Compress: h.Compress,
		ID:       h.ID,
	}
	switch typ {
	case message.TypeHeartbeatRequest:
		msg.Data = message.Ping
	case message.TypeHeartbeatResponse:
		msg.Data = message.Pong
	default:
		if msg.Data, err = c.decodeBody(typ, h, frame[HeaderLength:]); err != nil {
			return nil, err
		}
	}
	c.metrics.FrameDecoded(typ)
	return msg, nil
}

func (c *Codec) decodeBody(typ message.Type, h *Header, body []byte) (any, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty %s body", ErrMalformedBody, typ)
	}
	cmp, err := c.compressor(h.Compress)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedBody, err)
	}
	data, err := cmp.Decompress(body)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %w", ErrMalformedBody, err)
	}
	ser, err := c.serializer(h.Codec)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedBody, err)
	}
	if typ == message.TypeRequest {
		req := new(message.Request)
		if err := ser.Deserialize(data, req); err != nil {
			return nil, fmt.Errorf("%w: request: %w", ErrMalformedBody, err)
		}
		return req, nil
	}
	resp := new(message.Response)
	if err := ser.Deserialize(data, resp); err != nil {
		return nil, fmt.Errorf("%w: response: %w", ErrMalformedBody, err)
	}
	return resp, nil
}

// DecodeFrom decodes the first frame in buf. It returns the number of bytes consumed;
// (nil, 0, nil) means buf does not hold a complete frame yet.
func (c *Codec) DecodeFrom(buf []byte) (*message.Message, int, error) {
	frame, n, err := Split(buf)
	if err != nil || frame == nil {
		return nil, 0, err
	}
	msg, err := c.Decode(frame)
	if err != nil {
		return nil, 0, err
	}
	return msg, n, nil
}

// Write encodes msg and writes the frame to w in one call.
func (c *Codec) Write(w io.Writer, msg *message.Message) error {
	frame, err := c.Encode(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// Read reads and decodes the next frame from r.
func (c *Codec) Read(r *bufio.Reader) (*message.Message, error) {
	frame, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return c.Decode(frame)
}
