// Package message defines the values exchanged between caller and service.
//
// Message is the frame-level envelope: it carries the header fields the protocol writes
// plus the decoded body. Request and Response are the call descriptors that travel in the
// body of call frames and get serialized by the codec layer.
package message

import "fmt"

// Type is the one-byte message kind written into the frame header.
type Type byte

const (
	TypeHeartbeatRequest  Type = 0 // caller → service keep-alive probe (no body)
	TypeHeartbeatResponse Type = 1 // service → caller keep-alive answer (no body)
	TypeRequest           Type = 2 // caller → service call
	TypeResponse          Type = 3 // service → caller result
)

// Heartbeat frames carry no body; after decoding their Data is one of these tokens.
const (
	Ping = "ping"
	Pong = "pong"
)

func (t Type) String() string {
	switch t {
	case TypeHeartbeatRequest:
		return "heartbeat-request"
	case TypeHeartbeatResponse:
		return "heartbeat-response"
	case TypeRequest:
		return "request"
	case TypeResponse:
		return "response"
	}
	return fmt.Sprintf("type(%d)", byte(t))
}

// IsHeartbeat reports whether t is one of the heartbeat kinds.
func (t Type) IsHeartbeat() bool {
	return t == TypeHeartbeatRequest || t == TypeHeartbeatResponse
}

// Valid reports whether t is a known kind.
func (t Type) Valid() bool {
	return t <= TypeResponse
}

// Message is one protocol frame in decoded form.
//
//   - Request frames:   Data is *Request.
//   - Response frames:  Data is *Response.
//   - Heartbeat frames: Data is Ping or Pong.
type Message struct {
	Type     Type
	Codec    byte   // serializer id, see package codec
	Compress byte   // compressor id, see package compress
	ID       uint32 // frame sequence number
	Data     any
}
