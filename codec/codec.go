// Package codec defines the serializers that turn call descriptors into frame bodies.
//
// The frame header carries a one-byte codec id; Name maps it onto the extension name
// under which the serializer is registered.
package codec

import "fmt"

type CodecType byte

const (
	CodecTypeJSON CodecType = 1
	CodecTypeGob  CodecType = 2
)

var names = map[CodecType]string{
	CodecTypeJSON: "json",
	CodecTypeGob:  "gob",
}

// Serializer converts values to bytes and back. Implementations must be safe for
// concurrent use.
type Serializer interface {
	Serialize(v any) ([]byte, error)
	Deserialize(data []byte, v any) error
}

// Name returns the extension name of a codec id.
func Name(t CodecType) (string, error) {
	n, ok := names[t]
	if !ok {
		return "", fmt.Errorf("codec: unknown codec type %d", t)
	}
	return n, nil
}

// TypeOf returns the codec id of an extension name.
func TypeOf(name string) (CodecType, error) {
	for t, n := range names {
		if n == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("codec: unknown codec %q", name)
}

func (t CodecType) String() string {
	if n, ok := names[t]; ok {
		return n
	}
	return fmt.Sprintf("codec(%d)", byte(t))
}
