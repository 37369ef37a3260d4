package codec

import (
	"bytes"
	"encoding/gob"
)

// GobCodec serializes with encoding/gob. Concrete types carried inside `any` fields
// (call parameters, return values) must be registered with gob.Register unless they
// are predeclared types.
type GobCodec struct{}

func (c *GobCodec) Serialize(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *GobCodec) Deserialize(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}
