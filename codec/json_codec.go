package codec

import (
	"encoding/json"
)

// JSONCodec uses Go's standard library encoding/json for serialization.
// Pros: human-readable, cross-language, easy to debug.
// Cons: numbers inside `any` values come back as float64.
type JSONCodec struct{}

func (c *JSONCodec) Serialize(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Deserialize(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
