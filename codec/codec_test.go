package codec

import (
	"spi-rpc/message"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRequest() *message.Request {
	return &message.Request{
		RequestID:     "5c1b5cf5-5d3f-4c0a-9d0b-2f1c5e0c8f11",
		InterfaceName: "com.x.Hello",
		MethodName:    "hello",
		Parameters:    []any{"a", "b"},
		ParamTypes:    []string{"string", "string"},
		Version:       "v1",
		Group:         "groupA",
	}
}

func TestJSONCodec(t *testing.T) {
	jsonCodec := &JSONCodec{}
	original := sampleRequest()

	data, err := jsonCodec.Serialize(original)
	require.NoError(t, err)

	var decoded message.Request
	require.NoError(t, jsonCodec.Deserialize(data, &decoded))
	assert.Equal(t, original, &decoded)
}

func TestGobCodec(t *testing.T) {
	gobCodec := &GobCodec{}
	original := sampleRequest()

	data, err := gobCodec.Serialize(original)
	require.NoError(t, err)

	var decoded message.Request
	require.NoError(t, gobCodec.Deserialize(data, &decoded))
	assert.Equal(t, original, &decoded)
}

func TestGobCodecResponse(t *testing.T) {
	gobCodec := &GobCodec{}
	original := message.Success(42, "req-1")

	data, err := gobCodec.Serialize(original)
	require.NoError(t, err)

	var decoded message.Response
	require.NoError(t, gobCodec.Deserialize(data, &decoded))
	assert.Equal(t, original, &decoded)
}

func TestCodecNames(t *testing.T) {
	for _, tc := range []struct {
		typ  CodecType
		name string
	}{
		{CodecTypeJSON, "json"},
		{CodecTypeGob, "gob"},
	} {
		name, err := Name(tc.typ)
		require.NoError(t, err)
		assert.Equal(t, tc.name, name)

		typ, err := TypeOf(tc.name)
		require.NoError(t, err)
		assert.Equal(t, tc.typ, typ)
	}

	_, err := Name(CodecType(99))
	assert.Error(t, err)
	_, err = TypeOf("kryo")
	assert.Error(t, err)
}
