package compress

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compressors(t *testing.T) map[string]Compressor {
	t.Helper()
	z, err := NewZstd()
	require.NoError(t, err)
	return map[string]Compressor{
		"none": Noop{},
		"gzip": NewGzip(),
		"zstd": z,
	}
}

func TestRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("spi-rpc payload "), 512)
	for name, c := range compressors(t) {
		t.Run(name, func(t *testing.T) {
			packed, err := c.Compress(payload)
			require.NoError(t, err)
			if name != "none" {
				assert.Less(t, len(packed), len(payload))
			}

			unpacked, err := c.Decompress(packed)
			require.NoError(t, err)
			assert.Equal(t, payload, unpacked)
		})
	}
}

func TestGzipWriterReuse(t *testing.T) {
	g := NewGzip()
	for i := 0; i < 3; i++ {
		packed, err := g.Compress([]byte("again"))
		require.NoError(t, err)
		unpacked, err := g.Decompress(packed)
		require.NoError(t, err)
		assert.Equal(t, "again", string(unpacked))
	}
}

func TestDecompressLimit(t *testing.T) {
	for name, c := range compressors(t) {
		if name == "none" {
			continue
		}
		t.Run(name, func(t *testing.T) {
			packed, err := c.Compress(make([]byte, MaxDecompressedSize))
			require.NoError(t, err)
			unpacked, err := c.Decompress(packed)
			require.NoError(t, err)
			assert.Len(t, unpacked, MaxDecompressedSize)

			packed, err = c.Compress(make([]byte, MaxDecompressedSize+1))
			require.NoError(t, err)
			assert.Less(t, len(packed), 64<<10)
			_, err = c.Decompress(packed)
			assert.ErrorIs(t, err, ErrTooLarge)
		})
	}
}

func TestDecompressGarbage(t *testing.T) {
	_, err := NewGzip().Decompress([]byte("definitely not gzip"))
	assert.Error(t, err)
}

func TestNames(t *testing.T) {
	n, err := Name(CompressTypeGzip)
	require.NoError(t, err)
	assert.Equal(t, "gzip", n)

	typ, err := TypeOf("zstd")
	require.NoError(t, err)
	assert.Equal(t, CompressTypeZstd, typ)

	_, err = Name(CompressType(42))
	assert.Error(t, err)
}
