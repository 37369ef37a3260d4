// Package compress defines the compressors applied to serialized frame bodies.
package compress

import (
	"errors"
	"fmt"
)

type CompressType byte

const (
	CompressTypeNone CompressType = 0
	CompressTypeGzip CompressType = 1
	CompressTypeZstd CompressType = 2
)

// MaxDecompressedSize caps the bytes one body may expand to. It matches the frame
// length limit of the wire protocol.
const MaxDecompressedSize = 8 << 20

var ErrTooLarge = errors.New("compress: decompressed body too large")

var names = map[CompressType]string{
	CompressTypeNone: "none",
	CompressTypeGzip: "gzip",
	CompressTypeZstd: "zstd",
}

// Compressor compresses frame bodies. Implementations must be safe for concurrent use.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// Name returns the extension name of a compress id.
func Name(t CompressType) (string, error) {
	n, ok := names[t]
	if !ok {
		return "", fmt.Errorf("compress: unknown compress type %d", t)
	}
	return n, nil
}

// TypeOf returns the compress id of an extension name.
func TypeOf(name string) (CompressType, error) {
	for t, n := range names {
		if n == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("compress: unknown compressor %q", name)
}

func (t CompressType) String() string {
	if n, ok := names[t]; ok {
		return n
	}
	return fmt.Sprintf("compress(%d)", byte(t))
}

// Noop passes bytes through unchanged.
type Noop struct{}

func (Noop) Compress(data []byte) ([]byte, error)   { return data, nil }
func (Noop) Decompress(data []byte) ([]byte, error) { return data, nil }
