package snapshot

import (
	"bytes"
	"io"

	"github.com/ulikunitz/xz"
)

// Compressor is the transform applied to the serialized snapshot before
// encryption and after decryption. The name travels in the snapshot
// metadata so restores pick the matching transform.
type Compressor interface {
	Name() string
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// NopCompressor passes data through unchanged.
type NopCompressor struct{}

func (NopCompressor) Name() string                            { return "none" }
func (NopCompressor) Compress(data []byte) ([]byte, error)    { return data, nil }
func (NopCompressor) Decompress(data []byte) ([]byte, error)  { return data, nil }

// XZCompressor applies LZMA2 compression. Snapshots are JSON and shrink
// well under it.
type XZCompressor struct{}

func (XZCompressor) Name() string { return "xz" }

func (XZCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (XZCompressor) Decompress(data []byte) ([]byte, error) {
	r, err := xz.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

// ForName returns the compressor registered under name, defaulting to the
// pass-through transform.
func ForName(name string) Compressor {
	if name == (XZCompressor{}).Name() {
		return XZCompressor{}
	}
	return NopCompressor{}
}
