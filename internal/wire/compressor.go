package wire

import (
	"bytes"
	"compress/flate"
	"io"
)

// Compressor is the pluggable compression strategy layered on top of
// a Serializer for the event bus and worker wire (spec §4.4/§6). No
// compression library is a direct dependency anywhere in the example
// pack — klauspost/compress only ever shows up transitively behind an
// HTTP/gRPC client — so this is built directly on stdlib compress/flate.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// FlateCompressor implements Compressor with DEFLATE, the stdlib
// analogue of the reference implementation's zlib use.
type FlateCompressor struct{}

func (FlateCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (FlateCompressor) Decompress(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	return io.ReadAll(r)
}

// NoopCompressor passes data through unchanged; useful for tests and
// for transports where compression is not worth the CPU (small LAN
// RPCs, for instance).
type NoopCompressor struct{}

func (NoopCompressor) Compress(data []byte) ([]byte, error)   { return data, nil }
func (NoopCompressor) Decompress(data []byte) ([]byte, error) { return data, nil }
