package compressor

import (
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"

	"github.com/meigma/zipstream/internal/zipfmt"
)

// NewReader returns a streaming decompressor for method reading compressed
// bytes from src. Closing the returned reader releases decoder state; it
// does not close src.
func NewReader(method uint16, src io.Reader) (io.ReadCloser, error) {
	switch method {
	case zipfmt.MethodStore:
		return io.NopCloser(src), nil
	case zipfmt.MethodDeflate:
		return flate.NewReader(src), nil
	case zipfmt.MethodZstd:
		return newPooledZstdReader(src)
	default:
		return nil, fmt.Errorf("%w: %d", ErrMethod, method)
	}
}

// zstdPool reuses zstd decoders across entry reads to avoid paying the
// decoder allocation on every Open.
var zstdPool = sync.Pool{
	New: func() any {
		dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil
		}
		return dec
	},
}

func newPooledZstdReader(src io.Reader) (io.ReadCloser, error) {
	if dec, ok := zstdPool.Get().(*zstd.Decoder); ok && dec != nil {
		if err := dec.Reset(src); err == nil {
			return &pooledZstdReader{dec: dec}, nil
		}
		dec.Close()
	}
	dec, err := zstd.NewReader(src, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	return &pooledZstdReader{dec: dec}, nil
}

type pooledZstdReader struct {
	dec *zstd.Decoder
}

func (r *pooledZstdReader) Read(p []byte) (int, error) {
	if r.dec == nil {
		return 0, io.EOF
	}
	return r.dec.Read(p)
}

func (r *pooledZstdReader) Close() error {
	if r.dec == nil {
		return nil
	}
	dec := r.dec
	r.dec = nil
	_ = dec.Reset(nil)
	zstdPool.Put(dec)
	return nil
}
