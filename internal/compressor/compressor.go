// Package compressor provides a uniform streaming interface over the
// compression methods supported by the archive format: Store, raw DEFLATE,
// and Zstandard. Compressors are single-pass sinks; input length never
// needs to be known in advance.
package compressor

import (
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"

	"github.com/meigma/zipstream/internal/zipfmt"
)

// Default compression levels per method.
const (
	DefaultDeflateLevel = 6
	DefaultZstdLevel    = 3
)

// Errors reported by constructors.
var (
	ErrMethod = errors.New("compressor: unsupported compression method")
	ErrLevel  = errors.New("compressor: compression level out of range")
)

// Writer is a streaming compressor. Close emits any trailing bytes of the
// compressed stream; it does not close the destination.
type Writer interface {
	io.Writer
	Close() error
}

// NewWriter returns a compressor for method writing its output to dst.
// A level of 0 selects the method's default.
func NewWriter(method uint16, level int, dst io.Writer) (Writer, error) {
	switch method {
	case zipfmt.MethodStore:
		return nopCloser{dst}, nil
	case zipfmt.MethodDeflate:
		if level == 0 {
			level = DefaultDeflateLevel
		}
		if level < 1 || level > 9 {
			return nil, fmt.Errorf("%w: deflate level %d, want 1..9", ErrLevel, level)
		}
		return flate.NewWriter(dst, level)
	case zipfmt.MethodZstd:
		if level == 0 {
			level = DefaultZstdLevel
		}
		if level < 1 || level > 22 {
			return nil, fmt.Errorf("%w: zstd level %d, want 1..22", ErrLevel, level)
		}
		return zstd.NewWriter(dst,
			zstd.WithEncoderConcurrency(1),
			zstd.WithLowerEncoderMem(true),
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
		)
	default:
		return nil, fmt.Errorf("%w: %d", ErrMethod, method)
	}
}

// ValidLevel reports whether level is acceptable for method. Zero always
// selects the default and is valid.
func ValidLevel(method uint16, level int) bool {
	if level == 0 {
		return true
	}
	switch method {
	case zipfmt.MethodStore:
		return false
	case zipfmt.MethodDeflate:
		return level >= 1 && level <= 9
	case zipfmt.MethodZstd:
		return level >= 1 && level <= 22
	default:
		return false
	}
}

// nopCloser is the Store compressor: an identity writer.
type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
