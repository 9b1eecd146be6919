package zipstream

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/meigma/zipstream/internal/zipfmt"
)

// CompressionMethod identifies how an entry's data is compressed, using
// the method identifiers of the archive format.
type CompressionMethod uint16

const (
	Store   CompressionMethod = CompressionMethod(zipfmt.MethodStore)
	Deflate CompressionMethod = CompressionMethod(zipfmt.MethodDeflate)
	Zstd    CompressionMethod = CompressionMethod(zipfmt.MethodZstd)
)

func (m CompressionMethod) String() string {
	switch m {
	case Store:
		return "store"
	case Deflate:
		return "deflate"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("method(%d)", uint16(m))
	}
}

// Entry describes one file in an archive. Reader returns sealed entries
// parsed from the central directory; the writer builds them internally.
type Entry struct {
	// Name is the UTF-8 entry path, at most 65535 bytes, without NUL.
	Name string

	// Method is the actual compression method of the entry data. For
	// encrypted entries this is the method carried in the AES extra
	// field, not the 99 sentinel on the wire.
	Method CompressionMethod

	// Modified is the entry modification time at MS-DOS 2-second
	// resolution.
	Modified time.Time

	// CRC32 of the uncompressed data. Zero for AE-2 encrypted entries,
	// whose integrity is covered by the authentication tag instead.
	CRC32 uint32

	// CompressedSize is the byte count of the entry data as stored,
	// including the AE-2 salt, verifier and tag for encrypted entries.
	CompressedSize uint64

	// UncompressedSize is the byte count of the original data.
	UncompressedSize uint64

	// Offset is the absolute position of the entry's local file header.
	Offset uint64

	// Encrypted reports whether the entry uses AE-2 encryption.
	Encrypted bool

	// Comment is the per-entry comment from the central directory.
	Comment string

	flags    uint16
	zip64    bool
	aesExtra *zipfmt.AESExtra
}

// ByteSource provides random access to an archive.
//
// Implementations exist for local files (OpenFile), in-memory buffers
// (NewBytesSource), HTTP range requests (package http) and S3 objects
// (package s3). ReadAt may return fewer bytes than requested only at the
// end of the source.
type ByteSource interface {
	io.ReaderAt
	Size() int64
}

// Flusher is implemented by sinks that buffer writes. The writer calls
// Flush before Finish returns.
type Flusher interface {
	Flush() error
}

// fileSource adapts an *os.File to the ByteSource contract.
type fileSource struct {
	f    *os.File
	size int64
}

// OpenFile opens path and returns it as a ByteSource along with a closer.
func OpenFile(path string) (ByteSource, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return &fileSource{f: f, size: info.Size()}, f, nil
}

func (s *fileSource) ReadAt(p []byte, off int64) (int, error) { return s.f.ReadAt(p, off) }
func (s *fileSource) Size() int64                             { return s.size }

// bytesSource adapts a byte slice to the ByteSource contract.
type bytesSource struct {
	b []byte
}

// NewBytesSource returns a ByteSource reading from b.
func NewBytesSource(b []byte) ByteSource { return &bytesSource{b: b} }

func (s *bytesSource) Size() int64 { return int64(len(s.b)) }

func (s *bytesSource) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("bytes source: negative offset %d", off)
	}
	if off >= int64(len(s.b)) {
		return 0, io.EOF
	}
	n := copy(p, s.b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
