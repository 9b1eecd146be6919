package zipstream

import (
	"bufio"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"log/slog"

	"github.com/meigma/zipstream/internal/compressor"
	"github.com/meigma/zipstream/internal/winzip"
	"github.com/meigma/zipstream/internal/zipfmt"
)

// Reader extracts entries from an archive backed by a random-access
// ByteSource. The central directory is parsed once at construction; each
// Open returns an independent stream, so a Reader may serve concurrent
// reads as long as the source itself is safe for concurrent ReadAt.
type Reader struct {
	src      ByteSource
	entries  []*Entry
	byName   map[string]int
	warnings []error
	comment  string

	bufSize      int
	password     string
	passwordFunc func(name string) string
	logger       *slog.Logger
}

// NewReader discovers the end-of-central-directory record, follows the
// ZIP64 records when present, and parses the central directory.
func NewReader(src ByteSource, opts ...ReaderOption) (*Reader, error) {
	r := &Reader{
		src:     src,
		byName:  make(map[string]int),
		bufSize: defaultBufferSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.parse(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reader) log() *slog.Logger {
	if r.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return r.logger
}

// Entries returns the archive's entries in central-directory order.
func (r *Reader) Entries() []*Entry {
	return r.entries
}

// Entry returns the named entry, or false when the archive has none.
// With duplicate names the first central-directory occurrence wins.
func (r *Reader) Entry(name string) (*Entry, bool) {
	i, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return r.entries[i], true
}

// Comment returns the archive comment from the end-of-central-directory
// record.
func (r *Reader) Comment() string {
	return r.comment
}

// Warnings returns warning-class problems found while parsing the central
// directory, such as duplicate entry names.
func (r *Reader) Warnings() []error {
	return r.warnings
}

// readFullAt reads exactly len(p) bytes at off. Sources following the
// ByteSource contract may return io.EOF alongside a full final read.
func (r *Reader) readFullAt(p []byte, off int64) error {
	n, err := r.src.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return err
}

func (r *Reader) parse() error {
	size := r.src.Size()
	if size < zipfmt.EOCDLen {
		return fmt.Errorf("%w: %d bytes is smaller than an end of central directory record", ErrFormat, size)
	}

	// One ranged read covers the EOCD and the largest possible comment.
	span := int64(zipfmt.EOCDSearchSpan)
	if span > size {
		span = size
	}
	tail := make([]byte, span)
	tailOff := size - span
	if err := r.readFullAt(tail, tailOff); err != nil {
		return fmt.Errorf("read archive tail: %w", err)
	}

	idx := zipfmt.FindEOCD(tail)
	if idx < 0 {
		return fmt.Errorf("%w: end of central directory record not found", ErrFormat)
	}
	eocd, err := zipfmt.DecodeEOCD(tail[idx:])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFormat, err)
	}
	r.comment = string(eocd.Comment)
	eocdOff := tailOff + int64(idx)

	totalEntries := uint64(eocd.TotalEntries)
	dirSize := uint64(eocd.DirSize)
	dirOffset := uint64(eocd.DirOffset)

	if eocd.NeedsZip64() {
		locOff := eocdOff - zipfmt.Zip64LocatorLen
		if locOff < 0 {
			return fmt.Errorf("%w: zip64 sentinel without locator", ErrFormat)
		}
		var locBuf [zipfmt.Zip64LocatorLen]byte
		if err := r.readFullAt(locBuf[:], locOff); err != nil {
			return fmt.Errorf("read zip64 locator: %w", err)
		}
		loc, err := zipfmt.DecodeZip64Locator(locBuf[:])
		if err != nil {
			return fmt.Errorf("%w: %v", ErrFormat, err)
		}
		if loc.EOCDOffset >= uint64(locOff) {
			return fmt.Errorf("%w: zip64 end of central directory offset %d beyond locator", ErrFormat, loc.EOCDOffset)
		}
		var z64Buf [zipfmt.Zip64EOCDLen]byte
		if err := r.readFullAt(z64Buf[:], int64(loc.EOCDOffset)); err != nil {
			return fmt.Errorf("read zip64 end of central directory: %w", err)
		}
		z64, err := zipfmt.DecodeZip64EOCD(z64Buf[:])
		if err != nil {
			return fmt.Errorf("%w: %v", ErrFormat, err)
		}
		totalEntries = z64.TotalEntries
		dirSize = z64.DirSize
		dirOffset = z64.DirOffset
	}

	if dirOffset+dirSize > uint64(size) {
		return fmt.Errorf("%w: central directory [%d,%d) beyond archive end %d", ErrFormat, dirOffset, dirOffset+dirSize, size)
	}

	dir := make([]byte, dirSize)
	if err := r.readFullAt(dir, int64(dirOffset)); err != nil {
		return fmt.Errorf("read central directory: %w", err)
	}

	r.entries = make([]*Entry, 0, min(totalEntries, 1<<16))
	for len(dir) > 0 {
		h, n, err := zipfmt.DecodeCentralDirectoryHeader(dir)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrFormat, err)
		}
		dir = dir[n:]
		e, err := entryFromHeader(&h)
		if err != nil {
			return err
		}
		if _, dup := r.byName[e.Name]; dup {
			r.warnings = append(r.warnings, fmt.Errorf("%w: %q", ErrDuplicateName, e.Name))
		} else {
			r.byName[e.Name] = len(r.entries)
		}
		r.entries = append(r.entries, e)
	}
	if uint64(len(r.entries)) != totalEntries {
		return fmt.Errorf("%w: central directory lists %d entries, record claims %d", ErrFormat, len(r.entries), totalEntries)
	}
	r.log().Debug("central directory parsed", "entries", len(r.entries), "zip64", eocd.NeedsZip64())
	return nil
}

// entryFromHeader converts a decoded central directory header to an
// Entry, promoting ZIP64 fields and decoding the AES extra.
func entryFromHeader(h *zipfmt.CentralDirectoryHeader) (*Entry, error) {
	e := &Entry{
		Name:             string(h.Name),
		Method:           CompressionMethod(h.Method),
		Modified:         zipfmt.Time(h.ModDate, h.ModTime),
		CRC32:            h.CRC32,
		CompressedSize:   uint64(h.CompressedSize),
		UncompressedSize: uint64(h.UncompressedSize),
		Offset:           uint64(h.LocalHeaderOffset),
		Comment:          string(h.Comment),
		flags:            h.Flags,
	}
	extras, err := zipfmt.ParseExtra(h.Extra,
		h.UncompressedSize == zipfmt.Max32,
		h.CompressedSize == zipfmt.Max32,
		h.LocalHeaderOffset == zipfmt.Max32,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: entry %q: %v", ErrFormat, e.Name, err)
	}
	if z := extras.Zip64; z != nil {
		e.zip64 = true
		if z.HasUncompressed {
			e.UncompressedSize = z.UncompressedSize
		}
		if z.HasCompressed {
			e.CompressedSize = z.CompressedSize
		}
		if z.HasOffset {
			e.Offset = z.Offset
		}
	}
	if h.Method == zipfmt.MethodAES {
		if extras.AES == nil {
			return nil, fmt.Errorf("%w: entry %q: encrypted without aes extra field", ErrFormat, e.Name)
		}
		e.Encrypted = true
		e.aesExtra = extras.AES
		e.Method = CompressionMethod(extras.AES.Method)
	}
	return e, nil
}

// Open returns a streaming reader for the named entry. The stream verifies
// the CRC-32 (or, for encrypted entries, the authentication tag) and
// returns the corresponding error on its terminating read.
func (r *Reader) Open(name string) (io.ReadCloser, error) {
	i, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrEntryNotFound, name)
	}
	return r.OpenIndex(i)
}

// OpenIndex returns a streaming reader for the entry at index i in
// central-directory order.
func (r *Reader) OpenIndex(i int) (io.ReadCloser, error) {
	if i < 0 || i >= len(r.entries) {
		return nil, fmt.Errorf("%w: index %d", ErrEntryNotFound, i)
	}
	e := r.entries[i]

	switch e.Method {
	case Store, Deflate, Zstd:
	default:
		return nil, fmt.Errorf("%w: entry %q uses method %d", ErrUnsupportedMethod, e.Name, uint16(e.Method))
	}

	// The local header is parsed only to locate the entry data; its
	// metadata is not trusted over the central directory.
	var fixed [zipfmt.LocalFileHeaderLen]byte
	if err := r.readFullAt(fixed[:], int64(e.Offset)); err != nil {
		return nil, fmt.Errorf("read local header of %q: %w", e.Name, err)
	}
	_, nameLen, extraLen, err := zipfmt.DecodeLocalFileHeader(fixed[:])
	if err != nil {
		return nil, fmt.Errorf("%w: entry %q: %v", ErrFormat, e.Name, err)
	}
	dataOff := int64(e.Offset) + zipfmt.LocalFileHeaderLen + int64(nameLen) + int64(extraLen)

	section := io.NewSectionReader(r.src, dataOff, int64(e.CompressedSize))
	var src io.Reader = bufio.NewReaderSize(section, r.bufSize)

	if e.Encrypted {
		src, err = r.openDecryptor(e, src)
		if err != nil {
			return nil, err
		}
	}

	var decryptor *winzip.Decryptor
	if d, ok := src.(*winzip.Decryptor); ok {
		decryptor = d
	}
	dec, err := compressor.NewReader(uint16(e.Method), src)
	if err != nil {
		return nil, fmt.Errorf("open decompressor for %q: %w", e.Name, err)
	}
	return &entryReader{
		entry:     e,
		dec:       dec,
		decryptor: decryptor,
		crc:       crc32.NewIEEE(),
	}, nil
}

func (r *Reader) openDecryptor(e *Entry, src io.Reader) (io.Reader, error) {
	if e.aesExtra.Strength != zipfmt.AESStrength256 {
		return nil, fmt.Errorf("%w: entry %q uses AES strength %#02x", ErrUnsupportedMethod, e.Name, e.aesExtra.Strength)
	}
	if e.CompressedSize < winzip.Overhead {
		return nil, fmt.Errorf("%w: entry %q: stored size %d smaller than encryption overhead", ErrFormat, e.Name, e.CompressedSize)
	}
	password := r.password
	if r.passwordFunc != nil {
		if p := r.passwordFunc(e.Name); p != "" {
			password = p
		}
	}
	if password == "" {
		return nil, fmt.Errorf("entry %q: %w", e.Name, ErrPassword)
	}
	dec, err := winzip.NewDecryptor(password, src, e.CompressedSize-winzip.Overhead)
	if err != nil {
		if errors.Is(err, winzip.ErrPassword) {
			return nil, fmt.Errorf("entry %q: %w", e.Name, err)
		}
		return nil, fmt.Errorf("open decryptor for %q: %w", e.Name, err)
	}
	return dec, nil
}

// ReadFile reads the whole named entry into memory.
func (r *Reader) ReadFile(name string) ([]byte, error) {
	rc, err := r.Open(name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	i := r.byName[name]
	buf := make([]byte, 0, min(r.entries[i].UncompressedSize, 1<<30))
	tmp := make([]byte, 32*1024)
	for {
		n, err := rc.Read(tmp)
		buf = append(buf, tmp[:n]...)
		if err == io.EOF {
			return buf, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// entryReader streams one entry's decompressed bytes, accumulating the
// CRC and verifying it on the terminating read. Encrypted entries rely on
// the decryptor's tag check instead; their stored CRC is zero.
type entryReader struct {
	entry     *Entry
	dec       io.ReadCloser
	decryptor *winzip.Decryptor
	crc       hash.Hash32
	produced  uint64
	done      bool
}

func (er *entryReader) Read(p []byte) (int, error) {
	if er.done {
		return 0, io.EOF
	}
	n, err := er.dec.Read(p)
	if n > 0 {
		er.crc.Write(p[:n])
		er.produced += uint64(n)
	}
	if err == io.EOF {
		er.done = true
		if verr := er.verify(); verr != nil {
			return n, verr
		}
	}
	return n, err
}

func (er *entryReader) verify() error {
	if er.decryptor != nil {
		// The decompressor can stop short of the last ciphertext bytes;
		// drain them so the authentication tag is always checked.
		if _, err := io.Copy(io.Discard, er.decryptor); err != nil {
			return fmt.Errorf("entry %q: %w", er.entry.Name, err)
		}
	}
	if er.produced != er.entry.UncompressedSize {
		return fmt.Errorf("%w: entry %q decompressed to %d bytes, want %d",
			ErrFormat, er.entry.Name, er.produced, er.entry.UncompressedSize)
	}
	if er.entry.Encrypted {
		return nil
	}
	if sum := er.crc.Sum32(); sum != er.entry.CRC32 {
		return fmt.Errorf("%w: entry %q has crc %#08x, want %#08x",
			ErrChecksum, er.entry.Name, sum, er.entry.CRC32)
	}
	return nil
}

func (er *entryReader) Close() error {
	return er.dec.Close()
}
