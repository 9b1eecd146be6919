package zipstream

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/meigma/zipstream/internal/compressor"
	"github.com/meigma/zipstream/internal/ioutil"
	"github.com/meigma/zipstream/internal/winzip"
	"github.com/meigma/zipstream/internal/zipfmt"
)

type writerState uint8

const (
	stateReady writerState = iota
	stateEntryOpen
	stateFinished
	stateFailed
)

// Writer produces a ZIP archive on a byte sink.
//
// Entries are written one at a time: StartEntry opens an entry, Write
// streams its data through compression (and encryption when a password is
// set), and FinishEntry seals it. Finish writes the central directory and
// must be called exactly once.
//
// If the sink implements io.Seeker the writer patches each local header
// with the entry's final sizes and CRC. Append-only sinks run in no-patch
// mode: local header size and CRC fields stay as first written (zero, or
// the 0xFFFFFFFF size sentinels when a ZIP64 extra was reserved) and
// readers must use the central directory, which is always authoritative.
//
// A Writer is not safe for concurrent use.
type Writer struct {
	sink   io.Writer
	seeker io.Seeker
	logger *slog.Logger

	method   CompressionMethod
	level    int
	password string
	comment  string

	offset  uint64 // logical sink position, including buffered bytes
	buf     []byte // pending bytes not yet written to the sink
	drained uint64 // bytes actually written to the sink

	entries []*Entry
	aux     []entryAux
	cur     *openEntry
	state   writerState
	err     error
}

// entryAux holds per-entry wire details that are not part of the public
// Entry view.
type entryAux struct {
	wireMethod uint16
	version    uint16
	dosDate    uint16
	dosTime    uint16
}

type openEntry struct {
	entry   Entry
	aux     entryAux
	crc     hash.Hash32
	comp    compressor.Writer
	enc     *winzip.Encryptor
	count   *ioutil.CountingWriter
	hint    uint64
	zip64   bool // zip64 extra reserved in the local header
	nameLen int
}

// NewWriter creates a Writer emitting the archive to sink.
func NewWriter(sink io.Writer, opts ...WriterOption) *Writer {
	w := &Writer{
		sink:   sink,
		method: Deflate,
	}
	if s, ok := sink.(io.Seeker); ok {
		w.seeker = s
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Writer) log() *slog.Logger {
	if w.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return w.logger
}

// SetPassword enables AE-2 encryption for subsequently started entries.
// An empty password disables encryption again.
func (w *Writer) SetPassword(password string) {
	w.password = password
}

// fail moves the writer into its terminal failure state. The first error
// is sticky; every later operation returns it.
func (w *Writer) fail(err error) error {
	if w.state != stateFailed {
		w.state = stateFailed
		w.err = err
	}
	return w.err
}

func (w *Writer) checkState(want writerState) error {
	switch w.state {
	case stateFailed:
		return w.err
	case stateFinished:
		return ErrWriterFinished
	}
	if w.state != want {
		if want == stateEntryOpen {
			return ErrNoEntry
		}
		return ErrEntryOpen
	}
	return nil
}

// push appends p to the flush buffer, draining to the sink when the fill
// threshold is reached. The logical offset advances immediately.
func (w *Writer) push(p []byte) error {
	w.buf = append(w.buf, p...)
	w.offset += uint64(len(p))
	threshold := flushThreshold(0)
	if w.cur != nil {
		threshold = flushThreshold(w.cur.hint)
	}
	if len(w.buf) >= threshold {
		return w.drain()
	}
	return nil
}

// drain writes all buffered bytes to the sink.
func (w *Writer) drain() error {
	for len(w.buf) > 0 {
		n, err := w.sink.Write(w.buf)
		w.drained += uint64(n)
		w.buf = w.buf[n:]
		if err != nil {
			return err
		}
	}
	w.buf = w.buf[:0]
	return nil
}

// pushWriter adapts push to io.Writer for the compression chain.
type pushWriter struct {
	w *Writer
}

func (p pushWriter) Write(b []byte) (int, error) {
	if err := p.w.push(b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// bufferCap selects the initial flush-buffer capacity from the entry size
// hint, between 8 KiB and 512 KiB. The buffer still grows past this when a
// single compressed burst exceeds it.
func bufferCap(hint uint64) int {
	switch {
	case hint == 0:
		return 64 << 10
	case hint < 256<<10:
		return 8 << 10
	case hint < 64<<20:
		return 64 << 10
	case hint < 1<<30:
		return 256 << 10
	default:
		return 512 << 10
	}
}

// flushThreshold selects the buffer fill level that triggers a sink write,
// scaled from the entry size hint. Small entries flush early to keep
// latency down; large entries batch up to 8 MiB per sink write.
func flushThreshold(hint uint64) int {
	switch {
	case hint == 0:
		return 1 << 20
	case hint < 256<<10:
		return 256 << 10
	case hint < 64<<20:
		return 1 << 20
	case hint < 1<<30:
		return 4 << 20
	default:
		return 8 << 20
	}
}

func validateName(name string) error {
	if name == "" || strings.ContainsRune(name, 0) || !utf8.ValidString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if len(name) > zipfmt.Max16 {
		return fmt.Errorf("%w: %d bytes", ErrNameTooLong, len(name))
	}
	return nil
}

// StartEntry opens a new entry. The local header is written immediately
// with placeholder sizes; FinishEntry patches it once the data is known.
func (w *Writer) StartEntry(name string, opts ...EntryOption) error {
	if err := w.checkState(stateReady); err != nil {
		return err
	}
	if err := validateName(name); err != nil {
		return err
	}

	cfg := entryConfig{
		method:   w.method,
		level:    w.level,
		modified: time.Now(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if !compressor.ValidLevel(uint16(cfg.method), cfg.level) {
		return fmt.Errorf("%w: level %d for %s", ErrUnsupportedMethod, cfg.level, cfg.method)
	}

	oe := &openEntry{
		entry: Entry{
			Name:      name,
			Method:    cfg.method,
			Modified:  cfg.modified,
			Offset:    w.offset,
			Encrypted: w.password != "",
			flags:     zipfmt.FlagUTF8,
		},
		crc:     crc32.NewIEEE(),
		hint:    cfg.sizeHint,
		nameLen: len(name),
	}
	if c := bufferCap(cfg.sizeHint); cap(w.buf) < c {
		w.buf = append(make([]byte, 0, c), w.buf...)
	}
	oe.aux.dosDate, oe.aux.dosTime = zipfmt.DOSTime(cfg.modified)
	oe.aux.wireMethod = uint16(cfg.method)
	oe.aux.version = versionNeeded(cfg.method, false, oe.entry.Encrypted)
	if oe.entry.Encrypted {
		oe.aux.wireMethod = zipfmt.MethodAES
	}
	// Entries announced as 4 GiB or larger get a ZIP64 extra reserved in
	// the local header so patching can record the real 64-bit sizes.
	oe.zip64 = cfg.sizeHint >= zipfmt.Max32

	hdr := w.localHeader(oe)
	if err := w.push(hdr); err != nil {
		return w.fail(fmt.Errorf("write local header: %w", err))
	}

	// Build the per-entry pipeline: data flows caller → compressor →
	// encryptor → flush buffer → sink. The counter sits where compressed
	// (and encrypted) bytes enter the buffer, so it observes the entry's
	// stored size including AE-2 overhead.
	oe.count = &ioutil.CountingWriter{W: pushWriter{w}}
	var dst io.Writer = oe.count
	if oe.entry.Encrypted {
		enc, err := winzip.NewEncryptor(w.password, oe.count)
		if err != nil {
			return w.fail(err)
		}
		oe.enc = enc
		dst = enc
	}
	comp, err := compressor.NewWriter(uint16(cfg.method), cfg.level, dst)
	if err != nil {
		return w.fail(err)
	}
	oe.comp = comp

	w.cur = oe
	w.state = stateEntryOpen
	return nil
}

// localHeader encodes the local file header for oe with placeholder CRC
// and size fields.
func (w *Writer) localHeader(oe *openEntry) []byte {
	var extra []byte
	if oe.zip64 {
		z := zipfmt.Zip64Extra{HasUncompressed: true, HasCompressed: true}
		extra = z.Encode(extra)
		oe.aux.version = versionNeeded(oe.entry.Method, true, oe.entry.Encrypted)
	}
	if oe.entry.Encrypted {
		a := zipfmt.AESExtra{
			VendorVersion: zipfmt.AESVendorVersion,
			Strength:      zipfmt.AESStrength256,
			Method:        uint16(oe.entry.Method),
		}
		extra = a.Encode(extra)
	}

	h := zipfmt.LocalFileHeader{
		Version: oe.aux.version,
		Flags:   oe.entry.flags,
		Method:  oe.aux.wireMethod,
		ModTime: oe.aux.dosTime,
		ModDate: oe.aux.dosDate,
		Name:    []byte(oe.entry.Name),
		Extra:   extra,
	}
	if oe.zip64 {
		h.CompressedSize = zipfmt.Max32
		h.UncompressedSize = zipfmt.Max32
	}
	return h.Encode(nil)
}

func versionNeeded(method CompressionMethod, zip64, encrypted bool) uint16 {
	v := zipfmt.VersionDefault
	if zip64 {
		v = zipfmt.VersionZip64
	}
	if encrypted && zipfmt.VersionAES > v {
		v = zipfmt.VersionAES
	}
	if method == Zstd && zipfmt.VersionZstd > v {
		v = zipfmt.VersionZstd
	}
	return v
}

// Write streams uncompressed entry data through the pipeline.
func (w *Writer) Write(p []byte) (int, error) {
	if err := w.checkState(stateEntryOpen); err != nil {
		return 0, err
	}
	oe := w.cur
	oe.crc.Write(p)
	if _, err := oe.comp.Write(p); err != nil {
		return 0, w.fail(fmt.Errorf("compress %q: %w", oe.entry.Name, err))
	}
	oe.entry.UncompressedSize += uint64(len(p))
	return len(p), nil
}

// FinishEntry seals the open entry: it flushes the compression and
// encryption pipeline, patches the local header when the sink is
// seekable, and appends the entry to the in-memory central directory.
func (w *Writer) FinishEntry() error {
	if err := w.checkState(stateEntryOpen); err != nil {
		return err
	}
	oe := w.cur
	if err := oe.comp.Close(); err != nil {
		return w.fail(fmt.Errorf("finish compress %q: %w", oe.entry.Name, err))
	}
	if oe.enc != nil {
		if err := oe.enc.Close(); err != nil {
			return w.fail(fmt.Errorf("finish encrypt %q: %w", oe.entry.Name, err))
		}
	}

	oe.entry.CompressedSize = oe.count.N
	if !oe.entry.Encrypted {
		oe.entry.CRC32 = oe.crc.Sum32()
	}
	oe.entry.zip64 = oe.entry.CompressedSize >= zipfmt.Max32 ||
		oe.entry.UncompressedSize >= zipfmt.Max32 ||
		oe.entry.Offset >= zipfmt.Max32

	if w.seeker != nil {
		if err := w.patchLocalHeader(oe); err != nil {
			return w.fail(fmt.Errorf("patch local header %q: %w", oe.entry.Name, err))
		}
	}

	if oe.entry.zip64 || oe.zip64 {
		oe.aux.version = versionNeeded(oe.entry.Method, true, oe.entry.Encrypted)
	}
	entry := oe.entry
	w.entries = append(w.entries, &entry)
	w.aux = append(w.aux, oe.aux)
	w.cur = nil
	w.state = stateReady
	w.log().Debug("entry sealed",
		"name", entry.Name,
		"method", entry.Method.String(),
		"uncompressed", entry.UncompressedSize,
		"compressed", entry.CompressedSize,
	)
	return nil
}

// patchLocalHeader seeks back and fills in the CRC and size fields of the
// entry's local header. Values that overflowed 32 bits are written as
// sentinels; when a ZIP64 extra was reserved the 64-bit values land there.
func (w *Writer) patchLocalHeader(oe *openEntry) error {
	if err := w.drain(); err != nil {
		return err
	}

	var fields [12]byte
	le := binary.LittleEndian
	le.PutUint32(fields[0:4], oe.entry.CRC32)
	le.PutUint32(fields[4:8], size32(oe.entry.CompressedSize))
	le.PutUint32(fields[8:12], size32(oe.entry.UncompressedSize))
	if oe.zip64 {
		le.PutUint32(fields[4:8], zipfmt.Max32)
		le.PutUint32(fields[8:12], zipfmt.Max32)
	}
	// CRC and sizes start 14 bytes into the local header.
	if _, err := w.seeker.Seek(int64(oe.entry.Offset)+14, io.SeekStart); err != nil {
		return err
	}
	if _, err := w.sink.Write(fields[:]); err != nil {
		return err
	}

	if oe.zip64 {
		var wide [16]byte
		le.PutUint64(wide[0:8], oe.entry.UncompressedSize)
		le.PutUint64(wide[8:16], oe.entry.CompressedSize)
		// The reserved ZIP64 extra sits first in the extra area, after
		// its 4-byte tag and size prefix.
		extraOff := int64(oe.entry.Offset) + zipfmt.LocalFileHeaderLen + int64(oe.nameLen) + 4
		if _, err := w.seeker.Seek(extraOff, io.SeekStart); err != nil {
			return err
		}
		if _, err := w.sink.Write(wide[:]); err != nil {
			return err
		}
	}

	_, err := w.seeker.Seek(int64(w.drained), io.SeekStart)
	return err
}

func size32(v uint64) uint32 {
	if v >= zipfmt.Max32 {
		return zipfmt.Max32
	}
	return uint32(v)
}

// AddEntry writes a whole entry from r, honoring ctx between chunks.
func (w *Writer) AddEntry(ctx context.Context, name string, r io.Reader, opts ...EntryOption) error {
	if err := w.StartEntry(name, opts...); err != nil {
		return err
	}
	if _, err := ioutil.CopyWithContext(ctx, w, r, nil); err != nil {
		return w.fail(fmt.Errorf("copy %q: %w", name, err))
	}
	return w.FinishEntry()
}

// addRaw appends an already-compressed entry: the local header is written
// with final values, data is copied verbatim, and no patching is needed.
// This is the drain path of the parallel writer.
func (w *Writer) addRaw(name string, modified time.Time, method CompressionMethod, crc uint32, uncompressedSize uint64, data []byte) error {
	if err := w.checkState(stateReady); err != nil {
		return err
	}
	if err := validateName(name); err != nil {
		return err
	}

	entry := Entry{
		Name:             name,
		Method:           method,
		Modified:         modified,
		CRC32:            crc,
		CompressedSize:   uint64(len(data)),
		UncompressedSize: uncompressedSize,
		Offset:           w.offset,
		flags:            zipfmt.FlagUTF8,
	}
	entry.zip64 = entry.Offset >= zipfmt.Max32
	aux := entryAux{
		wireMethod: uint16(method),
		version:    versionNeeded(method, entry.zip64, false),
	}
	aux.dosDate, aux.dosTime = zipfmt.DOSTime(modified)

	h := zipfmt.LocalFileHeader{
		Version:          aux.version,
		Flags:            entry.flags,
		Method:           aux.wireMethod,
		ModTime:          aux.dosTime,
		ModDate:          aux.dosDate,
		CRC32:            crc,
		CompressedSize:   size32(entry.CompressedSize),
		UncompressedSize: size32(entry.UncompressedSize),
		Name:             []byte(name),
	}
	if err := w.push(h.Encode(nil)); err != nil {
		return w.fail(fmt.Errorf("write local header: %w", err))
	}
	if err := w.push(data); err != nil {
		return w.fail(fmt.Errorf("write entry data: %w", err))
	}
	e := entry
	w.entries = append(w.entries, &e)
	w.aux = append(w.aux, aux)
	return nil
}

// Finish seals any open entry, writes the central directory and the
// end-of-central-directory records, and flushes the sink. Calling Finish
// a second time returns ErrWriterFinished.
func (w *Writer) Finish() error {
	switch w.state {
	case stateFailed:
		return w.err
	case stateFinished:
		return ErrWriterFinished
	case stateEntryOpen:
		if err := w.FinishEntry(); err != nil {
			return err
		}
	}

	dirOffset := w.offset
	for i, e := range w.entries {
		if err := w.push(w.centralHeader(e, &w.aux[i])); err != nil {
			return w.fail(fmt.Errorf("write central directory: %w", err))
		}
	}
	dirSize := w.offset - dirOffset

	needZip64 := len(w.entries) > zipfmt.Max16-1 ||
		dirOffset >= zipfmt.Max32 || dirSize >= zipfmt.Max32
	if needZip64 {
		z := zipfmt.Zip64EOCD{
			VersionMadeBy: zipfmt.VersionZip64,
			Version:       zipfmt.VersionZip64,
			DiskEntries:   uint64(len(w.entries)),
			TotalEntries:  uint64(len(w.entries)),
			DirSize:       dirSize,
			DirOffset:     dirOffset,
		}
		loc := zipfmt.Zip64Locator{EOCDOffset: w.offset, TotalDisks: 1}
		if err := w.push(loc.Encode(z.Encode(nil))); err != nil {
			return w.fail(fmt.Errorf("write zip64 records: %w", err))
		}
	}

	eocd := zipfmt.EOCD{
		DiskEntries:  count16(len(w.entries)),
		TotalEntries: count16(len(w.entries)),
		DirSize:      size32(dirSize),
		DirOffset:    size32(dirOffset),
		Comment:      []byte(w.comment),
	}
	if err := w.push(eocd.Encode(nil)); err != nil {
		return w.fail(fmt.Errorf("write end of central directory: %w", err))
	}

	if err := w.drain(); err != nil {
		return w.fail(err)
	}
	if f, ok := w.sink.(Flusher); ok {
		if err := f.Flush(); err != nil {
			return w.fail(fmt.Errorf("flush sink: %w", err))
		}
	}
	w.state = stateFinished
	w.log().Debug("archive finished",
		"entries", len(w.entries),
		"size", w.offset,
		"zip64", needZip64,
	)
	return nil
}

func count16(n int) uint16 {
	if n > zipfmt.Max16-1 {
		return zipfmt.Max16
	}
	return uint16(n)
}

// centralHeader encodes the central directory record for e.
func (w *Writer) centralHeader(e *Entry, aux *entryAux) []byte {
	var extra []byte
	z := zipfmt.Zip64Extra{
		UncompressedSize: e.UncompressedSize,
		CompressedSize:   e.CompressedSize,
		Offset:           e.Offset,
		HasUncompressed:  e.UncompressedSize >= zipfmt.Max32,
		HasCompressed:    e.CompressedSize >= zipfmt.Max32,
		HasOffset:        e.Offset >= zipfmt.Max32,
	}
	extra = z.Encode(extra)
	if e.Encrypted {
		a := zipfmt.AESExtra{
			VendorVersion: zipfmt.AESVendorVersion,
			Strength:      zipfmt.AESStrength256,
			Method:        uint16(e.Method),
		}
		extra = a.Encode(extra)
	}

	h := zipfmt.CentralDirectoryHeader{
		VersionMadeBy:     aux.version,
		Version:           aux.version,
		Flags:             e.flags,
		Method:            aux.wireMethod,
		ModTime:           aux.dosTime,
		ModDate:           aux.dosDate,
		CRC32:             e.CRC32,
		CompressedSize:    size32(e.CompressedSize),
		UncompressedSize:  size32(e.UncompressedSize),
		LocalHeaderOffset: size32(e.Offset),
		Name:              []byte(e.Name),
		Extra:             extra,
		Comment:           []byte(e.Comment),
	}
	return h.Encode(nil)
}
