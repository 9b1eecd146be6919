// Package zipfmt implements the binary layouts of the PKZIP APPNOTE
// structures used by the archive writer and reader: local file headers,
// central directory headers, the end-of-central-directory record and its
// ZIP64 variants, and the extra-field records. All multi-byte fields are
// little-endian.
package zipfmt

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Record signatures. Every signature begins with the two-byte marker
// 0x4b50 ("PK").
const (
	SigLocalFileHeader  uint32 = 0x04034b50
	SigCentralDirectory uint32 = 0x02014b50
	SigEOCD             uint32 = 0x06054b50
	SigZip64EOCD        uint32 = 0x06064b50
	SigZip64Locator     uint32 = 0x07064b50
)

// Compression method identifiers.
const (
	MethodStore   uint16 = 0
	MethodDeflate uint16 = 8
	MethodZstd    uint16 = 93
	MethodAES     uint16 = 99
)

// General purpose bit flags.
const (
	FlagUTF8 uint16 = 0x0800
)

// Version-needed-to-extract values.
const (
	VersionDefault uint16 = 20
	VersionZip64   uint16 = 45
	VersionAES     uint16 = 51
	VersionZstd    uint16 = 63
)

// Sentinel values signalling that the real value lives in a ZIP64 record.
const (
	Max16 = 0xffff
	Max32 = 0xffffffff
)

// Fixed record sizes, excluding variable-length tails.
const (
	LocalFileHeaderLen  = 30
	CentralDirectoryLen = 46
	EOCDLen             = 22
	Zip64EOCDLen        = 56
	Zip64LocatorLen     = 20

	// MaxCommentLen bounds the EOCD comment, and with it the window an
	// EOCD search must cover from the end of an archive.
	MaxCommentLen  = Max16
	EOCDSearchSpan = EOCDLen + MaxCommentLen
)

// ErrSignature is returned when a record does not start with the expected
// signature.
var ErrSignature = errors.New("zipfmt: bad record signature")

// ErrTruncated is returned when a record is shorter than its fixed layout.
var ErrTruncated = errors.New("zipfmt: truncated record")

// LocalFileHeader is the 30-byte record preceding each entry's data.
type LocalFileHeader struct {
	Version          uint16
	Flags            uint16
	Method           uint16
	ModTime          uint16
	ModDate          uint16
	CRC32            uint32
	CompressedSize   uint32
	UncompressedSize uint32
	Name             []byte
	Extra            []byte
}

// Encode appends the encoded header to dst and returns the extended slice.
func (h *LocalFileHeader) Encode(dst []byte) []byte {
	var fixed [LocalFileHeaderLen]byte
	le := binary.LittleEndian
	le.PutUint32(fixed[0:4], SigLocalFileHeader)
	le.PutUint16(fixed[4:6], h.Version)
	le.PutUint16(fixed[6:8], h.Flags)
	le.PutUint16(fixed[8:10], h.Method)
	le.PutUint16(fixed[10:12], h.ModTime)
	le.PutUint16(fixed[12:14], h.ModDate)
	le.PutUint32(fixed[14:18], h.CRC32)
	le.PutUint32(fixed[18:22], h.CompressedSize)
	le.PutUint32(fixed[22:26], h.UncompressedSize)
	le.PutUint16(fixed[26:28], uint16(len(h.Name)))
	le.PutUint16(fixed[28:30], uint16(len(h.Extra)))
	dst = append(dst, fixed[:]...)
	dst = append(dst, h.Name...)
	dst = append(dst, h.Extra...)
	return dst
}

// DecodeLocalFileHeader parses the 30 fixed bytes of a local file header.
// The name and extra areas follow the fixed portion in the stream; their
// lengths are returned so the caller can consume or skip them.
func DecodeLocalFileHeader(b []byte) (h LocalFileHeader, nameLen, extraLen int, err error) {
	if len(b) < LocalFileHeaderLen {
		return h, 0, 0, ErrTruncated
	}
	le := binary.LittleEndian
	if sig := le.Uint32(b[0:4]); sig != SigLocalFileHeader {
		return h, 0, 0, fmt.Errorf("%w: got %#08x, want local file header", ErrSignature, sig)
	}
	h.Version = le.Uint16(b[4:6])
	h.Flags = le.Uint16(b[6:8])
	h.Method = le.Uint16(b[8:10])
	h.ModTime = le.Uint16(b[10:12])
	h.ModDate = le.Uint16(b[12:14])
	h.CRC32 = le.Uint32(b[14:18])
	h.CompressedSize = le.Uint32(b[18:22])
	h.UncompressedSize = le.Uint32(b[22:26])
	nameLen = int(le.Uint16(b[26:28]))
	extraLen = int(le.Uint16(b[28:30]))
	return h, nameLen, extraLen, nil
}

// CentralDirectoryHeader is the 46-byte record describing one entry in the
// central directory.
type CentralDirectoryHeader struct {
	VersionMadeBy     uint16
	Version           uint16
	Flags             uint16
	Method            uint16
	ModTime           uint16
	ModDate           uint16
	CRC32             uint32
	CompressedSize    uint32
	UncompressedSize  uint32
	DiskNumber        uint16
	InternalAttrs     uint16
	ExternalAttrs     uint32
	LocalHeaderOffset uint32
	Name              []byte
	Extra             []byte
	Comment           []byte
}

// Encode appends the encoded header to dst and returns the extended slice.
func (h *CentralDirectoryHeader) Encode(dst []byte) []byte {
	var fixed [CentralDirectoryLen]byte
	le := binary.LittleEndian
	le.PutUint32(fixed[0:4], SigCentralDirectory)
	le.PutUint16(fixed[4:6], h.VersionMadeBy)
	le.PutUint16(fixed[6:8], h.Version)
	le.PutUint16(fixed[8:10], h.Flags)
	le.PutUint16(fixed[10:12], h.Method)
	le.PutUint16(fixed[12:14], h.ModTime)
	le.PutUint16(fixed[14:16], h.ModDate)
	le.PutUint32(fixed[16:20], h.CRC32)
	le.PutUint32(fixed[20:24], h.CompressedSize)
	le.PutUint32(fixed[24:28], h.UncompressedSize)
	le.PutUint16(fixed[28:30], uint16(len(h.Name)))
	le.PutUint16(fixed[30:32], uint16(len(h.Extra)))
	le.PutUint16(fixed[32:34], uint16(len(h.Comment)))
	le.PutUint16(fixed[34:36], h.DiskNumber)
	le.PutUint16(fixed[36:38], h.InternalAttrs)
	le.PutUint32(fixed[38:42], h.ExternalAttrs)
	le.PutUint32(fixed[42:46], h.LocalHeaderOffset)
	dst = append(dst, fixed[:]...)
	dst = append(dst, h.Name...)
	dst = append(dst, h.Extra...)
	dst = append(dst, h.Comment...)
	return dst
}

// DecodeCentralDirectoryHeader parses one central directory header from b,
// including its variable-length tail, and returns the total number of bytes
// consumed.
func DecodeCentralDirectoryHeader(b []byte) (h CentralDirectoryHeader, n int, err error) {
	if len(b) < CentralDirectoryLen {
		return h, 0, ErrTruncated
	}
	le := binary.LittleEndian
	if sig := le.Uint32(b[0:4]); sig != SigCentralDirectory {
		return h, 0, fmt.Errorf("%w: got %#08x, want central directory header", ErrSignature, sig)
	}
	h.VersionMadeBy = le.Uint16(b[4:6])
	h.Version = le.Uint16(b[6:8])
	h.Flags = le.Uint16(b[8:10])
	h.Method = le.Uint16(b[10:12])
	h.ModTime = le.Uint16(b[12:14])
	h.ModDate = le.Uint16(b[14:16])
	h.CRC32 = le.Uint32(b[16:20])
	h.CompressedSize = le.Uint32(b[20:24])
	h.UncompressedSize = le.Uint32(b[24:28])
	nameLen := int(le.Uint16(b[28:30]))
	extraLen := int(le.Uint16(b[30:32]))
	commentLen := int(le.Uint16(b[32:34]))
	h.DiskNumber = le.Uint16(b[34:36])
	h.InternalAttrs = le.Uint16(b[36:38])
	h.ExternalAttrs = le.Uint32(b[38:42])
	h.LocalHeaderOffset = le.Uint32(b[42:46])

	n = CentralDirectoryLen + nameLen + extraLen + commentLen
	if len(b) < n {
		return h, 0, ErrTruncated
	}
	h.Name = b[CentralDirectoryLen : CentralDirectoryLen+nameLen]
	h.Extra = b[CentralDirectoryLen+nameLen : CentralDirectoryLen+nameLen+extraLen]
	h.Comment = b[n-commentLen : n]
	return h, n, nil
}

// EOCD is the classic 22-byte end-of-central-directory record.
type EOCD struct {
	DiskNumber    uint16
	DirDiskNumber uint16
	DiskEntries   uint16
	TotalEntries  uint16
	DirSize       uint32
	DirOffset     uint32
	Comment       []byte
}

// Encode appends the encoded record to dst and returns the extended slice.
func (e *EOCD) Encode(dst []byte) []byte {
	var fixed [EOCDLen]byte
	le := binary.LittleEndian
	le.PutUint32(fixed[0:4], SigEOCD)
	le.PutUint16(fixed[4:6], e.DiskNumber)
	le.PutUint16(fixed[6:8], e.DirDiskNumber)
	le.PutUint16(fixed[8:10], e.DiskEntries)
	le.PutUint16(fixed[10:12], e.TotalEntries)
	le.PutUint32(fixed[12:16], e.DirSize)
	le.PutUint32(fixed[16:20], e.DirOffset)
	le.PutUint16(fixed[20:22], uint16(len(e.Comment)))
	dst = append(dst, fixed[:]...)
	dst = append(dst, e.Comment...)
	return dst
}

// DecodeEOCD parses an EOCD record from b. The comment must fit within b;
// a comment length pointing past the end of b is a truncation error.
func DecodeEOCD(b []byte) (e EOCD, err error) {
	if len(b) < EOCDLen {
		return e, ErrTruncated
	}
	le := binary.LittleEndian
	if sig := le.Uint32(b[0:4]); sig != SigEOCD {
		return e, fmt.Errorf("%w: got %#08x, want end of central directory", ErrSignature, sig)
	}
	e.DiskNumber = le.Uint16(b[4:6])
	e.DirDiskNumber = le.Uint16(b[6:8])
	e.DiskEntries = le.Uint16(b[8:10])
	e.TotalEntries = le.Uint16(b[10:12])
	e.DirSize = le.Uint32(b[12:16])
	e.DirOffset = le.Uint32(b[16:20])
	commentLen := int(le.Uint16(b[20:22]))
	if len(b) < EOCDLen+commentLen {
		return e, ErrTruncated
	}
	e.Comment = b[EOCDLen : EOCDLen+commentLen]
	return e, nil
}

// NeedsZip64 reports whether any field of the record carries a ZIP64
// sentinel, meaning the real values live in a ZIP64 EOCD record.
func (e *EOCD) NeedsZip64() bool {
	return e.TotalEntries == Max16 || e.DiskEntries == Max16 ||
		e.DirSize == Max32 || e.DirOffset == Max32
}

// Zip64EOCD is the 56-byte ZIP64 end-of-central-directory record.
type Zip64EOCD struct {
	VersionMadeBy uint16
	Version       uint16
	DiskNumber    uint32
	DirDiskNumber uint32
	DiskEntries   uint64
	TotalEntries  uint64
	DirSize       uint64
	DirOffset     uint64
}

// zip64EOCDRemainder is the value of the "size of this record" field: the
// fixed record length minus the signature and the size field itself.
const zip64EOCDRemainder = Zip64EOCDLen - 12

// Encode appends the encoded record to dst and returns the extended slice.
func (e *Zip64EOCD) Encode(dst []byte) []byte {
	var fixed [Zip64EOCDLen]byte
	le := binary.LittleEndian
	le.PutUint32(fixed[0:4], SigZip64EOCD)
	le.PutUint64(fixed[4:12], zip64EOCDRemainder)
	le.PutUint16(fixed[12:14], e.VersionMadeBy)
	le.PutUint16(fixed[14:16], e.Version)
	le.PutUint32(fixed[16:20], e.DiskNumber)
	le.PutUint32(fixed[20:24], e.DirDiskNumber)
	le.PutUint64(fixed[24:32], e.DiskEntries)
	le.PutUint64(fixed[32:40], e.TotalEntries)
	le.PutUint64(fixed[40:48], e.DirSize)
	le.PutUint64(fixed[48:56], e.DirOffset)
	return append(dst, fixed[:]...)
}

// DecodeZip64EOCD parses a ZIP64 EOCD record from b. Versions of the record
// longer than the fixed layout (the "version 2" extensible area) are
// accepted; the extension bytes are ignored.
func DecodeZip64EOCD(b []byte) (e Zip64EOCD, err error) {
	if len(b) < Zip64EOCDLen {
		return e, ErrTruncated
	}
	le := binary.LittleEndian
	if sig := le.Uint32(b[0:4]); sig != SigZip64EOCD {
		return e, fmt.Errorf("%w: got %#08x, want zip64 end of central directory", ErrSignature, sig)
	}
	if size := le.Uint64(b[4:12]); size < zip64EOCDRemainder {
		return e, fmt.Errorf("zipfmt: zip64 end of central directory record size %d too small", size)
	}
	e.VersionMadeBy = le.Uint16(b[12:14])
	e.Version = le.Uint16(b[14:16])
	e.DiskNumber = le.Uint32(b[16:20])
	e.DirDiskNumber = le.Uint32(b[20:24])
	e.DiskEntries = le.Uint64(b[24:32])
	e.TotalEntries = le.Uint64(b[32:40])
	e.DirSize = le.Uint64(b[40:48])
	e.DirOffset = le.Uint64(b[48:56])
	return e, nil
}

// Zip64Locator is the 20-byte record pointing at the ZIP64 EOCD. It sits
// immediately before the classic EOCD.
type Zip64Locator struct {
	EOCDDiskNumber uint32
	EOCDOffset     uint64
	TotalDisks     uint32
}

// Encode appends the encoded record to dst and returns the extended slice.
func (l *Zip64Locator) Encode(dst []byte) []byte {
	var fixed [Zip64LocatorLen]byte
	le := binary.LittleEndian
	le.PutUint32(fixed[0:4], SigZip64Locator)
	le.PutUint32(fixed[4:8], l.EOCDDiskNumber)
	le.PutUint64(fixed[8:16], l.EOCDOffset)
	le.PutUint32(fixed[16:20], l.TotalDisks)
	return append(dst, fixed[:]...)
}

// DecodeZip64Locator parses a ZIP64 EOCD locator from b.
func DecodeZip64Locator(b []byte) (l Zip64Locator, err error) {
	if len(b) < Zip64LocatorLen {
		return l, ErrTruncated
	}
	le := binary.LittleEndian
	if sig := le.Uint32(b[0:4]); sig != SigZip64Locator {
		return l, fmt.Errorf("%w: got %#08x, want zip64 locator", ErrSignature, sig)
	}
	l.EOCDDiskNumber = le.Uint32(b[4:8])
	l.EOCDOffset = le.Uint64(b[8:16])
	l.TotalDisks = le.Uint32(b[16:20])
	return l, nil
}

// FindEOCD scans b backwards for the EOCD signature and returns the offset
// of the record within b, or -1 when no candidate survives validation. A
// candidate is accepted only when its comment length reaches exactly the
// end of b, which rejects signature bytes occurring inside entry data.
func FindEOCD(b []byte) int {
	le := binary.LittleEndian
	for i := len(b) - EOCDLen; i >= 0; i-- {
		if le.Uint32(b[i:i+4]) != SigEOCD {
			continue
		}
		commentLen := int(le.Uint16(b[i+20 : i+22]))
		if i+EOCDLen+commentLen == len(b) {
			return i
		}
	}
	return -1
}
