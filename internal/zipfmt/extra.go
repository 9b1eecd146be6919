package zipfmt

import (
	"encoding/binary"
	"fmt"
)

// Extra-field tags understood by this package. Unknown tags are skipped.
const (
	TagZip64 uint16 = 0x0001
	TagAES   uint16 = 0x9901
)

// AES extra-field constants for the WinZip AE-2 scheme.
const (
	AESVendorVersion uint16 = 2      // AE-2: header CRC is zero
	AESVendorID      uint16 = 0x4541 // "AE" little-endian
	AESStrength256   byte   = 0x03
	AESExtraLen             = 11 // tag(2) + size(2) + version(2) + vendor(2) + strength(1) + method(2)
)

// Zip64Extra carries the 64-bit values whose 32-bit fields overflowed.
// A Has* flag records which values are present; the wire order is
// uncompressed size, compressed size, local header offset.
type Zip64Extra struct {
	UncompressedSize uint64
	CompressedSize   uint64
	Offset           uint64

	HasUncompressed bool
	HasCompressed   bool
	HasOffset       bool
}

// Encode appends the extra-field record to dst and returns the extended
// slice. Encoding an empty extra is a no-op.
func (z *Zip64Extra) Encode(dst []byte) []byte {
	size := z.size()
	if size == 0 {
		return dst
	}
	var hdr [4]byte
	le := binary.LittleEndian
	le.PutUint16(hdr[0:2], TagZip64)
	le.PutUint16(hdr[2:4], uint16(size))
	dst = append(dst, hdr[:]...)
	var field [8]byte
	if z.HasUncompressed {
		le.PutUint64(field[:], z.UncompressedSize)
		dst = append(dst, field[:]...)
	}
	if z.HasCompressed {
		le.PutUint64(field[:], z.CompressedSize)
		dst = append(dst, field[:]...)
	}
	if z.HasOffset {
		le.PutUint64(field[:], z.Offset)
		dst = append(dst, field[:]...)
	}
	return dst
}

func (z *Zip64Extra) size() int {
	n := 0
	if z.HasUncompressed {
		n += 8
	}
	if z.HasCompressed {
		n += 8
	}
	if z.HasOffset {
		n += 8
	}
	return n
}

// EncodedLen returns the full wire length of the record including the
// tag and size prefix, or zero when nothing is present.
func (z *Zip64Extra) EncodedLen() int {
	if n := z.size(); n > 0 {
		return 4 + n
	}
	return 0
}

// AESExtra is the tag 0x9901 record describing WinZip AES encryption.
type AESExtra struct {
	VendorVersion uint16 // 1 = AE-1, 2 = AE-2
	Strength      byte   // 0x01 AES-128, 0x02 AES-192, 0x03 AES-256
	Method        uint16 // actual compression method of the entry data
}

// Encode appends the extra-field record to dst and returns the extended slice.
func (a *AESExtra) Encode(dst []byte) []byte {
	var b [AESExtraLen]byte
	le := binary.LittleEndian
	le.PutUint16(b[0:2], TagAES)
	le.PutUint16(b[2:4], AESExtraLen-4)
	le.PutUint16(b[4:6], a.VendorVersion)
	le.PutUint16(b[6:8], AESVendorID)
	b[8] = a.Strength
	le.PutUint16(b[9:11], a.Method)
	return append(dst, b[:]...)
}

// ExtraFields holds the recognized records parsed out of an extra area.
type ExtraFields struct {
	Zip64 *Zip64Extra
	AES   *AESExtra
}

// ParseExtra walks an extra area and decodes the records this package
// understands. The caller states which 32-bit header fields carried the
// ZIP64 sentinel; only those are promoted, in the order mandated by the
// format. Unknown tags are skipped. A record whose declared size runs past
// the end of the area is a format error.
func ParseExtra(b []byte, needUncompressed, needCompressed, needOffset bool) (ExtraFields, error) {
	var out ExtraFields
	le := binary.LittleEndian
	for len(b) > 0 {
		if len(b) < 4 {
			return out, fmt.Errorf("zipfmt: extra field: %w", ErrTruncated)
		}
		tag := le.Uint16(b[0:2])
		size := int(le.Uint16(b[2:4]))
		b = b[4:]
		if size > len(b) {
			return out, fmt.Errorf("zipfmt: extra field tag %#04x: declared size %d exceeds area", tag, size)
		}
		body := b[:size]
		b = b[size:]

		switch tag {
		case TagZip64:
			z, err := parseZip64Extra(body, needUncompressed, needCompressed, needOffset)
			if err != nil {
				return out, err
			}
			out.Zip64 = z
		case TagAES:
			a, err := parseAESExtra(body)
			if err != nil {
				return out, err
			}
			out.AES = a
		}
	}
	return out, nil
}

func parseZip64Extra(b []byte, needUncompressed, needCompressed, needOffset bool) (*Zip64Extra, error) {
	le := binary.LittleEndian
	z := &Zip64Extra{}
	take := func() (uint64, error) {
		if len(b) < 8 {
			return 0, fmt.Errorf("zipfmt: zip64 extra field: %w", ErrTruncated)
		}
		v := le.Uint64(b[:8])
		b = b[8:]
		return v, nil
	}
	var err error
	if needUncompressed {
		if z.UncompressedSize, err = take(); err != nil {
			return nil, err
		}
		z.HasUncompressed = true
	}
	if needCompressed {
		if z.CompressedSize, err = take(); err != nil {
			return nil, err
		}
		z.HasCompressed = true
	}
	if needOffset {
		if z.Offset, err = take(); err != nil {
			return nil, err
		}
		z.HasOffset = true
	}
	return z, nil
}

func parseAESExtra(b []byte) (*AESExtra, error) {
	if len(b) < 7 {
		return nil, fmt.Errorf("zipfmt: aes extra field: %w", ErrTruncated)
	}
	le := binary.LittleEndian
	a := &AESExtra{
		VendorVersion: le.Uint16(b[0:2]),
		Strength:      b[4],
		Method:        le.Uint16(b[5:7]),
	}
	if vendor := le.Uint16(b[2:4]); vendor != AESVendorID {
		return nil, fmt.Errorf("zipfmt: aes extra field: unknown vendor %#04x", vendor)
	}
	if a.VendorVersion != 1 && a.VendorVersion != 2 {
		return nil, fmt.Errorf("zipfmt: aes extra field: unsupported version %d", a.VendorVersion)
	}
	return a, nil
}
