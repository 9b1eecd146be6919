package zipstream

import (
	"bytes"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/zipstream/internal/zipfmt"
)

func TestReader_NotAnArchive(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"too short", []byte("PK")},
		{"no eocd", bytes.Repeat([]byte{0x55}, 4096)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewReader(NewBytesSource(tt.data))
			assert.ErrorIs(t, err, ErrFormat)
		})
	}
}

func TestReader_EntryNotFound(t *testing.T) {
	t.Parallel()

	sink := writeArchive(t, nil, [2]string{"present", "x"})
	r, err := NewReader(NewBytesSource(sink.Bytes()))
	require.NoError(t, err)

	_, err = r.Open("absent")
	assert.ErrorIs(t, err, ErrEntryNotFound)

	_, err = r.OpenIndex(5)
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestReader_DuplicateNamesFirstWins(t *testing.T) {
	t.Parallel()

	sink := writeArchive(t, []WriterOption{WithMethod(Store)},
		[2]string{"dup", "first"},
		[2]string{"dup", "second"},
	)
	r, err := NewReader(NewBytesSource(sink.Bytes()))
	require.NoError(t, err)

	require.Len(t, r.Entries(), 2)
	require.Len(t, r.Warnings(), 1)
	assert.ErrorIs(t, r.Warnings()[0], ErrDuplicateName)

	got, err := r.ReadFile("dup")
	require.NoError(t, err)
	assert.Equal(t, "first", string(got))

	// Both entries stay reachable by index.
	rc, err := r.OpenIndex(1)
	require.NoError(t, err)
	second, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "second", string(second))
}

func TestReader_CorruptedDataFailsChecksum(t *testing.T) {
	t.Parallel()

	sink := writeArchive(t, []WriterOption{WithMethod(Store)}, [2]string{"c.txt", "untouched content"})
	archive := append([]byte(nil), sink.Bytes()...)

	// Flip a byte inside the stored entry data, past the local header.
	archive[30+len("c.txt")+3] ^= 0x20

	r, err := NewReader(NewBytesSource(archive))
	require.NoError(t, err)
	rc, err := r.Open("c.txt")
	require.NoError(t, err)
	defer rc.Close()

	_, err = io.ReadAll(rc)
	assert.ErrorIs(t, err, ErrChecksum)
}

func TestReader_ChecksumErrorAfterPartialData(t *testing.T) {
	t.Parallel()

	data := bytes.Repeat([]byte("0123456789abcdef"), 8192)
	sink := NewBufferSink()
	w := NewWriter(sink, WithMethod(Store))
	require.NoError(t, w.AddEntry(t.Context(), "p.bin", bytes.NewReader(data)))
	require.NoError(t, w.Finish())
	archive := append([]byte(nil), sink.Bytes()...)
	archive[30+len("p.bin")+len(data)-1] ^= 0xff

	r, err := NewReader(NewBytesSource(archive))
	require.NoError(t, err)
	rc, err := r.Open("p.bin")
	require.NoError(t, err)
	defer rc.Close()

	// Partial reads must succeed; the error surfaces on the final read.
	var got []byte
	buf := make([]byte, 4096)
	var readErr error
	for {
		n, err := rc.Read(buf)
		got = append(got, buf[:n]...)
		if err != nil {
			readErr = err
			break
		}
	}
	assert.ErrorIs(t, readErr, ErrChecksum)
	assert.NotEmpty(t, got, "partial data must have been produced before the error")
}

func TestReader_TruncatedCentralDirectory(t *testing.T) {
	t.Parallel()

	sink := writeArchive(t, nil, [2]string{"t", "x"})
	archive := append([]byte(nil), sink.Bytes()...)

	// Shrink the directory size in the EOCD so a header is cut short.
	idx := zipfmt.FindEOCD(archive)
	require.GreaterOrEqual(t, idx, 0)
	archive[idx+12] = 5
	archive[idx+13] = 0
	archive[idx+14] = 0
	archive[idx+15] = 0

	_, err := NewReader(NewBytesSource(archive))
	assert.ErrorIs(t, err, ErrFormat)
}

func TestReader_EntryCountMismatch(t *testing.T) {
	t.Parallel()

	sink := writeArchive(t, nil, [2]string{"t", "x"})
	archive := append([]byte(nil), sink.Bytes()...)

	idx := zipfmt.FindEOCD(archive)
	require.GreaterOrEqual(t, idx, 0)
	archive[idx+10] = 7 // total entries

	_, err := NewReader(NewBytesSource(archive))
	assert.ErrorIs(t, err, ErrFormat)
}

func TestReader_UnsupportedMethod(t *testing.T) {
	t.Parallel()

	sink := writeArchive(t, nil, [2]string{"m", "x"})
	archive := append([]byte(nil), sink.Bytes()...)

	// Rewrite the method field of the central directory header to BZIP2;
	// the method sits at byte 10 of the header.
	cdStart := len(archive) - zipfmt.EOCDLen - (zipfmt.CentralDirectoryLen + len("m"))
	archive[cdStart+10] = 12
	archive[cdStart+11] = 0

	r, err := NewReader(NewBytesSource(archive))
	require.NoError(t, err)
	_, err = r.Open("m")
	assert.ErrorIs(t, err, ErrUnsupportedMethod)
}

func TestReader_BadLocalHeaderSignature(t *testing.T) {
	t.Parallel()

	sink := writeArchive(t, nil, [2]string{"s", "x"})
	archive := append([]byte(nil), sink.Bytes()...)
	archive[0] ^= 0xff

	r, err := NewReader(NewBytesSource(archive))
	require.NoError(t, err)
	_, err = r.Open("s")
	assert.ErrorIs(t, err, ErrFormat)
}

func TestReader_SmallBufferSizes(t *testing.T) {
	t.Parallel()

	data := bytes.Repeat([]byte("buffered read "), 10_000)
	sink := NewBufferSink()
	w := NewWriter(sink, WithMethod(Deflate))
	require.NoError(t, w.AddEntry(t.Context(), "b.bin", bytes.NewReader(data)))
	require.NoError(t, w.Finish())

	for _, size := range []int{4 << 10, 64 << 10, 2 << 20} {
		t.Run(fmt.Sprintf("buffer %d", size), func(t *testing.T) {
			t.Parallel()
			r, err := NewReader(NewBytesSource(sink.Bytes()), WithBufferSize(size))
			require.NoError(t, err)
			got, err := r.ReadFile("b.bin")
			require.NoError(t, err)
			require.True(t, bytes.Equal(got, data))
		})
	}
}

func TestReader_ConcurrentStreams(t *testing.T) {
	t.Parallel()

	sink := writeArchive(t, nil,
		[2]string{"one", "first entry body"},
		[2]string{"two", "second entry body"},
	)
	r, err := NewReader(NewBytesSource(sink.Bytes()))
	require.NoError(t, err)

	// Two streams open at once over the same source share no state.
	rc1, err := r.Open("one")
	require.NoError(t, err)
	rc2, err := r.Open("two")
	require.NoError(t, err)

	got1, err := io.ReadAll(rc1)
	require.NoError(t, err)
	got2, err := io.ReadAll(rc2)
	require.NoError(t, err)
	require.NoError(t, rc1.Close())
	require.NoError(t, rc2.Close())

	assert.Equal(t, "first entry body", string(got1))
	assert.Equal(t, "second entry body", string(got2))
}
