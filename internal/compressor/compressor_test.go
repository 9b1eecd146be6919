package compressor

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/meigma/zipstream/internal/zipfmt"
)

func roundTrip(t *testing.T, method uint16, level int, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := NewWriter(method, level, &buf)
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	r, err := NewReader(method, &buf)
	if err != nil {
		t.Fatalf("NewReader() error = %v", err)
	}
	defer r.Close()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	return got
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	repetitive := bytes.Repeat([]byte("abcdefgh"), 16384)
	tests := []struct {
		name   string
		method uint16
		level  int
		data   []byte
	}{
		{"store", zipfmt.MethodStore, 0, []byte("stored verbatim")},
		{"store empty", zipfmt.MethodStore, 0, nil},
		{"deflate default", zipfmt.MethodDeflate, 0, repetitive},
		{"deflate fastest", zipfmt.MethodDeflate, 1, repetitive},
		{"deflate best", zipfmt.MethodDeflate, 9, repetitive},
		{"zstd default", zipfmt.MethodZstd, 0, repetitive},
		{"zstd level 19", zipfmt.MethodZstd, 19, repetitive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := roundTrip(t, tt.method, tt.level, tt.data)
			if !bytes.Equal(got, tt.data) {
				t.Errorf("round trip produced %d bytes, want %d matching bytes", len(got), len(tt.data))
			}
		})
	}
}

func TestStore_IsIdentity(t *testing.T) {
	t.Parallel()

	data := []byte("identity expected")
	var buf bytes.Buffer
	w, err := NewWriter(zipfmt.MethodStore, 0, &buf)
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}
	w.Write(data)
	w.Close()
	if !bytes.Equal(buf.Bytes(), data) {
		t.Errorf("store output = %q, want %q", buf.Bytes(), data)
	}
}

func TestDeflate_CompressesRepetition(t *testing.T) {
	t.Parallel()

	data := bytes.Repeat([]byte{'A'}, 1<<20)
	var buf bytes.Buffer
	w, err := NewWriter(zipfmt.MethodDeflate, 6, &buf)
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}
	w.Write(data)
	w.Close()
	if buf.Len() >= 4<<10 {
		t.Errorf("compressed 1 MiB of 'A' to %d bytes, want < 4 KiB", buf.Len())
	}
}

func TestNewWriter_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		method  uint16
		level   int
		wantErr error
	}{
		{"unknown method", 42, 0, ErrMethod},
		{"deflate level too high", zipfmt.MethodDeflate, 10, ErrLevel},
		{"deflate level negative", zipfmt.MethodDeflate, -1, ErrLevel},
		{"zstd level too high", zipfmt.MethodZstd, 23, ErrLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewWriter(tt.method, tt.level, io.Discard)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("NewWriter() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		method uint16
		level  int
		want   bool
	}{
		{zipfmt.MethodStore, 0, true},
		{zipfmt.MethodStore, 1, false},
		{zipfmt.MethodDeflate, 0, true},
		{zipfmt.MethodDeflate, 9, true},
		{zipfmt.MethodDeflate, 10, false},
		{zipfmt.MethodZstd, 22, true},
		{zipfmt.MethodZstd, 23, false},
	}
	for _, tt := range tests {
		if got := ValidLevel(tt.method, tt.level); got != tt.want {
			t.Errorf("ValidLevel(%d, %d) = %v, want %v", tt.method, tt.level, got, tt.want)
		}
	}
}

func TestZstdReader_PoolReuse(t *testing.T) {
	t.Parallel()

	data := []byte("pooled decoder payload")
	for range 3 {
		var buf bytes.Buffer
		w, err := NewWriter(zipfmt.MethodZstd, 0, &buf)
		if err != nil {
			t.Fatalf("NewWriter() error = %v", err)
		}
		w.Write(data)
		w.Close()

		r, err := NewReader(zipfmt.MethodZstd, &buf)
		if err != nil {
			t.Fatalf("NewReader() error = %v", err)
		}
		got, err := io.ReadAll(r)
		if err != nil {
			t.Fatalf("ReadAll() error = %v", err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("read %q, want %q", got, data)
		}
		r.Close()
	}
}
