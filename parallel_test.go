package zipstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pseudoData returns deterministic random-looking bytes.
func pseudoData(seed int64, n int) []byte {
	rng := rand.New(rand.NewSource(seed))
	b := make([]byte, n)
	rng.Read(b)
	return b
}

func bytesEntry(name string, modified time.Time, data []byte) ParallelEntry {
	return ParallelEntry{
		Name:     name,
		Modified: modified,
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

// sequentialArchive writes the same inputs through the sequential writer.
func sequentialArchive(t *testing.T, entries []ParallelEntry, method CompressionMethod, level int) []byte {
	t.Helper()
	sink := NewBufferSink()
	w := NewWriter(sink, WithMethod(method), WithLevel(level))
	for _, e := range entries {
		src, err := e.Open()
		require.NoError(t, err)
		require.NoError(t, w.StartEntry(e.Name, WithModified(e.Modified)))
		_, err = io.CopyBuffer(w, src, make([]byte, 64<<10))
		require.NoError(t, err)
		require.NoError(t, src.Close())
		require.NoError(t, w.FinishEntry())
	}
	require.NoError(t, w.Finish())
	return sink.Bytes()
}

func TestParallel_OrderPreserved(t *testing.T) {
	t.Parallel()

	entries := []ParallelEntry{
		bytesEntry("c", testModified, pseudoData(1, 2<<20)),
		bytesEntry("a", testModified, pseudoData(2, 2<<20)),
		bytesEntry("b", testModified, pseudoData(3, 2<<20)),
	}

	sink := NewBufferSink()
	require.NoError(t, WriteArchiveParallel(context.Background(), sink, entries, Balanced()))

	r, err := NewReader(NewBytesSource(sink.Bytes()))
	require.NoError(t, err)

	var names []string
	for _, e := range r.Entries() {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"c", "a", "b"}, names)
}

func TestParallel_BitwiseIdenticalToSequential(t *testing.T) {
	t.Parallel()

	entries := []ParallelEntry{
		bytesEntry("c", testModified, pseudoData(11, 2<<20)),
		bytesEntry("a", testModified, pseudoData(12, 2<<20)),
		bytesEntry("b", testModified, pseudoData(13, 2<<20)),
	}
	want := sequentialArchive(t, entries, Deflate, 6)

	for _, concurrency := range []int{1, 2, 4, 8} {
		t.Run(fmt.Sprintf("max_concurrent=%d", concurrency), func(t *testing.T) {
			t.Parallel()
			cfg := ParallelConfig{
				MaxConcurrent: concurrency,
				Method:        Deflate,
				Level:         6,
				TaskBudget:    16 << 20,
			}
			sink := NewBufferSink()
			require.NoError(t, WriteArchiveParallel(context.Background(), sink, entries, cfg))
			require.True(t, bytes.Equal(want, sink.Bytes()),
				"parallel archive differs from sequential at concurrency %d", concurrency)
		})
	}
}

func TestParallel_RoundTrip(t *testing.T) {
	t.Parallel()

	const n = 50
	entries := make([]ParallelEntry, 0, n)
	contents := make(map[string][]byte, n)
	for i := range n {
		name := fmt.Sprintf("file-%03d", i)
		data := pseudoData(int64(100+i), 10_000+i*997)
		contents[name] = data
		entries = append(entries, bytesEntry(name, testModified, data))
	}

	sink := NewBufferSink()
	require.NoError(t, WriteArchiveParallel(context.Background(), sink, entries, Aggressive()))

	r, err := NewReader(NewBytesSource(sink.Bytes()))
	require.NoError(t, err)
	require.Len(t, r.Entries(), n)

	for name, want := range contents {
		got, err := r.ReadFile(name)
		require.NoError(t, err, name)
		require.True(t, bytes.Equal(got, want), name)
	}
}

func TestParallel_EmptyInput(t *testing.T) {
	t.Parallel()

	sink := NewBufferSink()
	require.NoError(t, WriteArchiveParallel(context.Background(), sink, nil, Conservative()))

	r, err := NewReader(NewBytesSource(sink.Bytes()))
	require.NoError(t, err)
	assert.Empty(t, r.Entries())
}

func TestParallel_ConfigValidation(t *testing.T) {
	t.Parallel()

	sink := NewBufferSink()

	t.Run("zero concurrency", func(t *testing.T) {
		t.Parallel()
		err := WriteArchiveParallel(context.Background(), sink, nil, ParallelConfig{TaskBudget: 1 << 20})
		assert.Error(t, err)
	})

	t.Run("zstd rejected", func(t *testing.T) {
		t.Parallel()
		cfg := ParallelConfig{MaxConcurrent: 2, Method: Zstd, TaskBudget: 1 << 20}
		err := WriteArchiveParallel(context.Background(), sink, nil, cfg)
		assert.ErrorIs(t, err, ErrUnsupportedMethod)
	})

	t.Run("zero budget", func(t *testing.T) {
		t.Parallel()
		cfg := ParallelConfig{MaxConcurrent: 2, Method: Store}
		err := WriteArchiveParallel(context.Background(), sink, nil, cfg)
		assert.Error(t, err)
	})
}

func TestParallel_TaskBudgetExceeded(t *testing.T) {
	t.Parallel()

	entries := []ParallelEntry{
		bytesEntry("too-big", testModified, pseudoData(7, 1<<20)),
	}
	cfg := ParallelConfig{
		MaxConcurrent: 2,
		Method:        Store,
		TaskBudget:    64 << 10,
	}
	err := WriteArchiveParallel(context.Background(), NewBufferSink(), entries, cfg)
	assert.ErrorIs(t, err, ErrTaskBudget)
}

func TestParallel_SourceErrorPropagates(t *testing.T) {
	t.Parallel()

	boom := errors.New("source unavailable")
	entries := []ParallelEntry{
		bytesEntry("ok-1", testModified, pseudoData(21, 256<<10)),
		{
			Name:     "broken",
			Modified: testModified,
			Open:     func() (io.ReadCloser, error) { return nil, boom },
		},
		bytesEntry("ok-2", testModified, pseudoData(22, 256<<10)),
	}

	sink := NewBufferSink()
	err := WriteArchiveParallel(context.Background(), sink, entries, Conservative())
	require.ErrorIs(t, err, boom)

	// The failed run must not leave a readable archive behind.
	_, rerr := NewReader(NewBytesSource(sink.Bytes()))
	assert.Error(t, rerr)
}

func TestParallel_ContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	entries := []ParallelEntry{
		bytesEntry("never", testModified, pseudoData(31, 1<<20)),
	}
	err := WriteArchiveParallel(ctx, NewBufferSink(), entries, Balanced())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParallel_Presets(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 2, Conservative().MaxConcurrent)
	assert.Equal(t, int64(8<<20), Conservative().TaskBudget)
	assert.Equal(t, 4, Balanced().MaxConcurrent)
	assert.Equal(t, int64(16<<20), Balanced().TaskBudget)
	assert.Equal(t, 8, Aggressive().MaxConcurrent)
	assert.Equal(t, int64(32<<20), Aggressive().TaskBudget)
}

func TestParallel_StoreMatchesSequential(t *testing.T) {
	t.Parallel()

	entries := []ParallelEntry{
		bytesEntry("x", testModified, pseudoData(41, 100)),
		bytesEntry("y", testModified, pseudoData(42, 200)),
	}
	want := sequentialArchive(t, entries, Store, 0)

	cfg := ParallelConfig{MaxConcurrent: 2, Method: Store, TaskBudget: 1 << 20}
	sink := NewBufferSink()
	require.NoError(t, WriteArchiveParallel(context.Background(), sink, entries, cfg))
	require.True(t, bytes.Equal(want, sink.Bytes()))
}
