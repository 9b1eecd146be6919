package zipstream

import (
	"bytes"
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/meigma/zipstream/internal/compressor"
)

// ParallelEntry is one item of work for WriteArchiveParallel. Open is
// called at most once, from a compression task, only after the task holds
// a concurrency permit.
type ParallelEntry struct {
	// Name is the entry path in the archive.
	Name string

	// Modified is the entry modification time.
	Modified time.Time

	// Open returns the entry's uncompressed data stream.
	Open func() (io.ReadCloser, error)
}

// ParallelConfig bounds the parallel writer. Peak working memory is at
// most MaxConcurrent × TaskBudget plus constant overhead, independent of
// entry sizes and entry count.
type ParallelConfig struct {
	// MaxConcurrent is the number of compression tasks that may hold
	// buffered data at once.
	MaxConcurrent int

	// Method is the compression method. Only Store and Deflate are
	// supported in the parallel path.
	Method CompressionMethod

	// Level is the compression level; zero selects the default.
	Level int

	// TaskBudget caps one task's compressed output buffer in bytes.
	// An entry whose compressed form exceeds the budget fails with
	// ErrTaskBudget.
	TaskBudget int64
}

// Conservative returns a parallel preset for low-memory systems:
// 2 concurrent tasks, 8 MiB per task.
func Conservative() ParallelConfig {
	return ParallelConfig{MaxConcurrent: 2, Method: Deflate, TaskBudget: 8 << 20}
}

// Balanced returns the default parallel preset: 4 concurrent tasks,
// 16 MiB per task.
func Balanced() ParallelConfig {
	return ParallelConfig{MaxConcurrent: 4, Method: Deflate, TaskBudget: 16 << 20}
}

// Aggressive returns a parallel preset for high-memory systems:
// 8 concurrent tasks, 32 MiB per task.
func Aggressive() ParallelConfig {
	return ParallelConfig{MaxConcurrent: 8, Method: Deflate, TaskBudget: 32 << 20}
}

// slotResult is one compressed entry waiting to be drained into the sink.
type slotResult struct {
	index            int
	crc              uint32
	uncompressedSize uint64
	data             []byte
}

// WriteArchiveParallel compresses entries concurrently and writes a
// single archive to sink with entries in input order. The output is
// byte-identical to a sequential Writer run on a seekable sink over the
// same inputs with the same method and level.
//
// A semaphore of MaxConcurrent permits gates the tasks; a permit is held
// from before the entry's source is opened until its slot has been
// drained into the sink, which bounds buffered compressed data to
// MaxConcurrent × TaskBudget. On the first task error the remaining slots
// are dropped and the central directory is never written; the sink then
// holds a truncated, invalid archive.
func WriteArchiveParallel(ctx context.Context, sink io.Writer, entries []ParallelEntry, cfg ParallelConfig, opts ...WriterOption) error {
	if cfg.MaxConcurrent < 1 {
		return fmt.Errorf("zipstream: parallel max concurrent %d, want >= 1", cfg.MaxConcurrent)
	}
	if cfg.TaskBudget <= 0 {
		return fmt.Errorf("zipstream: parallel task budget %d, want > 0", cfg.TaskBudget)
	}
	if cfg.Method != Store && cfg.Method != Deflate {
		return fmt.Errorf("%w: %s in parallel mode", ErrUnsupportedMethod, cfg.Method)
	}
	if !compressor.ValidLevel(uint16(cfg.Method), cfg.Level) {
		return fmt.Errorf("%w: level %d for %s", ErrUnsupportedMethod, cfg.Level, cfg.Method)
	}

	w := NewWriter(sink, opts...)

	permits := semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	readyCh := make(chan slotResult, cfg.MaxConcurrent)
	eg, ctx := errgroup.WithContext(ctx)

	// Dispatcher: start tasks in input order, each behind a permit.
	// In-order dispatch guarantees the lowest undrained slot is always
	// either buffered or in flight, so the drain below cannot stall.
	eg.Go(func() error {
		for i := range entries {
			if err := permits.Acquire(ctx, 1); err != nil {
				return err
			}
			entry := entries[i]
			index := i
			eg.Go(func() error {
				res, err := compressSlot(entry, index, cfg)
				if err != nil {
					permits.Release(1)
					return fmt.Errorf("entry %q: %w", entry.Name, err)
				}
				select {
				case readyCh <- res:
					return nil
				case <-ctx.Done():
					permits.Release(1)
					return ctx.Err()
				}
			})
		}
		return nil
	})

	// Drain: single owner of the writer, emitting slots in input order.
	// The permit for a slot is released only after its bytes reach the
	// writer, keeping buffered slots inside the memory bound.
	eg.Go(func() error {
		pending := make(map[int]slotResult, cfg.MaxConcurrent)
		for next := 0; next < len(entries); {
			select {
			case res := <-readyCh:
				pending[res.index] = res
			case <-ctx.Done():
				return ctx.Err()
			}
			for {
				res, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				err := w.addRaw(entries[next].Name, entries[next].Modified, cfg.Method, res.crc, res.uncompressedSize, res.data)
				permits.Release(1)
				if err != nil {
					return err
				}
				next++
			}
		}
		return nil
	})

	if err := eg.Wait(); err != nil {
		return err
	}
	return w.Finish()
}

// compressSlot streams one entry's source through the compressor into an
// in-memory buffer capped at the task budget.
func compressSlot(entry ParallelEntry, index int, cfg ParallelConfig) (slotResult, error) {
	src, err := entry.Open()
	if err != nil {
		return slotResult{}, err
	}
	defer src.Close()

	var buf bytes.Buffer
	budget := &budgetWriter{w: &buf, remaining: cfg.TaskBudget}
	comp, err := compressor.NewWriter(uint16(cfg.Method), cfg.Level, budget)
	if err != nil {
		return slotResult{}, err
	}

	crc := crc32.NewIEEE()
	var uncompressed uint64
	chunk := make([]byte, 64<<10)
	for {
		n, rerr := src.Read(chunk)
		if n > 0 {
			crc.Write(chunk[:n])
			uncompressed += uint64(n)
			if _, werr := comp.Write(chunk[:n]); werr != nil {
				return slotResult{}, werr
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return slotResult{}, rerr
		}
	}
	if err := comp.Close(); err != nil {
		return slotResult{}, err
	}

	return slotResult{
		index:            index,
		crc:              crc.Sum32(),
		uncompressedSize: uncompressed,
		data:             buf.Bytes(),
	}, nil
}

// budgetWriter rejects writes past a fixed byte budget.
type budgetWriter struct {
	w         io.Writer
	remaining int64
}

func (b *budgetWriter) Write(p []byte) (int, error) {
	if int64(len(p)) > b.remaining {
		return 0, ErrTaskBudget
	}
	b.remaining -= int64(len(p))
	return b.w.Write(p)
}
