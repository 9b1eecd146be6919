package zipstream

import (
	"log/slog"
	"time"
)

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithMethod sets the default compression method for new entries.
// The default is Deflate.
func WithMethod(m CompressionMethod) WriterOption {
	return func(w *Writer) {
		w.method = m
	}
}

// WithLevel sets the default compression level for new entries. Zero
// selects the method's default (6 for Deflate, 3 for Zstd).
func WithLevel(level int) WriterOption {
	return func(w *Writer) {
		w.level = level
	}
}

// WithPassword enables AE-2 encryption for all entries until cleared
// with SetPassword("").
func WithPassword(password string) WriterOption {
	return func(w *Writer) {
		w.password = password
	}
}

// WithComment sets the archive comment stored in the end-of-central-
// directory record. Comments longer than 65535 bytes are truncated.
func WithComment(comment string) WriterOption {
	return func(w *Writer) {
		if len(comment) > 0xffff {
			comment = comment[:0xffff]
		}
		w.comment = comment
	}
}

// WithWriterLogger sets the logger for writer debug events. If not set,
// logging is disabled.
func WithWriterLogger(logger *slog.Logger) WriterOption {
	return func(w *Writer) {
		w.logger = logger
	}
}

// entryConfig holds per-entry settings resolved at StartEntry.
type entryConfig struct {
	method   CompressionMethod
	level    int
	modified time.Time
	sizeHint uint64
}

// EntryOption configures a single entry.
type EntryOption func(*entryConfig)

// WithEntryMethod overrides the writer's compression method for this entry.
func WithEntryMethod(m CompressionMethod) EntryOption {
	return func(c *entryConfig) {
		c.method = m
	}
}

// WithEntryLevel overrides the compression level for this entry.
func WithEntryLevel(level int) EntryOption {
	return func(c *entryConfig) {
		c.level = level
	}
}

// WithModified sets the entry modification time. The format stores it at
// 2-second resolution. Defaults to the current time.
func WithModified(t time.Time) EntryOption {
	return func(c *entryConfig) {
		c.modified = t
	}
}

// WithSizeHint announces the expected uncompressed size of the entry.
// The writer sizes its flush buffer from the hint and reserves ZIP64
// space in the local header when the hint reaches 4 GiB. Entries may
// be larger or smaller than the hint.
func WithSizeHint(n uint64) EntryOption {
	return func(c *entryConfig) {
		c.sizeHint = n
	}
}
