package zipstream

import "log/slog"

// defaultBufferSize is the source read buffer used for each entry stream.
const defaultBufferSize = 512 << 10

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithBufferSize sets the per-stream read buffer over the source, between
// 4 KiB and 16 MiB. Larger buffers issue fewer, larger source reads, which
// matters most for range-request backends. The default is 512 KiB.
func WithBufferSize(n int) ReaderOption {
	return func(r *Reader) {
		if n < 4<<10 {
			n = 4 << 10
		}
		if n > 16<<20 {
			n = 16 << 20
		}
		r.bufSize = n
	}
}

// WithReaderPassword sets the password used for all encrypted entries.
func WithReaderPassword(password string) ReaderOption {
	return func(r *Reader) {
		r.password = password
	}
}

// WithPasswordProvider sets a callback yielding the password for an
// encrypted entry by name. An empty return falls back to the password set
// with WithReaderPassword.
func WithPasswordProvider(fn func(name string) string) ReaderOption {
	return func(r *Reader) {
		r.passwordFunc = fn
	}
}

// WithReaderLogger sets the logger for reader debug events. If not set,
// logging is disabled.
func WithReaderLogger(logger *slog.Logger) ReaderOption {
	return func(r *Reader) {
		r.logger = logger
	}
}
