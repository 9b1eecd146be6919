// Package zipstream creates and extracts ZIP archives as streams.
//
// The writer compresses entries on the fly with bounded working memory,
// supports Store, DEFLATE and Zstandard compression, WinZip AE-2 entry
// encryption, and escalates to ZIP64 automatically. The reader extracts
// entries from any random-access byte source — a local file, an in-memory
// buffer, or a remote object reached over HTTP range requests or S3 —
// verifying checksums as it streams.
//
// Archives larger than memory are the normal case, not the exception:
// the writer retains a few megabytes of buffers regardless of output
// size, and WriteArchiveParallel compresses many entries concurrently
// under an explicit memory budget while preserving entry order.
//
// Memory-backed sinks accumulate the whole archive by definition; the
// constant-memory property applies to file and network sinks.
package zipstream
