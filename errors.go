package zipstream

import (
	"errors"

	"github.com/meigma/zipstream/internal/winzip"
)

// Sentinel errors for archive operations.
var (
	// ErrFormat is returned when the archive structure cannot be parsed:
	// a bad signature, a truncated record, or an inconsistent ZIP64 record.
	ErrFormat = errors.New("zipstream: invalid archive format")

	// ErrChecksum is returned on the terminating read of an entry whose
	// decompressed bytes do not match the stored CRC-32.
	ErrChecksum = errors.New("zipstream: checksum mismatch")

	// ErrUnsupportedMethod is returned when an entry uses a compression
	// method this library does not implement.
	ErrUnsupportedMethod = errors.New("zipstream: unsupported compression method")

	// ErrInvalidName is returned for entry names that are empty, contain
	// a NUL byte, or are not valid UTF-8.
	ErrInvalidName = errors.New("zipstream: invalid entry name")

	// ErrNameTooLong is returned for entry names longer than 65535 bytes.
	ErrNameTooLong = errors.New("zipstream: entry name too long")

	// ErrWriterFinished is returned when a writer is used after Finish.
	ErrWriterFinished = errors.New("zipstream: writer already finished")

	// ErrEntryOpen is returned when StartEntry is called while another
	// entry is still open.
	ErrEntryOpen = errors.New("zipstream: previous entry still open")

	// ErrNoEntry is returned when Write or FinishEntry is called with no
	// entry open.
	ErrNoEntry = errors.New("zipstream: no entry open")

	// ErrEntryNotFound is returned when a named entry is not in the archive.
	ErrEntryNotFound = errors.New("zipstream: entry not found")

	// ErrDuplicateName is a warning-class error surfaced via
	// Reader.Warnings when the central directory lists a name more than
	// once. The first occurrence wins.
	ErrDuplicateName = errors.New("zipstream: duplicate entry name")

	// ErrTaskBudget is returned by the parallel writer when one entry's
	// compressed form exceeds the per-task memory budget.
	ErrTaskBudget = errors.New("zipstream: compressed entry exceeds task budget")
)

// Errors re-exported from the encryption layer.
var (
	// ErrPassword is returned when the password verifier does not match:
	// the supplied password is wrong. It is distinct from
	// ErrAuthentication so callers can tell a wrong password from a
	// tampered archive.
	ErrPassword = winzip.ErrPassword

	// ErrAuthentication is returned at end of an encrypted stream whose
	// HMAC tag does not match: the ciphertext was altered or truncated.
	ErrAuthentication = winzip.ErrAuthentication
)
