package utils

import "github.com/pkg/errors"

var (
	// ErrKeyNotFound is returned by point lookups and EQ seeks when the key
	// is absent from the tree and every live run.
	ErrKeyNotFound = errors.New("key not found")
	// ErrEmptyKey is returned for zero-length keys on any mutation.
	ErrEmptyKey = errors.New("key cannot be empty")
	// ErrReadOnly is returned by every mutating call on a readonly handle.
	ErrReadOnly = errors.New("database is opened readonly")
	// ErrInvalidConfig is returned by Open when an option is out of range.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrChecksumMismatch marks a corrupt page, checkpoint or log record.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrBadMagic means the file was not created by this engine.
	ErrBadMagic = errors.New("bad magic")
	// ErrTruncate marks a torn tail in the write-ahead log; replay truncates
	// back to the last intact commit boundary instead of failing.
	ErrTruncate = errors.New("log truncated at torn record")
	// ErrLockTimeout is a retryable condition, distinct from corruption.
	ErrLockTimeout = errors.New("timed out waiting for file lock")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("database is closed")
	// ErrNoTransaction is returned by Commit/Rollback without a Begin.
	ErrNoTransaction = errors.New("no open transaction")
	// ErrTooLarge is returned when a record cannot fit a single page.
	ErrTooLarge = errors.New("record exceeds page capacity")
)

// Panic aborts on err. Internal invariant violations only: continuing risks
// corrupting the file further.
func Panic(err error) {
	if err != nil {
		panic(err)
	}
}

func Panic2(_ interface{}, err error) {
	Panic(err)
}

func CondPanic(cond bool, err error) {
	if cond {
		Panic(err)
	}
}
