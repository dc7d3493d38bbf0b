package hashindex

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by the hash index
var (
	// ErrDuplicateKey reports an insert of a hash that is already present.
	// Coin names are unique, so this is a caller invariant violation.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrCorruptSegment reports a segment that failed a consistency check:
	// bad magic, record count mismatch, checksum failure, or an
	// out-of-order hash seen during a scan.
	ErrCorruptSegment = errors.New("corrupt segment")

	// ErrRewindInconsistency reports a rewind request for a block index
	// that was never checkpointed.
	ErrRewindInconsistency = errors.New("rewind boundary does not match any checkpoint")

	// ErrRewindInProgress reports a lookup attempted while a rewind is
	// rebuilding segments. The segment set is not consistent until the
	// rewind returns.
	ErrRewindInProgress = errors.New("rewind in progress")

	// ErrIndexClosed reports use of a closed index.
	ErrIndexClosed = errors.New("hash index is closed")
)

// IndexError provides structured error information for index operations.
type IndexError struct {
	Op         string // Operation that failed (e.g. "flush", "compact")
	Path       string // Segment or WAL path, if applicable
	Generation uint64 // Segment generation, if applicable
	Cause      error  // Underlying error
}

// Error implements the error interface.
func (e *IndexError) Error() string {
	switch {
	case e.Path != "" && e.Generation != 0:
		return fmt.Sprintf("%s segment %d (%s): %v", e.Op, e.Generation, e.Path, e.Cause)
	case e.Path != "":
		return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Cause)
	case e.Generation != 0:
		return fmt.Sprintf("%s segment %d: %v", e.Op, e.Generation, e.Cause)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Cause)
	}
}

// Unwrap returns the underlying cause for error chain support.
func (e *IndexError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target error matches this error or its cause.
func (e *IndexError) Is(target error) bool {
	if target == nil {
		return false
	}
	return errors.Is(e.Cause, target)
}

// segmentError wraps a failure touching one segment file.
func segmentError(op, path string, generation uint64, cause error) error {
	return &IndexError{Op: op, Path: path, Generation: generation, Cause: cause}
}

// opError wraps a failure of a whole-index operation.
func opError(op string, cause error) error {
	return &IndexError{Op: op, Cause: cause}
}

// IsCorrupt returns true if the error indicates segment corruption.
func IsCorrupt(err error) bool {
	return errors.Is(err, ErrCorruptSegment)
}

// IsDuplicate returns true if the error is a duplicate key error.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateKey)
}
