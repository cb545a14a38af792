package raftlog

import "github.com/cockroachdb/errors"

var (
	// ErrTermMismatch means the consistency anchor is absent or carries another
	// term. The sender backtracks and retries at an earlier index.
	ErrTermMismatch = errors.New("raftlog: term mismatch at consistency anchor")
	// ErrInvalidIndex reports a malformed batch: gaps, or a commit claim past the batch.
	ErrInvalidIndex = errors.New("raftlog: invalid index")
	// ErrInvalidTerm reports decreasing terms, or a request term below its entries.
	ErrInvalidTerm = errors.New("raftlog: invalid term")
	// ErrUnsafeTruncation is returned instead of discarding applied entries.
	ErrUnsafeTruncation = errors.New("raftlog: unsafe truncation at or before commit index")
	// ErrNotReady is returned by every operation on a log that was not opened.
	ErrNotReady = errors.New("raftlog: premature operation on uninitialized log")
	ErrCompacted     = errors.New("raftlog: index is compacted")
	ErrInvalidConfig = errors.New("raftlog: invalid cluster configuration")
	ErrCorrupt       = errors.New("raftlog: corrupt log image")
	ErrUnavailable   = errors.New("raftlog: log store unavailable")
)

// IsInternal reports whether err is an internal consistency failure rather
// than a request the caller can correct.
func IsInternal(err error) bool {
	return errors.Is(err, ErrNotReady) || errors.Is(err, ErrUnsafeTruncation)
}
