// Package dberror holds the error taxonomy shared by the page cache, the
// B+Tree and the schema indexes.
package dberror

import (
	"errors"
	"fmt"
)

// --- Error Definitions ---

var (
	// ErrIOFailure reports a failed read or write against a backing channel.
	ErrIOFailure = errors.New("i/o failure")
	// ErrEvictionDeadlock reports that no frame could be freed for a pin
	// because every frame stayed pinned for the whole retry budget.
	ErrEvictionDeadlock = errors.New("page cache eviction deadlock: all frames pinned")
	// ErrCorruptTreeStructure reports an index page that violates the tree's
	// structural invariants. It is never retryable.
	ErrCorruptTreeStructure = errors.New("corrupt tree structure")
	// ErrUnsupportedFormat reports an index file written with another format
	// version, page size or key layout.
	ErrUnsupportedFormat = errors.New("unsupported index format")
	ErrClosed            = errors.New("resource is closed")
	ErrUnsupportedValue  = errors.New("unsupported value")
	ErrPagePinned        = errors.New("page is pinned")
	// ErrIndexEntryConflict reports a second entity for a value in a unique index.
	ErrIndexEntryConflict = errors.New("index entry conflict")
)

// PageError attaches the operation, file and page to an underlying error.
type PageError struct {
	Op     string
	File   string
	PageID uint64
	Err    error
}

func (e *PageError) Error() string {
	return fmt.Sprintf("%s %s page %d: %v", e.Op, e.File, e.PageID, e.Err)
}

func (e *PageError) Unwrap() error {
	return e.Err
}

// IOFailure wraps cause as an ErrIOFailure for the given page.
func IOFailure(op, file string, pageID uint64, cause error) error {
	return &PageError{Op: op, File: file, PageID: pageID, Err: fmt.Errorf("%w: %w", ErrIOFailure, cause)}
}

// Corrupt builds an ErrCorruptTreeStructure for the given page.
func Corrupt(file string, pageID uint64, format string, args ...any) error {
	return &PageError{Op: "check", File: file, PageID: pageID,
		Err: fmt.Errorf("%w: %s", ErrCorruptTreeStructure, fmt.Sprintf(format, args...))}
}

// IsRetryable reports whether err may clear up if the operation is repeated.
// Corruption and format errors never do.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrCorruptTreeStructure), errors.Is(err, ErrUnsupportedFormat),
		errors.Is(err, ErrClosed), errors.Is(err, ErrIndexEntryConflict):
		return false
	default:
		return errors.Is(err, ErrEvictionDeadlock) || errors.Is(err, ErrIOFailure)
	}
}
