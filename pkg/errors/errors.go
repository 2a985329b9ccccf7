// Package errors holds the sentinel errors shared by the cache layer and the
// StoreError wrapper used by every key-value backend.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreIO marks failures of the underlying storage backend. They are
	// fatal to the operation in progress; only the invalidator retries them.
	ErrStoreIO = errors.New("store i/o failure")
	// ErrValueTooLarge is returned when an encoded value exceeds the
	// backend's value size limit and cannot be chunked further.
	ErrValueTooLarge = errors.New("value exceeds backend size limit")
	// ErrIDOverflow is returned when an identifier or rank does not fit in
	// the 32-bit range used by the cache and inversion formats.
	ErrIDOverflow = errors.New("identifier exceeds 32-bit range")
	// ErrRankOutOfRange is returned by result views for ranks they do not cover.
	ErrRankOutOfRange = errors.New("rank out of range")
	// ErrInputNotExhausted is returned when inverse output is requested before
	// the forward input was fully consumed.
	ErrInputNotExhausted = errors.New("inversion input not exhausted")
	// ErrArenaClosed is returned when a released record arena is used.
	ErrArenaClosed = errors.New("record arena closed")
	// ErrHitNotFound is returned when a hit to remove is not in the hit list.
	ErrHitNotFound = errors.New("hit not found in cached hit list")
	// ErrTruncatedHitList is returned when fewer hits are stored than the
	// count in the chunk 0 header.
	ErrTruncatedHitList = errors.New("cached hit list shorter than its header count")
	// ErrDocumentNotFound is returned by document fetchers.
	ErrDocumentNotFound = errors.New("document not found")
	// ErrUnknownBackend is returned when opening an unregistered backend.
	ErrUnknownBackend = errors.New("unknown storage backend")
)

// StoreError describes a failed backend operation.
type StoreError struct {
	Backend string
	Op      string
	Err     error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

// Unwrap exposes both the cause and ErrStoreIO to errors.Is.
func (e *StoreError) Unwrap() []error {
	return []error{ErrStoreIO, e.Err}
}

// NewStoreError wraps err, returning nil when err is nil.
func NewStoreError(backend, op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Backend: backend, Op: op, Err: err}
}

// IsStoreIO reports whether err is a backend I/O failure.
func IsStoreIO(err error) bool {
	return errors.Is(err, ErrStoreIO)
}
