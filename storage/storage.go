// Package storage defines the local storage contract used by the range cache.
//
// A backend stores extents: append-only byte sequences addressed by a Locator.
// Each cached span of a resource owns exactly one extent, so the size of an
// extent always equals the length of the span that references it.
package storage

import (
	"errors"
	"iter"
)

// Locator identifies an extent within a Backend.
//
// Locators are opaque to callers but must be stable across process restarts so
// that a persisted index can refer to them.
type Locator string

// ErrNotFound is returned when a locator does not refer to a stored extent.
var ErrNotFound = errors.New("storage: extent not found")

// Backend stores extents on local media.
//
// Implementations must be safe for concurrent use. Concurrent calls on
// different locators may proceed in parallel; callers never append to the
// same locator concurrently.
type Backend interface {
	// Allocate creates an empty extent for bytes of key starting at pos.
	// sizeHint is the expected final size and may be ignored.
	Allocate(key string, pos, sizeHint int64) (Locator, error)

	// Append writes p to the end of the extent.
	Append(loc Locator, p []byte) error

	// ReadAt reads len(p) bytes from the extent starting at off.
	// It returns an error if fewer than len(p) bytes are available.
	ReadAt(loc Locator, p []byte, off int64) (int, error)

	// Free removes the extent. Freeing a missing extent returns ErrNotFound.
	Free(loc Locator) error

	// Size returns the number of bytes stored in the extent.
	Size(loc Locator) (int64, error)

	// List enumerates all stored extents.
	List() iter.Seq2[Locator, error]
}
