package rangecache

import (
	"errors"

	"github.com/meigma/rangecache/internal/rangetype"
)

// Sentinel errors.
var (
	// ErrClosed is returned when the cache or a reader has been closed.
	ErrClosed = errors.New("rangecache: closed")

	// ErrInvalidRange is returned for a negative position or length.
	ErrInvalidRange = errors.New("rangecache: invalid range")

	// ErrInvalidKey is returned for an empty resource key.
	ErrInvalidKey = errors.New("rangecache: invalid resource key")

	// ErrNoFetcher is returned by Open when no fetcher is given.
	ErrNoFetcher = errors.New("rangecache: fetcher is nil")

	// ErrNoStorageRoot is returned by Open when neither a storage root nor a
	// storage backend is configured.
	ErrNoStorageRoot = errors.New("rangecache: storage root is empty")

	// ErrNotInitialized is returned by Default before Init.
	ErrNotInitialized = errors.New("rangecache: default cache not initialized")

	// ErrSizeUnknown is returned when a resource size is required but the
	// fetcher cannot report it.
	ErrSizeUnknown = errors.New("rangecache: resource size unknown")
)

// Types re-exported from the internal packages.
type (
	// FetchKind classifies fetch failures as transient or permanent.
	FetchKind = rangetype.FetchKind

	// FetchError reports an upstream fetch failure.
	FetchError = rangetype.FetchError

	// StorageError reports a local storage failure.
	StorageError = rangetype.StorageError

	// CorruptionError reports a violated index invariant.
	CorruptionError = rangetype.CorruptionError
)

// Fetch error kinds.
const (
	Transient = rangetype.Transient
	Permanent = rangetype.Permanent
)

// IsPermanent reports whether err is a permanent fetch failure.
func IsPermanent(err error) bool {
	return rangetype.IsPermanent(err)
}
