// Package rangetype holds types shared by the range cache and its internal
// components. The root package re-exports them.
package rangetype

import (
	"errors"
	"fmt"

	"github.com/meigma/rangecache/storage"
)

// FetchKind classifies upstream fetch failures.
type FetchKind uint8

const (
	// Transient failures may succeed on retry (timeouts, 5xx, dropped connections).
	Transient FetchKind = iota
	// Permanent failures will not succeed on retry (not found, bad range).
	Permanent
)

// String returns the human-readable name of the kind.
func (k FetchKind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// FetchError reports a failure of the upstream fetch mechanism.
type FetchError struct {
	Kind FetchKind
	Key  string
	Pos  int64
	Len  int64
	Err  error
}

func (e *FetchError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("rangecache: %s fetch error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("rangecache: %s fetch error for %s [%d,%d): %v", e.Kind, e.Key, e.Pos, e.Pos+e.Len, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Temporary reports whether a retry may succeed.
func (e *FetchError) Temporary() bool { return e.Kind == Transient }

// StorageError reports a local storage failure. It never reaches read callers
// unless cache errors are configured to surface.
type StorageError struct {
	Op      string
	Locator storage.Locator
	Err     error
}

func (e *StorageError) Error() string {
	if e.Locator == "" {
		return fmt.Sprintf("rangecache: storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("rangecache: storage %s %s: %v", e.Op, e.Locator, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// CorruptionError reports a violated index invariant. An empty Key means the
// whole cache is affected.
type CorruptionError struct {
	Key    string
	Detail string
}

func (e *CorruptionError) Error() string {
	if e.Key == "" {
		return "rangecache: index corruption: " + e.Detail
	}
	return fmt.Sprintf("rangecache: index corruption for %s: %s", e.Key, e.Detail)
}

// ErrSpanGone is returned when an operation targets a span that was removed.
var ErrSpanGone = errors.New("rangecache: span no longer indexed")

// IsPermanent reports whether err is a permanent fetch failure.
func IsPermanent(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == Permanent
}
