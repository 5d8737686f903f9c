// Package memory provides an in-memory storage.Backend.
//
// It is intended for tests and for hosts that want range caching without
// touching local disk. Contents do not survive the process.
package memory

import (
	"fmt"
	"io"
	"iter"
	"slices"
	"sync"

	"github.com/meigma/rangecache/storage"
)

var _ storage.Backend = (*Backend)(nil)

// Backend implements storage.Backend with in-memory byte slices.
type Backend struct {
	mu      sync.RWMutex
	extents map[storage.Locator][]byte
	seq     uint64
}

// New returns an empty in-memory backend.
func New() *Backend {
	return &Backend{extents: make(map[storage.Locator][]byte)}
}

// Allocate creates an empty extent.
func (b *Backend) Allocate(key string, pos, sizeHint int64) (storage.Locator, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	loc := storage.Locator(fmt.Sprintf("%s@%d#%d", key, pos, b.seq))
	b.extents[loc] = make([]byte, 0, max(sizeHint, 0))
	return loc, nil
}

// Append writes p to the end of the extent.
func (b *Backend) Append(loc storage.Locator, p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.extents[loc]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, loc)
	}
	b.extents[loc] = append(data, p...)
	return nil
}

// ReadAt reads len(p) bytes from the extent at off.
func (b *Backend) ReadAt(loc storage.Locator, p []byte, off int64) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.extents[loc]
	if !ok {
		return 0, fmt.Errorf("%w: %s", storage.ErrNotFound, loc)
	}
	if off < 0 || off > int64(len(data)) {
		return 0, io.ErrUnexpectedEOF
	}
	n := copy(p, data[off:])
	if n < len(p) {
		return n, io.ErrUnexpectedEOF
	}
	return n, nil
}

// Free removes the extent.
func (b *Backend) Free(loc storage.Locator) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.extents[loc]; !ok {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, loc)
	}
	delete(b.extents, loc)
	return nil
}

// Size returns the extent length.
func (b *Backend) Size(loc storage.Locator) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.extents[loc]
	if !ok {
		return 0, fmt.Errorf("%w: %s", storage.ErrNotFound, loc)
	}
	return int64(len(data)), nil
}

// List yields every extent in locator order.
func (b *Backend) List() iter.Seq2[storage.Locator, error] {
	b.mu.RLock()
	locs := make([]storage.Locator, 0, len(b.extents))
	for loc := range b.extents {
		locs = append(locs, loc)
	}
	b.mu.RUnlock()
	slices.Sort(locs)

	return func(yield func(storage.Locator, error) bool) {
		for _, loc := range locs {
			if !yield(loc, nil) {
				return
			}
		}
	}
}

// Bytes returns a copy of the extent contents.
func (b *Backend) Bytes(loc storage.Locator) ([]byte, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.extents[loc]
	if !ok {
		return nil, false
	}
	return slices.Clone(data), true
}
