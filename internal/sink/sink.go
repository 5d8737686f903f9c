// Package sink persists freshly fetched bytes into the range cache.
//
// Every chunk is appended to storage before it is registered in the index,
// so the index only ever describes bytes that are fully on disk. A writer
// that is abandoned halfway therefore leaves a valid prefix span behind.
package sink

import (
	"errors"
	"log/slog"

	"github.com/meigma/rangecache/internal/evict"
	"github.com/meigma/rangecache/internal/index"
	"github.com/meigma/rangecache/internal/rangetype"
	"github.com/meigma/rangecache/internal/spanlock"
	"github.com/meigma/rangecache/storage"
)

// mergeCopyChunk bounds the buffer used to fold a right neighbour into a span.
const mergeCopyChunk = 64 << 10

// ErrQuarantined is returned when writing to a key whose cached reads are suspended.
var ErrQuarantined = errors.New("rangecache: key is quarantined")

// Sink writes fetched bytes through to storage and the index.
type Sink struct {
	idx         *index.Index
	store       storage.Backend
	locks       *spanlock.Manager
	evictor     *evict.Evictor
	maxSpanSize int64 // <= 0 means unlimited
	logger      *slog.Logger
}

// Option configures a Sink.
type Option func(*Sink)

// WithLogger sets the logger used for non-fatal eviction failures.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sink) {
		s.logger = logger
	}
}

// New creates a sink. maxSpanSize caps the length of a single stored span.
func New(idx *index.Index, locks *spanlock.Manager, evictor *evict.Evictor, maxSpanSize int64, opts ...Option) *Sink {
	s := &Sink{
		idx:         idx,
		store:       idx.Store(),
		locks:       locks,
		evictor:     evictor,
		maxSpanSize: maxSpanSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sink) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

// Write persists data as bytes [pos, pos+len(data)) of key. The caller must
// hold lock over that region. Data is split at span cap boundaries, appended
// to an adjacent span when there is room, and folded into the following span
// when the two fit under the cap. A StorageError or CorruptionError aborts
// the write; spans registered before the failure remain valid.
func (s *Sink) Write(key string, pos int64, data []byte, lock *spanlock.Lock) error {
	if len(data) == 0 {
		return nil
	}
	if s.idx.Quarantined(key) {
		return ErrQuarantined
	}
	total := int64(len(data))
	for len(data) > 0 {
		n, err := s.writeOnce(key, pos, data, lock)
		if err != nil {
			return err
		}
		pos += n
		data = data[n:]
	}
	s.mergeRight(key, pos, lock)

	if s.evictor != nil {
		if _, err := s.evictor.OnAfterWrite(total); err != nil {
			s.log().Warn("eviction could not free storage", "error", err)
		}
	}
	return nil
}

// Writer returns a streaming writer for a hole starting at pos.
func (s *Sink) Writer(key string, pos int64, lock *spanlock.Lock) *Writer {
	return &Writer{sink: s, key: key, pos: pos, lock: lock}
}

// writeOnce stores a prefix of data and returns its length.
func (s *Sink) writeOnce(key string, pos int64, data []byte, lock *spanlock.Lock) (int64, error) {
	if left, ok := s.idx.EndingAt(key, pos); ok {
		if room := s.room(left.Len); room > 0 {
			if pin, ok := s.pin(key, left, lock); ok {
				n := min(room, int64(len(data)))
				err := s.appendTo(left, data[:n])
				pin.Release()
				if err == nil {
					return n, nil
				}
				if !errors.Is(err, rangetype.ErrSpanGone) {
					return 0, err
				}
				// The neighbour vanished; fall through to a fresh extent.
			}
		}
	}

	n := int64(len(data))
	if s.maxSpanSize > 0 {
		n = min(n, s.maxSpanSize)
	}
	loc, err := s.store.Allocate(key, pos, n)
	if err != nil {
		return 0, &rangetype.StorageError{Op: "allocate", Err: err}
	}
	if err := s.store.Append(loc, data[:n]); err != nil {
		_ = s.store.Free(loc) //nolint:errcheck // reconciliation removes leftovers
		return 0, &rangetype.StorageError{Op: "write", Locator: loc, Err: err}
	}
	if _, err := s.idx.Insert(key, pos, n, loc); err != nil {
		_ = s.store.Free(loc) //nolint:errcheck // reconciliation removes leftovers
		return 0, err
	}
	return n, nil
}

// appendTo extends span with data. A failed append leaves the extent longer
// than the span, so the span is dropped to keep storage and index in step.
func (s *Sink) appendTo(span index.SpanInfo, data []byte) error {
	if err := s.store.Append(span.Locator, data); err != nil {
		s.drop(span)
		if errors.Is(err, storage.ErrNotFound) {
			return rangetype.ErrSpanGone
		}
		return &rangetype.StorageError{Op: "append", Locator: span.Locator, Err: err}
	}
	if _, err := s.idx.Extend(span.ID, int64(len(data))); err != nil {
		if !errors.Is(err, rangetype.ErrSpanGone) {
			s.drop(span)
		}
		return err
	}
	return nil
}

// mergeRight folds the span starting at pos into the span ending there when
// the result fits under the cap.
func (s *Sink) mergeRight(key string, pos int64, lock *spanlock.Lock) {
	left, ok := s.idx.EndingAt(key, pos)
	if !ok {
		return
	}
	right, ok := s.idx.StartingAt(key, pos)
	if !ok {
		return
	}
	if s.maxSpanSize > 0 && left.Len+right.Len > s.maxSpanSize {
		return
	}
	leftPin, ok := s.pin(key, left, lock)
	if !ok {
		return
	}
	defer leftPin.Release()
	rightPin, ok := s.pin(key, right, lock)
	if !ok {
		return
	}
	defer rightPin.Release()

	buf := make([]byte, min(right.Len, mergeCopyChunk))
	for off := int64(0); off < right.Len; {
		chunk := buf[:min(int64(len(buf)), right.Len-off)]
		if _, err := s.store.ReadAt(right.Locator, chunk, off); err != nil {
			if off == 0 {
				// Nothing copied yet; the spans simply stay separate.
				return
			}
			s.drop(left)
			return
		}
		if err := s.store.Append(left.Locator, chunk); err != nil {
			s.drop(left)
			return
		}
		off += int64(len(chunk))
	}
	if _, err := s.idx.Merge(left.ID, right.ID); err != nil {
		s.log().Warn("merge freed span with error", "key", key, "position", pos, "error", err)
	}
}

// pin keeps span from being evicted or merged by others. Parts of the span
// inside the caller's lock are already protected.
func (s *Sink) pin(key string, span index.SpanInfo, lock *spanlock.Lock) (*spanlock.Lock, bool) {
	lo, hi := span.Pos, span.End()
	if lock != nil && lock.Key() == key {
		lockOff, lockEnd := lock.Range()
		if lockOff <= lo && lo < lockEnd {
			lo = lockEnd
		}
		if lockOff < hi && hi <= lockEnd {
			hi = lockOff
		}
	}
	if lo >= hi {
		return nil, true
	}
	return s.locks.TryAcquire(key, lo, hi-lo)
}

func (s *Sink) drop(span index.SpanInfo) {
	if _, err := s.idx.Remove(span.ID); err != nil && !errors.Is(err, rangetype.ErrSpanGone) {
		s.log().Warn("drop span after failed write", "key", span.Key, "locator", span.Locator, "error", err)
	}
}

func (s *Sink) room(length int64) int64 {
	if s.maxSpanSize <= 0 {
		return 1<<63 - 1 - length
	}
	return s.maxSpanSize - length
}

// Writer streams one hole into the cache. After the first failure it stops
// persisting and keeps returning that failure.
type Writer struct {
	sink    *Sink
	key     string
	pos     int64
	lock    *spanlock.Lock
	written int64
	err     error
}

// Write persists p at the writer's current position.
func (w *Writer) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	if err := w.sink.Write(w.key, w.pos, p, w.lock); err != nil {
		w.err = err
		return 0, err
	}
	w.pos += int64(len(p))
	w.written += int64(len(p))
	return len(p), nil
}

// Written returns the number of bytes persisted.
func (w *Writer) Written() int64 { return w.written }

// Err returns the failure that stopped the writer, if any.
func (w *Writer) Err() error { return w.err }
