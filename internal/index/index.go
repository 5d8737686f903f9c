// Package index tracks which byte ranges of which resources are resident in
// local storage.
//
// Spans of a key are kept sorted by position and never overlap. All mutations
// go through a single mutex, so a Lookup never observes a partially applied
// insert, extend, merge or removal. Removing a span frees its extent and
// shrinks the total size under the same critical section.
package index

import (
	"cmp"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/meigma/rangecache/internal/rangetype"
	"github.com/meigma/rangecache/storage"
)

// SpanInfo is a point-in-time copy of a cached span.
type SpanInfo struct {
	ID         uint64
	Key        string
	Pos        int64
	Len        int64
	Locator    storage.Locator
	LastAccess time.Time
}

// End returns the exclusive end position of the span.
func (s SpanInfo) End() int64 { return s.Pos + s.Len }

// Segment is one piece of a lookup plan. Hit segments reference the span
// that holds their bytes; the bytes start at Pos-Span.Pos within its extent.
type Segment struct {
	Pos  int64
	Len  int64
	Hit  bool
	Span SpanInfo
}

// Offset returns the offset of the segment within the span's extent.
func (s Segment) Offset() int64 { return s.Pos - s.Span.Pos }

// Listener observes span lifecycle events. Callbacks run while the index
// mutex is held and must not call back into the index.
type Listener interface {
	SpanAdded(SpanInfo)
	SpanTouched(SpanInfo)
	SpanRemoved(SpanInfo)
}

type span struct {
	id         uint64
	key        string
	pos        int64
	len        int64
	loc        storage.Locator
	lastAccess time.Time
}

func (s *span) end() int64 { return s.pos + s.len }

func (s *span) info() SpanInfo {
	return SpanInfo{ID: s.id, Key: s.key, Pos: s.pos, Len: s.len, Locator: s.loc, LastAccess: s.lastAccess}
}

// Index maps resource keys to position-ordered cached spans.
type Index struct {
	mu          sync.Mutex
	store       storage.Backend
	now         func() time.Time
	keys        map[string][]*span
	byID        map[uint64]*span
	nextID      uint64
	size        int64
	listeners   []Listener
	quarantined map[string]struct{}
	poisoned    bool // every key is quarantined
}

// Option configures an Index.
type Option func(*Index)

// WithClock sets the clock used for access times.
func WithClock(now func() time.Time) Option {
	return func(idx *Index) {
		if now != nil {
			idx.now = now
		}
	}
}

// New returns an empty index whose removals free extents in store.
func New(store storage.Backend, opts ...Option) *Index {
	idx := &Index{
		store:       store,
		now:         time.Now,
		keys:        make(map[string][]*span),
		byID:        make(map[uint64]*span),
		quarantined: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

// Subscribe registers l for span events. Existing spans are replayed as
// SpanAdded so l starts with a complete view.
func (idx *Index) Subscribe(l Listener) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.listeners = append(idx.listeners, l)
	for _, s := range idx.sortedLocked() {
		l.SpanAdded(s.info())
	}
}

// Store returns the backend the index frees extents from.
func (idx *Index) Store() storage.Backend { return idx.store }

// Lookup partitions [pos, pos+length) of key into alternating hit and hole
// segments that cover the interval exactly.
func (idx *Index) Lookup(key string, pos, length int64) []Segment {
	if length <= 0 {
		return nil
	}
	end := pos + length

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.quarantinedLocked(key) {
		return []Segment{{Pos: pos, Len: length}}
	}

	spans := idx.keys[key]
	i := sort.Search(len(spans), func(i int) bool { return spans[i].end() > pos })

	var plan []Segment
	cursor := pos
	for ; i < len(spans) && spans[i].pos < end; i++ {
		s := spans[i]
		if s.pos > cursor {
			plan = append(plan, Segment{Pos: cursor, Len: s.pos - cursor})
			cursor = s.pos
		}
		hitEnd := min(s.end(), end)
		plan = append(plan, Segment{Pos: cursor, Len: hitEnd - cursor, Hit: true, Span: s.info()})
		cursor = hitEnd
	}
	if cursor < end {
		plan = append(plan, Segment{Pos: cursor, Len: end - cursor})
	}
	return plan
}

// Insert records a new cached span backed by loc. It fails with a
// CorruptionError if any byte of the region is already cached.
func (idx *Index) Insert(key string, pos, length int64, loc storage.Locator) (SpanInfo, error) {
	if length <= 0 || pos < 0 {
		return SpanInfo{}, fmt.Errorf("index: invalid span [%d,%d)", pos, pos+length)
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	s := &span{key: key, pos: pos, len: length, loc: loc, lastAccess: idx.now()}
	if err := idx.insertLocked(s); err != nil {
		return SpanInfo{}, err
	}
	return s.info(), nil
}

func (idx *Index) insertLocked(s *span) error {
	spans := idx.keys[s.key]
	i := sort.Search(len(spans), func(i int) bool { return spans[i].end() > s.pos })
	if i < len(spans) && spans[i].pos < s.end() {
		return &rangetype.CorruptionError{
			Key:    s.key,
			Detail: fmt.Sprintf("insert [%d,%d) overlaps cached [%d,%d)", s.pos, s.end(), spans[i].pos, spans[i].end()),
		}
	}
	idx.nextID++
	s.id = idx.nextID
	idx.keys[s.key] = slices.Insert(spans, i, s)
	idx.byID[s.id] = s
	idx.size += s.len
	for _, l := range idx.listeners {
		l.SpanAdded(s.info())
	}
	return nil
}

// Extend grows span id by n bytes after n bytes were appended to its extent.
func (idx *Index) Extend(id uint64, n int64) (SpanInfo, error) {
	if n <= 0 {
		return SpanInfo{}, fmt.Errorf("index: invalid extension %d", n)
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	s, ok := idx.byID[id]
	if !ok {
		return SpanInfo{}, rangetype.ErrSpanGone
	}
	if next, ok := idx.nextLocked(s); ok && next.pos < s.end()+n {
		return SpanInfo{}, &rangetype.CorruptionError{
			Key:    s.key,
			Detail: fmt.Sprintf("extend [%d,%d) by %d overlaps cached [%d,%d)", s.pos, s.end(), n, next.pos, next.end()),
		}
	}
	s.len += n
	s.lastAccess = idx.now()
	idx.size += n
	idx.notifyTouched(s)
	return s.info(), nil
}

// Merge folds the right span into the left one after the right span's bytes
// were appended to the left extent. The right extent is freed.
func (idx *Index) Merge(leftID, rightID uint64) (SpanInfo, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	left, ok := idx.byID[leftID]
	if !ok {
		return SpanInfo{}, rangetype.ErrSpanGone
	}
	right, ok := idx.byID[rightID]
	if !ok {
		return SpanInfo{}, rangetype.ErrSpanGone
	}
	if left.key != right.key || left.end() != right.pos {
		return SpanInfo{}, fmt.Errorf("index: spans %d and %d are not adjacent", leftID, rightID)
	}
	rightLen := right.len
	freeErr := idx.removeLocked(right)
	left.len += rightLen
	left.lastAccess = idx.now()
	idx.size += rightLen
	idx.notifyTouched(left)
	return left.info(), freeErr
}

// Touch marks span id as accessed now.
func (idx *Index) Touch(id uint64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if s, ok := idx.byID[id]; ok {
		s.lastAccess = idx.now()
		idx.notifyTouched(s)
	}
}

// Remove deletes span id and frees its extent. The span is unindexed even
// when freeing fails; the error is reported as a StorageError.
func (idx *Index) Remove(id uint64) (SpanInfo, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	s, ok := idx.byID[id]
	if !ok {
		return SpanInfo{}, rangetype.ErrSpanGone
	}
	info := s.info()
	return info, idx.removeLocked(s)
}

// RemoveKey deletes every span of key and returns the number of bytes freed.
func (idx *Index) RemoveKey(key string) (int64, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.removeKeyLocked(key)
}

func (idx *Index) removeKeyLocked(key string) (int64, error) {
	var freed int64
	var firstErr error
	for _, s := range slices.Clone(idx.keys[key]) {
		freed += s.len
		if err := idx.removeLocked(s); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return freed, firstErr
}

func (idx *Index) removeLocked(s *span) error {
	spans := idx.keys[s.key]
	i := sort.Search(len(spans), func(i int) bool { return spans[i].pos >= s.pos })
	if i < len(spans) && spans[i] == s {
		spans = slices.Delete(spans, i, i+1)
	}
	if len(spans) == 0 {
		delete(idx.keys, s.key)
	} else {
		idx.keys[s.key] = spans
	}
	delete(idx.byID, s.id)
	idx.size -= s.len
	for _, l := range idx.listeners {
		l.SpanRemoved(s.info())
	}
	if err := idx.store.Free(s.loc); err != nil {
		return &rangetype.StorageError{Op: "free", Locator: s.loc, Err: err}
	}
	return nil
}

// Span returns the current state of span id.
func (idx *Index) Span(id uint64) (SpanInfo, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	s, ok := idx.byID[id]
	if !ok {
		return SpanInfo{}, false
	}
	return s.info(), true
}

// EndingAt returns the span of key whose end is exactly pos.
func (idx *Index) EndingAt(key string, pos int64) (SpanInfo, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	spans := idx.keys[key]
	i := sort.Search(len(spans), func(i int) bool { return spans[i].end() >= pos })
	if i < len(spans) && spans[i].end() == pos {
		return spans[i].info(), true
	}
	return SpanInfo{}, false
}

// StartingAt returns the span of key that begins exactly at pos.
func (idx *Index) StartingAt(key string, pos int64) (SpanInfo, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	spans := idx.keys[key]
	i := sort.Search(len(spans), func(i int) bool { return spans[i].pos >= pos })
	if i < len(spans) && spans[i].pos == pos {
		return spans[i].info(), true
	}
	return SpanInfo{}, false
}

// Size returns the total number of cached bytes.
func (idx *Index) Size() int64 {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.size
}

// Len returns the number of cached spans.
func (idx *Index) Len() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.byID)
}

// Spans returns the spans of key in position order.
func (idx *Index) Spans(key string) []SpanInfo {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	spans := idx.keys[key]
	out := make([]SpanInfo, len(spans))
	for i, s := range spans {
		out[i] = s.info()
	}
	return out
}

// All returns every span ordered by key then position.
func (idx *Index) All() []SpanInfo {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	sorted := idx.sortedLocked()
	out := make([]SpanInfo, len(sorted))
	for i, s := range sorted {
		out[i] = s.info()
	}
	return out
}

// Quarantine stops serving cached bytes for key until the next Reconcile.
// An empty key quarantines the whole cache.
func (idx *Index) Quarantine(key string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if key == "" {
		idx.poisoned = true
		return
	}
	idx.quarantined[key] = struct{}{}
}

// Quarantined reports whether cached reads for key are suspended.
func (idx *Index) Quarantined(key string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.quarantinedLocked(key)
}

func (idx *Index) quarantinedLocked(key string) bool {
	if idx.poisoned {
		return true
	}
	_, ok := idx.quarantined[key]
	return ok
}

// Verify checks the structural invariants: spans of a key are sorted and
// disjoint, the size counter matches the span lengths, and every extent
// holds exactly as many bytes as its span.
func (idx *Index) Verify() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var total int64
	for key, spans := range idx.keys {
		for i, s := range spans {
			if i > 0 && spans[i-1].end() > s.pos {
				return &rangetype.CorruptionError{
					Key:    key,
					Detail: fmt.Sprintf("spans [%d,%d) and [%d,%d) overlap", spans[i-1].pos, spans[i-1].end(), s.pos, s.end()),
				}
			}
			size, err := idx.store.Size(s.loc)
			if err != nil {
				return &rangetype.CorruptionError{Key: key, Detail: fmt.Sprintf("extent %s: %v", s.loc, err)}
			}
			if size != s.len {
				return &rangetype.CorruptionError{
					Key:    key,
					Detail: fmt.Sprintf("extent %s holds %d bytes, span [%d,%d) expects %d", s.loc, size, s.pos, s.end(), s.len),
				}
			}
			total += s.len
		}
	}
	if total != idx.size {
		return &rangetype.CorruptionError{Detail: fmt.Sprintf("size counter %d, spans sum to %d", idx.size, total)}
	}
	return nil
}

func (idx *Index) nextLocked(s *span) (*span, bool) {
	spans := idx.keys[s.key]
	i := sort.Search(len(spans), func(i int) bool { return spans[i].pos > s.pos })
	if i < len(spans) {
		return spans[i], true
	}
	return nil, false
}

func (idx *Index) notifyTouched(s *span) {
	for _, l := range idx.listeners {
		l.SpanTouched(s.info())
	}
}

func (idx *Index) sortedLocked() []*span {
	out := make([]*span, 0, len(idx.byID))
	for _, spans := range idx.keys {
		out = append(out, spans...)
	}
	slices.SortFunc(out, func(a, b *span) int {
		return cmp.Or(cmp.Compare(a.key, b.key), cmp.Compare(a.pos, b.pos))
	})
	return out
}
