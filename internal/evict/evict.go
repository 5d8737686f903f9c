// Package evict enforces a byte budget on the range cache by removing the
// least recently used spans.
//
// The evictor keeps its own recency heap, fed by index events. A span whose
// region is locked (being read, written or merged) cannot be removed, so
// eviction scans from the oldest span and skips locked candidates instead of
// simply popping the minimum.
package evict

import (
	"container/heap"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/meigma/rangecache/internal/index"
	"github.com/meigma/rangecache/internal/rangetype"
	"github.com/meigma/rangecache/internal/spanlock"
)

// Evictor removes least recently used spans while the cache exceeds its budget.
type Evictor struct {
	idx     *index.Index
	locks   *spanlock.Manager
	budget  int64 // <= 0 means unlimited
	onEvict func(index.SpanInfo)

	mu      sync.Mutex
	heap    entryHeap
	entries map[uint64]*entry
}

// Option configures an Evictor.
type Option func(*Evictor)

// WithOnEvict registers a callback invoked after each evicted span.
func WithOnEvict(fn func(index.SpanInfo)) Option {
	return func(e *Evictor) {
		e.onEvict = fn
	}
}

// New creates an evictor for idx and subscribes it to index events.
func New(idx *index.Index, locks *spanlock.Manager, budget int64, opts ...Option) *Evictor {
	e := &Evictor{
		idx:     idx,
		locks:   locks,
		budget:  budget,
		entries: make(map[uint64]*entry),
	}
	for _, opt := range opts {
		opt(e)
	}
	idx.Subscribe(e)
	return e
}

// Budget returns the configured byte budget (0 = unlimited).
func (e *Evictor) Budget() int64 {
	return max(e.budget, 0)
}

// OnAfterWrite restores the budget after a write of newSpanSize bytes. Spans
// under an active lock, including the one just written, are never removed, so
// the cache may stay above budget until those locks are released. It returns
// the number of bytes freed.
func (e *Evictor) OnAfterWrite(newSpanSize int64) (int64, error) {
	if e.budget <= 0 || newSpanSize < 0 {
		return 0, nil
	}
	return e.Trim(e.budget)
}

// Trim evicts spans in least recently used order until the cache holds at
// most target bytes or every remaining span is locked.
func (e *Evictor) Trim(target int64) (int64, error) {
	target = max(target, 0)

	var freed int64
	var errs []error
	for e.idx.Size() > target {
		victim, pin, ok := e.pick()
		if !ok {
			break
		}
		info, err := e.idx.Remove(victim)
		pin.Release()
		if errors.Is(err, rangetype.ErrSpanGone) {
			continue
		}
		// The span is unindexed even if freeing its extent failed.
		freed += info.Len
		if err != nil {
			errs = append(errs, err)
		}
		if e.onEvict != nil {
			e.onEvict(info)
		}
	}
	return freed, errors.Join(errs...)
}

// Order returns span IDs from least to most recently used.
func (e *Evictor) Order() []uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	tmp := make(entryHeap, len(e.heap))
	for i, ent := range e.heap {
		cp := *ent
		cp.index = i
		tmp[i] = &cp
	}
	out := make([]uint64, 0, len(tmp))
	for tmp.Len() > 0 {
		out = append(out, heap.Pop(&tmp).(*entry).id) //nolint:errcheck // heap holds *entry only
	}
	return out
}

// pick returns the oldest span that could be pinned, with its pin held.
func (e *Evictor) pick() (uint64, *spanlock.Lock, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var popped []*entry
	defer func() {
		for _, ent := range popped {
			heap.Push(&e.heap, ent)
		}
	}()
	for e.heap.Len() > 0 {
		ent := heap.Pop(&e.heap).(*entry) //nolint:errcheck // heap holds *entry only
		popped = append(popped, ent)
		if pin, ok := e.locks.TryAcquire(ent.key, ent.pos, ent.len); ok {
			return ent.id, pin, true
		}
	}
	return 0, nil, false
}

// SpanAdded implements index.Listener.
func (e *Evictor) SpanAdded(s index.SpanInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.entries[s.ID]; ok {
		return
	}
	ent := &entry{id: s.ID, key: s.Key, pos: s.Pos, len: s.Len, at: s.LastAccess}
	e.entries[s.ID] = ent
	heap.Push(&e.heap, ent)
}

// SpanTouched implements index.Listener.
func (e *Evictor) SpanTouched(s index.SpanInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.entries[s.ID]
	if !ok {
		return
	}
	ent.pos, ent.len, ent.at = s.Pos, s.Len, s.LastAccess
	if ent.index >= 0 {
		heap.Fix(&e.heap, ent.index)
	}
}

// SpanRemoved implements index.Listener.
func (e *Evictor) SpanRemoved(s index.SpanInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.entries[s.ID]
	if !ok {
		return
	}
	delete(e.entries, s.ID)
	if ent.index >= 0 {
		heap.Remove(&e.heap, ent.index)
	}
}

type entry struct {
	id    uint64
	key   string
	pos   int64
	len   int64
	at    time.Time
	index int // position in the heap, -1 when popped
}

// entryHeap orders entries by access time, then key, then position.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if !a.at.Equal(b.at) {
		return a.at.Before(b.at)
	}
	if c := strings.Compare(a.key, b.key); c != 0 {
		return c < 0
	}
	return a.pos < b.pos
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	ent := x.(*entry) //nolint:errcheck // heap holds *entry only
	ent.index = len(*h)
	*h = append(*h, ent)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	ent := old[n-1]
	old[n-1] = nil
	ent.index = -1
	*h = old[:n-1]
	return ent
}
