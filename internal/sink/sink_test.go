package sink

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/rangecache/internal/evict"
	"github.com/meigma/rangecache/internal/index"
	"github.com/meigma/rangecache/internal/rangetype"
	"github.com/meigma/rangecache/internal/spanlock"
	"github.com/meigma/rangecache/storage"
	"github.com/meigma/rangecache/storage/memory"
)

type fixture struct {
	store   *memory.Backend
	idx     *index.Index
	locks   *spanlock.Manager
	evictor *evict.Evictor
	sink    *Sink
}

func newFixture(t *testing.T, budget, spanCap int64, store storage.Backend) *fixture {
	t.Helper()
	mem, _ := store.(*memory.Backend)
	f := &fixture{store: mem, locks: spanlock.New()}
	f.idx = index.New(store)
	f.evictor = evict.New(f.idx, f.locks, budget)
	f.sink = New(f.idx, f.locks, f.evictor, spanCap)
	return f
}

func (f *fixture) lock(t *testing.T, key string, pos, length int64) *spanlock.Lock {
	t.Helper()
	l, err := f.locks.Acquire(context.Background(), key, pos, length)
	require.NoError(t, err)
	return l
}

func pattern(n int, seed byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = seed + byte(i%251)
	}
	return out
}

func lengths(spans []index.SpanInfo) []int64 {
	out := make([]int64, len(spans))
	for i, s := range spans {
		out[i] = s.Len
	}
	return out
}

func TestWriteSplitsAtSpanCap(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1000, 500, memory.New())
	l := f.lock(t, "A", 0, 1200)
	require.NoError(t, f.sink.Write("A", 0, pattern(1200, 0), l))

	assert.Equal(t, []int64{500, 500, 200}, lengths(f.idx.Spans("A")))
	assert.EqualValues(t, 1200, f.idx.Size(), "spans under the writer's lock are not evictable")
	l.Release()

	// A second key's bytes trigger eviction once no locks protect key A.
	l2 := f.lock(t, "B", 0, 300)
	require.NoError(t, f.sink.Write("B", 0, pattern(300, 7), l2))
	l2.Release()

	assert.LessOrEqual(t, f.idx.Size(), int64(1000))
	assert.Len(t, f.idx.Spans("B"), 1)
	require.NoError(t, f.idx.Verify())
}

func TestStreamingChunksCoalesce(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0, 100, memory.New())
	l := f.lock(t, "A", 0, 250)
	defer l.Release()

	data := pattern(250, 3)
	w := f.sink.Writer("A", 0, l)
	for off := 0; off < len(data); off += 30 {
		end := min(off+30, len(data))
		n, err := w.Write(data[off:end])
		require.NoError(t, err)
		require.Equal(t, end-off, n)
	}
	assert.EqualValues(t, 250, w.Written())

	spans := f.idx.Spans("A")
	assert.Equal(t, []int64{100, 100, 50}, lengths(spans))
	for _, s := range spans {
		got, ok := f.store.Bytes(s.Locator)
		require.True(t, ok)
		assert.Equal(t, data[s.Pos:s.End()], got)
	}
	require.NoError(t, f.idx.Verify())
}

func TestWriteExtendsLeftNeighbour(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0, 1000, memory.New())
	data := pattern(100, 1)

	l := f.lock(t, "A", 0, 50)
	require.NoError(t, f.sink.Write("A", 0, data[:50], l))
	l.Release()

	l = f.lock(t, "A", 0, 100)
	require.NoError(t, f.sink.Write("A", 50, data[50:], l))
	l.Release()

	spans := f.idx.Spans("A")
	require.Len(t, spans, 1)
	assert.EqualValues(t, 0, spans[0].Pos)
	assert.EqualValues(t, 100, spans[0].Len)
	got, _ := f.store.Bytes(spans[0].Locator)
	assert.Equal(t, data, got)
}

func TestWriteMergesRightNeighbour(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0, 1000, memory.New())
	data := pattern(150, 9)

	l := f.lock(t, "A", 100, 50)
	require.NoError(t, f.sink.Write("A", 100, data[100:], l))
	l.Release()

	l = f.lock(t, "A", 0, 100)
	require.NoError(t, f.sink.Write("A", 0, data[:100], l))
	l.Release()

	spans := f.idx.Spans("A")
	require.Len(t, spans, 1)
	assert.EqualValues(t, 150, spans[0].Len)
	got, _ := f.store.Bytes(spans[0].Locator)
	assert.Equal(t, data, got)
	require.NoError(t, f.idx.Verify())
}

func TestMergeSkippedWhenNeighbourBusy(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0, 1000, memory.New())

	l := f.lock(t, "A", 100, 50)
	require.NoError(t, f.sink.Write("A", 100, pattern(50, 0), l))
	l.Release()

	reader := f.lock(t, "A", 100, 50) // someone is reading the right span
	defer reader.Release()

	l = f.lock(t, "A", 0, 100)
	require.NoError(t, f.sink.Write("A", 0, pattern(100, 0), l))
	l.Release()

	assert.Equal(t, []int64{100, 50}, lengths(f.idx.Spans("A")))
}

func TestWriteQuarantinedKey(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0, 0, memory.New())
	f.idx.Quarantine("A")
	err := f.sink.Write("A", 0, []byte("x"), nil)
	assert.ErrorIs(t, err, ErrQuarantined)
}

func TestWriteOverlapIsCorruption(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0, 0, memory.New())
	require.NoError(t, f.sink.Write("A", 0, pattern(100, 0), nil))

	err := f.sink.Write("A", 50, pattern(10, 0), nil)
	var ce *rangetype.CorruptionError
	require.ErrorAs(t, err, &ce)
	require.NoError(t, f.idx.Verify(), "failed insert must not leak an extent into the index")
}

// failingStore fails appends after a budget of successful ones.
type failingStore struct {
	*memory.Backend
	appends int
}

func (s *failingStore) Append(loc storage.Locator, p []byte) error {
	if s.appends <= 0 {
		return errors.New("disk full")
	}
	s.appends--
	return s.Backend.Append(loc, p)
}

func TestStorageFailureLeavesValidPrefix(t *testing.T) {
	t.Parallel()

	store := &failingStore{Backend: memory.New(), appends: 2}
	f := newFixture(t, 0, 100, store)

	w := f.sink.Writer("A", 0, nil)
	_, err := w.Write(pattern(100, 0))
	require.NoError(t, err)
	_, err = w.Write(pattern(100, 1))
	require.NoError(t, err)
	_, err = w.Write(pattern(100, 2))
	var se *rangetype.StorageError
	require.ErrorAs(t, err, &se)

	// Later writes are refused with the same error.
	_, err = w.Write([]byte("more"))
	assert.ErrorAs(t, err, &se)
	assert.Equal(t, se, w.Err())

	assert.Equal(t, []int64{100, 100}, lengths(f.idx.Spans("A")))
	require.NoError(t, f.idx.Verify())
	n := 0
	for range store.List() {
		n++
	}
	assert.Equal(t, 2, n, "failed extent must be freed")
}

func TestFailedAppendDropsSpan(t *testing.T) {
	t.Parallel()

	store := &failingStore{Backend: memory.New(), appends: 1}
	f := newFixture(t, 0, 1000, store)

	require.NoError(t, f.sink.Write("A", 0, []byte("hello"), nil))
	err := f.sink.Write("A", 5, []byte("world"), nil)
	require.Error(t, err)

	assert.Empty(t, f.idx.Spans("A"))
	assert.Zero(t, f.idx.Size())
	require.NoError(t, f.idx.Verify())
}

func TestWriteEmptyIsNoop(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0, 0, memory.New())
	require.NoError(t, f.sink.Write("A", 0, nil, nil))
	assert.Zero(t, f.idx.Len())
}
