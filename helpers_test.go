package rangecache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meigma/rangecache/storage"
	"github.com/meigma/rangecache/storage/memory"
)

type fetchCall struct {
	key    string
	pos    int64
	length int64
}

// fakeFetcher serves in-memory resources and records every request.
type fakeFetcher struct {
	mu    sync.Mutex
	data  map[string][]byte
	calls []fetchCall

	// fail, if set, may reject a request before any byte is served.
	fail func(call int, c fetchCall) error
	// breakAfter, if > 0, makes the first body fail after that many bytes.
	breakAfter int
	broken     bool
	// chunk bounds the bytes returned per Read; 0 means unbounded.
	chunk int
	// limit caps the bytes served per request, like a server answering
	// with a shorter range than asked for; 0 means unbounded.
	limit int64
	// block, if set, stalls every body until closed or the context ends.
	block chan struct{}
}

func newFakeFetcher(resources map[string][]byte) *fakeFetcher {
	return &fakeFetcher{data: resources}
}

func (f *fakeFetcher) Fetch(ctx context.Context, key string, pos, length int64) (io.ReadCloser, error) {
	f.mu.Lock()
	call := fetchCall{key: key, pos: pos, length: length}
	f.calls = append(f.calls, call)
	n := len(f.calls)
	fail := f.fail
	data, ok := f.data[key]
	limit := f.limit
	breakAfter := 0
	if f.breakAfter > 0 && !f.broken {
		f.broken = true
		breakAfter = f.breakAfter
	}
	f.mu.Unlock()

	if fail != nil {
		if err := fail(n, call); err != nil {
			return nil, err
		}
	}
	if !ok {
		return nil, &FetchError{Kind: Permanent, Err: errors.New("not found")}
	}
	if pos >= int64(len(data)) {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	end := min(pos+length, int64(len(data)))
	if limit > 0 {
		end = min(end, pos+limit)
	}
	return &fakeBody{
		ctx:        ctx,
		r:          bytes.NewReader(data[pos:end]),
		chunk:      f.chunk,
		breakAfter: breakAfter,
		block:      f.block,
	}, nil
}

func (f *fakeFetcher) Size(_ context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.data[key]
	if !ok {
		return 0, &FetchError{Kind: Permanent, Key: key, Err: errors.New("not found")}
	}
	return int64(len(data)), nil
}

func (f *fakeFetcher) Calls() []fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fetchCall(nil), f.calls...)
}

func (f *fakeFetcher) FetchedBytes() int64 {
	var total int64
	for _, c := range f.Calls() {
		total += c.length
	}
	return total
}

type fakeBody struct {
	ctx        context.Context
	r          *bytes.Reader
	chunk      int
	breakAfter int
	served     int
	block      chan struct{}
}

func (b *fakeBody) Read(p []byte) (int, error) {
	if b.block != nil {
		select {
		case <-b.block:
		case <-b.ctx.Done():
			return 0, b.ctx.Err()
		}
	}
	if b.breakAfter > 0 && b.served >= b.breakAfter {
		return 0, &FetchError{Kind: Transient, Err: errors.New("connection reset")}
	}
	if b.chunk > 0 && len(p) > b.chunk {
		p = p[:b.chunk]
	}
	if b.breakAfter > 0 && len(p) > b.breakAfter-b.served {
		p = p[:b.breakAfter-b.served]
	}
	n, err := b.r.Read(p)
	b.served += n
	return n, err
}

func (b *fakeBody) Close() error { return nil }

// failingStore wraps a memory backend and fails reads on demand.
type failingStore struct {
	*memory.Backend
	failReads atomic.Bool
}

func (s *failingStore) ReadAt(loc storage.Locator, p []byte, off int64) (int, error) {
	if s.failReads.Load() {
		return 0, errors.New("injected read failure")
	}
	return s.Backend.ReadAt(loc, p, off)
}

// tickClock returns strictly increasing times.
func tickClock() func() time.Time {
	var n atomic.Int64
	base := time.Unix(1_700_000_000, 0)
	return func() time.Time {
		return base.Add(time.Duration(n.Add(1)) * time.Millisecond)
	}
}

func pattern(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i % 251)
	}
	return out
}

func openMemCache(t *testing.T, f Fetcher, cfg Config, opts ...Option) *Cache {
	t.Helper()
	opts = append([]Option{
		WithStorage(memory.New()),
		WithClock(tickClock()),
		WithRetryBackoff(time.Millisecond, time.Millisecond),
	}, opts...)
	c, err := Open(cfg, f, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func readAll(t *testing.T, c *Cache, key string, pos, length int64) []byte {
	t.Helper()
	rc, err := c.ReadRange(context.Background(), key, pos, length)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}
