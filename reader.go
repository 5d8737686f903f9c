package rangecache

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/cenkalti/backoff/v4"

	"github.com/meigma/rangecache/internal/index"
	"github.com/meigma/rangecache/internal/sink"
	"github.com/meigma/rangecache/internal/spanlock"
	"github.com/meigma/rangecache/storage"
)

// segment is the part of the range currently being delivered.
type segment struct {
	index.Segment
	persist bool // write fetched bytes through to the cache
}

func (s *segment) end() int64 { return s.Pos + s.Len }

// rangeReader streams one range, serving hits from storage and fetching
// holes from upstream.
//
// The next segment is planned only when the previous one is finished. The
// reader's lock keeps other writers out of the range, so the index can only
// change there through this reader's own write-through, and looking it up
// again picks up spans that were merged in the meantime.
type rangeReader struct {
	c    *Cache
	ctx  context.Context
	key  string
	lock *spanlock.Lock // nil when bypassing the cache

	pos         int64 // next byte to deliver
	end         int64
	uncachedEnd int64 // bytes before this are streamed without touching the cache

	cur      *segment
	body     io.ReadCloser
	bodyRead int64 // bytes received from body
	writer   *sink.Writer
	failures int             // consecutive mid-stream failures without progress
	resume   backoff.BackOff // delay schedule for resuming after those failures

	mu   sync.Mutex
	err  error // terminal state; io.EOF once the range is delivered
	stop func() bool
}

func newRangeReader(ctx context.Context, c *Cache, key string, pos, length int64, lock *spanlock.Lock) *rangeReader {
	r := &rangeReader{
		c:    c,
		ctx:  ctx,
		key:  key,
		lock: lock,
		pos:  pos,
		end:  pos + length,
	}
	if lock == nil {
		r.uncachedEnd = r.end
	}
	// Held until stop is set, since the callback may run immediately.
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stop = context.AfterFunc(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.finish(ctx.Err())
	})
	return r
}

// Read implements io.Reader.
func (r *rangeReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return 0, r.err
	}
	if len(p) == 0 {
		return 0, nil
	}
	if err := r.ctx.Err(); err != nil {
		r.finish(err)
		return 0, err
	}
	for r.pos < r.end {
		if r.cur == nil {
			r.plan()
		}
		var n int
		var err error
		if r.cur.Hit {
			n, err = r.readHit(p)
		} else {
			n, err = r.readHole(p)
		}
		if r.cur != nil && r.pos == r.cur.end() {
			r.endSegment()
		}
		if err != nil {
			r.finish(err)
			return n, err
		}
		if n > 0 {
			return n, nil
		}
	}
	r.finish(io.EOF)
	return 0, io.EOF
}

// Close releases the region lock. It is safe to call more than once.
func (r *rangeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finish(ErrClosed)
	return nil
}

func (r *rangeReader) plan() {
	if r.pos < r.uncachedEnd {
		r.cur = &segment{Segment: index.Segment{Pos: r.pos, Len: r.uncachedEnd - r.pos}}
		return
	}
	seg := r.c.idx.Lookup(r.key, r.pos, r.end-r.pos)[0]
	r.cur = &segment{Segment: seg, persist: !seg.Hit}
	if seg.Hit {
		r.c.idx.Touch(seg.Span.ID)
		r.c.log().Debug("cache hit", "key", r.key, "position", seg.Pos, "length", seg.Len)
	} else {
		r.c.log().Debug("cache miss", "key", r.key, "position", seg.Pos, "length", seg.Len)
	}
}

func (r *rangeReader) readHit(p []byte) (int, error) {
	seg := r.cur
	n := min(int64(len(p)), seg.end()-r.pos)
	off := seg.Offset() + (r.pos - seg.Pos)
	if _, err := r.c.store.ReadAt(seg.Span.Locator, p[:n], off); err != nil {
		serr := &StorageError{Op: "read", Locator: seg.Span.Locator, Err: err}
		r.c.storageFault(r.key, serr)
		if !r.c.ignoreCacheOnError {
			return 0, serr
		}
		// A vanished extent is unindexed so the hole can be cached again.
		// Anything else stays indexed and is bypassed.
		if !errors.Is(err, storage.ErrNotFound) || !r.c.dropSpan(seg.Span) {
			r.uncachedEnd = seg.end()
		}
		r.cur = nil
		return 0, nil
	}
	r.pos += n
	r.c.counters.hitBytes.Add(n)
	return int(n), nil
}

func (r *rangeReader) readHole(p []byte) (int, error) {
	seg := r.cur
	if r.body == nil {
		body, err := r.c.open(r.ctx, r.key, r.pos, seg.end()-r.pos)
		if err != nil {
			return 0, err
		}
		r.body = body
		r.bodyRead = 0
		if seg.persist && r.writer == nil {
			r.writer = r.c.sink.Writer(r.key, r.pos, r.lock)
		}
	}

	n, err := r.body.Read(p[:min(int64(len(p)), seg.end()-r.pos)])
	if n > 0 {
		r.write(p[:n])
		r.pos += int64(n)
		r.bodyRead += int64(n)
		r.failures = 0
		r.resume = nil
		r.c.counters.missBytes.Add(int64(n))
	}
	if err == nil {
		return n, nil
	}

	received := r.bodyRead
	r.closeBody()
	if errors.Is(err, io.EOF) {
		// Servers may answer with less than the requested range. Only a
		// fetch that yields nothing marks the end of the resource.
		if r.pos < seg.end() && received == 0 {
			r.c.log().Debug("resource ended before requested range", "key", r.key, "position", r.pos, "requested_end", r.end)
			r.end = r.pos
		}
		return n, nil
	}
	if ctxErr := r.ctx.Err(); ctxErr != nil {
		return n, ctxErr
	}
	ferr := classifyFetchError(r.key, r.pos, seg.end()-r.pos, err)
	r.failures++
	if IsPermanent(ferr) || r.failures >= r.c.maxFetchAttempts {
		return n, ferr
	}
	if r.resume == nil {
		r.resume = r.c.newBackOff(r.ctx)
	}
	wait := r.resume.NextBackOff()
	if wait == backoff.Stop {
		if ctxErr := r.ctx.Err(); ctxErr != nil {
			return n, ctxErr
		}
		return n, ferr
	}
	r.c.counters.fetchRetries.Add(1)
	r.c.log().Debug("upstream stream failed, resuming", "key", r.key, "position", r.pos, "wait", wait, "error", err)
	if err := sleep(r.ctx, wait); err != nil {
		return n, err
	}
	// The next Read resumes from the first undelivered byte.
	return n, nil
}

// write persists chunk and stops write-through for the segment on failure.
func (r *rangeReader) write(chunk []byte) {
	if r.writer == nil {
		return
	}
	if err := r.c.persist(r.writer, chunk); err != nil {
		r.c.writeFailed(r.key, err)
		r.writer = nil
		r.cur.persist = false
	}
}

func (r *rangeReader) endSegment() {
	r.closeBody()
	r.writer = nil
	r.cur = nil
}

func (r *rangeReader) closeBody() {
	if r.body != nil {
		_ = r.body.Close()
		r.body = nil
	}
}

// finish moves the reader to its terminal state and releases the lock.
func (r *rangeReader) finish(err error) {
	if r.err != nil {
		return
	}
	r.err = err
	r.closeBody()
	r.writer = nil
	r.cur = nil
	r.lock.Release()
	r.stop()
}
