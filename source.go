package rangecache

import (
	"context"
	"fmt"
	"io"
)

// Source exposes one cached resource as a random-access byte source.
// It satisfies io.ReaderAt plus Size and SourceID.
type Source struct {
	cache *Cache
	ctx   context.Context
	key   string
	size  int64
}

// Source returns a random-access view of key, which is size bytes long.
func (c *Cache) Source(key string, size int64) *Source {
	return &Source{cache: c, ctx: context.Background(), key: key, size: size}
}

// OpenSource returns a random-access view of key, asking the fetcher for
// its size. The fetcher must implement Sizer.
func (c *Cache) OpenSource(ctx context.Context, key string) (*Source, error) {
	size, err := c.size(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("rangecache: size of %s: %w", key, err)
	}
	return c.Source(key, size), nil
}

// WithContext returns a copy of s whose reads use ctx.
func (s *Source) WithContext(ctx context.Context) *Source {
	cp := *s
	cp.ctx = ctx
	return &cp
}

// Size returns the size of the resource.
func (s *Source) Size() int64 {
	return s.size
}

// SourceID returns the resource key.
func (s *Source) SourceID() string {
	return s.key
}

// ReadAt implements io.ReaderAt.
func (s *Source) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("read at %d: negative offset", off)
	}
	if off >= s.size {
		return 0, io.EOF
	}
	want := min(int64(len(p)), s.size-off)
	n, err := s.cache.ReadAt(s.ctx, s.key, p[:want], off)
	if err != nil {
		return n, err
	}
	if want < int64(len(p)) {
		return n, io.EOF
	}
	return n, nil
}

// ReadRange returns a stream of [off, off+length) clamped to the resource size.
func (s *Source) ReadRange(off, length int64) (io.ReadCloser, error) {
	if off >= s.size && length > 0 {
		return nil, io.EOF
	}
	return s.cache.ReadRange(s.ctx, s.key, off, min(length, max(s.size-off, 0)))
}
