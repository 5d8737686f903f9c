package rangecache

import "sync"

var (
	defaultMu    sync.Mutex
	defaultCache *Cache
)

// Init opens the process-wide cache. If it is already open, the existing
// cache is returned and cfg is ignored.
func Init(cfg Config, fetcher Fetcher, opts ...Option) (*Cache, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultCache != nil {
		return defaultCache, nil
	}
	c, err := Open(cfg, fetcher, opts...)
	if err != nil {
		return nil, err
	}
	defaultCache = c
	return c, nil
}

// Default returns the process-wide cache opened by Init.
func Default() (*Cache, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultCache == nil {
		return nil, ErrNotInitialized
	}
	return defaultCache, nil
}

// Shutdown closes the process-wide cache. A later Init opens a new one.
func Shutdown() error {
	defaultMu.Lock()
	c := defaultCache
	defaultCache = nil
	defaultMu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}
