package rangecache

import (
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/meigma/rangecache/storage"
)

// Option configures a Cache.
type Option func(*Cache) error

// WithLogger sets the logger. By default nothing is logged.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) error {
		c.logger = logger
		return nil
	}
}

// WithStorage replaces the disk backend under StorageRoot with store.
// The index snapshot is still kept in StorageRoot when one is configured.
func WithStorage(store storage.Backend) Option {
	return func(c *Cache) error {
		if store == nil {
			return errors.New("rangecache: storage backend is nil")
		}
		c.store = store
		return nil
	}
}

// WithClock sets the time source used for span recency.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) error {
		if now == nil {
			return errors.New("rangecache: clock is nil")
		}
		c.now = now
		return nil
	}
}

// WithRegisterer registers the cache metrics with reg.
// They are unregistered again by Close.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Cache) error {
		c.registerer = reg
		return nil
	}
}

// WithBlockOnCache controls whether a read waits for an overlapping read of
// the same resource. When disabled, such a read bypasses the cache and
// streams from upstream. Defaults to true.
func WithBlockOnCache(enabled bool) Option {
	return func(c *Cache) error {
		c.blockOnCache = enabled
		return nil
	}
}

// WithIgnoreCacheOnError controls whether storage read failures fall back to
// upstream. When disabled, the *StorageError is returned to the reader.
// Defaults to true.
func WithIgnoreCacheOnError(enabled bool) Option {
	return func(c *Cache) error {
		c.ignoreCacheOnError = enabled
		return nil
	}
}

// WithMaxFetchAttempts sets how many times a transient fetch failure is
// attempted before it is returned. Defaults to 3.
func WithMaxFetchAttempts(n int) Option {
	return func(c *Cache) error {
		if n < 1 {
			return errors.New("rangecache: max fetch attempts must be >= 1")
		}
		c.maxFetchAttempts = n
		return nil
	}
}

// WithRetryBackoff sets the initial and maximum delay between fetch attempts.
func WithRetryBackoff(initial, maxDelay time.Duration) Option {
	return func(c *Cache) error {
		if initial <= 0 || maxDelay < initial {
			return errors.New("rangecache: invalid retry backoff")
		}
		c.retryInitial = initial
		c.retryMax = maxDelay
		return nil
	}
}

// WithSnapshotInterval sets how often the index is saved while the cache is
// open. Values <= 0 save only on Close.
func WithSnapshotInterval(d time.Duration) Option {
	return func(c *Cache) error {
		c.snapshotInterval = max(d, 0)
		return nil
	}
}
