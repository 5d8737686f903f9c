package rangecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/meigma/rangecache/internal/evict"
	"github.com/meigma/rangecache/internal/index"
	"github.com/meigma/rangecache/internal/sink"
	"github.com/meigma/rangecache/internal/spanlock"
	"github.com/meigma/rangecache/storage"
	"github.com/meigma/rangecache/storage/disk"
)

const (
	extentsDir   = "extents"
	snapshotFile = "index.fb.zst"
	rootDirPerm  = 0o700
)

// ReconcileStats summarizes a reconciliation pass.
type ReconcileStats = index.ReconcileStats

// Cache is a disk-backed byte-range cache in front of a Fetcher.
// It is safe for concurrent use.
type Cache struct {
	cfg     Config
	fetcher Fetcher
	logger  *slog.Logger
	store   storage.Backend
	now     func() time.Time

	blockOnCache       bool
	ignoreCacheOnError bool
	maxFetchAttempts   int
	retryInitial       time.Duration
	retryMax           time.Duration
	snapshotInterval   time.Duration
	snapshotPath       string // empty disables persistence

	idx     *index.Index
	locks   *spanlock.Manager
	evictor *evict.Evictor
	sink    *sink.Sink

	// gate excludes write-through while Verify or Reconcile compare the
	// index with storage.
	gate sync.RWMutex

	counters   counters
	registerer prometheus.Registerer
	registered []prometheus.Collector
	saveGroup  singleflight.Group
	sizeGroup  singleflight.Group

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// Open creates a cache over fetcher, restoring and reconciling the index
// persisted in cfg.StorageRoot.
func Open(cfg Config, fetcher Fetcher, opts ...Option) (*Cache, error) {
	if fetcher == nil {
		return nil, ErrNoFetcher
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	c := &Cache{
		cfg:                cfg,
		fetcher:            fetcher,
		now:                time.Now,
		blockOnCache:       true,
		ignoreCacheOnError: true,
		maxFetchAttempts:   DefaultMaxFetchAttempts,
		retryInitial:       defaultRetryInitial,
		retryMax:           defaultRetryMax,
		snapshotInterval:   DefaultSnapshotInterval,
		done:               make(chan struct{}),
	}
	for _, opt := range append(cfg.options(), opts...) {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	if cfg.StorageRoot != "" {
		if err := os.MkdirAll(cfg.StorageRoot, rootDirPerm); err != nil {
			return nil, fmt.Errorf("rangecache: create storage root: %w", err)
		}
		c.snapshotPath = filepath.Join(cfg.StorageRoot, snapshotFile)
	}
	if c.store == nil {
		if cfg.StorageRoot == "" {
			return nil, ErrNoStorageRoot
		}
		store, err := disk.New(filepath.Join(cfg.StorageRoot, extentsDir))
		if err != nil {
			return nil, fmt.Errorf("rangecache: open storage: %w", err)
		}
		c.store = store
	}

	c.idx = index.New(c.store, index.WithClock(c.now))
	c.locks = spanlock.New()
	c.evictor = evict.New(c.idx, c.locks, int64(cfg.MaxTotalCacheSize), evict.WithOnEvict(c.evicted))
	c.sink = sink.New(c.idx, c.locks, c.evictor, int64(cfg.MaxSpanSize), sink.WithLogger(c.log()))

	if err := c.load(); err != nil {
		return nil, err
	}
	if err := c.registerMetrics(); err != nil {
		return nil, err
	}
	if c.snapshotPath != "" && c.snapshotInterval > 0 {
		c.wg.Add(1)
		go c.snapshotLoop()
	}
	return c, nil
}

func (c *Cache) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// Close saves the index and stops background work. Readers still open keep
// working but their writes may be missing from the saved index.
func (c *Cache) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		c.wg.Wait()
		err = c.writeSnapshot()
		c.unregisterMetrics()
	})
	return err
}

// ReadRange returns a stream of bytes [pos, pos+length) of key.
//
// The stream holds a lock over the region until it reaches EOF, fails, is
// closed or ctx is cancelled; callers must Close it. It ends early with
// io.EOF if the resource is shorter than requested.
func (c *Cache) ReadRange(ctx context.Context, key string, pos, length int64) (io.ReadCloser, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if key == "" {
		return nil, ErrInvalidKey
	}
	if pos < 0 || length < 0 || length > math.MaxInt64-pos {
		return nil, fmt.Errorf("%w: [%d,+%d)", ErrInvalidRange, pos, length)
	}
	if length == 0 {
		return io.NopCloser(eofReader{}), nil
	}

	if !c.blockOnCache {
		lock, ok := c.locks.TryAcquire(key, pos, length)
		if !ok {
			c.counters.bypassedReads.Add(1)
			c.log().Debug("region busy, reading upstream", "key", key, "position", pos, "length", length)
			return newRangeReader(ctx, c, key, pos, length, nil), nil
		}
		return newRangeReader(ctx, c, key, pos, length, lock), nil
	}
	lock, err := c.locks.Acquire(ctx, key, pos, length)
	if err != nil {
		return nil, err
	}
	return newRangeReader(ctx, c, key, pos, length, lock), nil
}

// ReadAt reads len(p) bytes of key starting at off. Fewer bytes are returned
// together with io.EOF when the resource ends first.
func (c *Cache) ReadAt(ctx context.Context, key string, p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	rc, err := c.ReadRange(ctx, key, off, int64(len(p)))
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	n, err := io.ReadFull(rc, p)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	return n, err
}

// Invalidate removes every cached span of key. It waits for in-flight reads
// of the key to finish.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	lock, err := c.locks.Acquire(ctx, key, 0, math.MaxInt64)
	if err != nil {
		return err
	}
	defer lock.Release()
	freed, err := c.idx.RemoveKey(key)
	c.log().Debug("invalidated resource", "key", key, "freed", freed)
	return err
}

// Prune evicts least recently used spans until the cache holds at most
// target bytes. Spans in use are skipped. It returns the bytes freed.
func (c *Cache) Prune(target int64) (int64, error) {
	return c.evictor.Trim(target)
}

// Verify checks that the index is consistent with storage. A detected
// corruption quarantines the affected key, or the whole cache, until
// Reconcile runs.
func (c *Cache) Verify() error {
	c.gate.Lock()
	defer c.gate.Unlock()
	err := c.idx.Verify()
	var ce *CorruptionError
	if errors.As(err, &ce) {
		c.corruption(ce)
	}
	return err
}

// Reconcile drops index entries that disagree with storage, frees
// unreferenced extents, lifts quarantine and saves the index.
func (c *Cache) Reconcile() (ReconcileStats, error) {
	c.gate.Lock()
	stats, err := c.idx.Reconcile()
	c.gate.Unlock()
	if err != nil {
		return stats, fmt.Errorf("rangecache: reconcile: %w", err)
	}
	c.log().Info("index reconciled", "dropped", stats.Dropped, "orphans", stats.Orphans, "quarantined", stats.Quarantined)
	return stats, c.save()
}

// Flush saves the index snapshot now.
func (c *Cache) Flush() error {
	return c.save()
}

// load restores the persisted index and reconciles it with storage.
func (c *Cache) load() error {
	if c.snapshotPath != "" {
		records, err := readSnapshotFile(c.snapshotPath)
		var ce *CorruptionError
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case errors.As(err, &ce):
			// Start empty; reconciliation frees the unreferenced extents.
			c.counters.corruptions.Add(1)
			c.log().Error("discarding unreadable index snapshot", "path", c.snapshotPath, "error", err)
		case err != nil:
			return fmt.Errorf("rangecache: load index: %w", err)
		default:
			if skipped := c.idx.Restore(records); len(skipped) > 0 {
				c.log().Warn("skipped invalid snapshot records", "count", len(skipped))
			}
		}
	}

	stats, err := c.idx.Reconcile()
	if err != nil {
		return fmt.Errorf("rangecache: reconcile: %w", err)
	}
	c.log().Debug("index loaded", "spans", c.idx.Len(), "size", c.idx.Size(),
		"dropped", stats.Dropped, "orphans", stats.Orphans)

	// The budget may have shrunk since the snapshot was taken.
	if budget := c.evictor.Budget(); budget > 0 && c.idx.Size() > budget {
		if _, err := c.evictor.Trim(budget); err != nil {
			c.log().Warn("trim restored index", "error", err)
		}
	}
	return c.save()
}

func (c *Cache) snapshotLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.save(); err != nil {
				c.log().Warn("save index snapshot", "error", err)
			}
		}
	}
}

// save writes the snapshot, sharing the work among concurrent callers.
func (c *Cache) save() error {
	if c.snapshotPath == "" {
		return nil
	}
	_, err, _ := c.saveGroup.Do(snapshotFile, func() (any, error) {
		return nil, c.writeSnapshot()
	})
	return err
}

func (c *Cache) writeSnapshot() error {
	if c.snapshotPath == "" {
		return nil
	}
	dir := filepath.Dir(c.snapshotPath)
	tmp, err := os.CreateTemp(dir, "index-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if err := c.idx.WriteSnapshot(tmp); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, c.snapshotPath); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

func readSnapshotFile(path string) ([]index.SpanInfo, error) {
	f, err := os.Open(path) //nolint:gosec // path is under the storage root
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return index.ReadSnapshot(f)
}

func (c *Cache) evicted(s index.SpanInfo) {
	c.counters.evictions.Add(1)
	c.counters.evictedBytes.Add(s.Len)
	c.log().Debug("evicted span", "key", s.Key, "position", s.Pos, "length", s.Len)
}

// persist writes a fetched chunk through the sink.
func (c *Cache) persist(w *sink.Writer, chunk []byte) error {
	c.gate.RLock()
	defer c.gate.RUnlock()
	_, err := w.Write(chunk)
	return err
}

// writeFailed records why write-through stopped for key.
func (c *Cache) writeFailed(key string, err error) {
	var ce *CorruptionError
	var se *StorageError
	switch {
	case errors.Is(err, sink.ErrQuarantined):
		c.log().Debug("not caching quarantined resource", "key", key)
	case errors.As(err, &ce):
		c.corruption(ce)
	case errors.As(err, &se):
		c.storageFault(key, se)
	default:
		c.log().Warn("write-through failed", "key", key, "error", err)
	}
}

func (c *Cache) storageFault(key string, err *StorageError) {
	c.counters.storageErrors.Add(1)
	c.log().Warn("storage failure, serving from upstream", "key", key, "op", err.Op, "locator", err.Locator, "error", err.Err)
}

func (c *Cache) corruption(err *CorruptionError) {
	c.counters.corruptions.Add(1)
	c.log().Error("index corruption, quarantining", "key", err.Key, "detail", err.Detail)
	c.idx.Quarantine(err.Key)
}

// dropSpan unindexes a span whose extent vanished.
func (c *Cache) dropSpan(s index.SpanInfo) bool {
	_, err := c.idx.Remove(s.ID)
	return err == nil || errors.Is(err, storage.ErrNotFound)
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }
