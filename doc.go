// Package rangecache provides a disk-backed byte-range cache for streamed
// remote resources.
//
// Callers read [position, position+length) of a remote object identified by
// a resource key. Bytes already on local storage are served from disk; the
// missing bytes are fetched through a [Fetcher], delivered to the caller and
// written through to storage, so repeated or resumed reads avoid downloading
// the same bytes twice.
//
// # Quick Start
//
// Open a cache over an HTTP fetcher and read a range:
//
//	cache, err := rangecache.Open(rangecache.Config{
//	    MaxTotalCacheSize: 512 << 20,
//	    MaxSpanSize:       16 << 20,
//	    StorageRoot:       rangecache.StorageRootFor(os.TempDir()),
//	}, http.NewFetcher(http.WithUserAgent("player/1.0")))
//	if err != nil {
//	    return err
//	}
//	defer cache.Close()
//
//	rc, err := cache.ReadRange(ctx, "https://cdn.example.com/movie.mp4", 0, 1<<20)
//	if err != nil {
//	    return err
//	}
//	defer rc.Close()
//	_, err = io.Copy(dst, rc)
//
// # Consistency
//
// A read holds a region lock over its full range until the returned stream
// reaches EOF, fails, is closed, or its context is cancelled. Overlapping
// reads of the same key therefore run one after another and the second one
// is served from the cache. Reads of disjoint regions run in parallel.
//
// Local storage faults never fail a read: the affected bytes are fetched
// again from upstream. Only fetch failures ([*FetchError]) and context
// errors reach callers, unless [WithIgnoreCacheOnError] is disabled.
//
// # Eviction
//
// When the cache exceeds MaxTotalCacheSize, the least recently used spans are
// removed. Spans that are being read or written are skipped, so the cache can
// stay above its budget until those readers finish.
//
// # Persistence
//
// The index is saved to StorageRoot on [Cache.Close] and periodically, and
// reconciled against the stored extents on [Open].
package rangecache
