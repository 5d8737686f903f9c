package rangecache

import (
	"errors"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "rangecache"

// counters are the running totals behind Stats and the Prometheus metrics.
type counters struct {
	hitBytes      atomic.Int64
	missBytes     atomic.Int64
	bypassedReads atomic.Int64
	fetchRetries  atomic.Int64
	storageErrors atomic.Int64
	corruptions   atomic.Int64
	evictions     atomic.Int64
	evictedBytes  atomic.Int64
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	// Size is the Total Cache Size: the sum of cached span lengths.
	Size int64
	// Spans is the number of cached spans.
	Spans int
	// Budget is the configured byte budget (0 = unlimited).
	Budget int64

	HitBytes      int64 // bytes served from storage
	MissBytes     int64 // bytes fetched from upstream
	BypassedReads int64 // reads that skipped the cache because their region was busy
	FetchRetries  int64 // transient fetch failures that were retried
	StorageErrors int64 // absorbed storage faults
	Corruptions   int64 // detected index corruptions
	Evictions     int64 // spans removed to honour the budget
	EvictedBytes  int64 // bytes removed to honour the budget
}

// Stats returns current cache statistics.
func (c *Cache) Stats() Stats {
	return Stats{
		Size:          c.idx.Size(),
		Spans:         c.idx.Len(),
		Budget:        c.evictor.Budget(),
		HitBytes:      c.counters.hitBytes.Load(),
		MissBytes:     c.counters.missBytes.Load(),
		BypassedReads: c.counters.bypassedReads.Load(),
		FetchRetries:  c.counters.fetchRetries.Load(),
		StorageErrors: c.counters.storageErrors.Load(),
		Corruptions:   c.counters.corruptions.Load(),
		Evictions:     c.counters.evictions.Load(),
		EvictedBytes:  c.counters.evictedBytes.Load(),
	}
}

func (c *Cache) collectors() []prometheus.Collector {
	counter := func(name, help string, v *atomic.Int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v.Load()) })
	}
	return []prometheus.Collector{
		counter("hit_bytes_total", "Bytes served from local storage.", &c.counters.hitBytes),
		counter("miss_bytes_total", "Bytes fetched from upstream.", &c.counters.missBytes),
		counter("bypassed_reads_total", "Reads that skipped the cache because their region was busy.", &c.counters.bypassedReads),
		counter("fetch_retries_total", "Transient upstream failures that were retried.", &c.counters.fetchRetries),
		counter("storage_errors_total", "Local storage failures absorbed by the cache.", &c.counters.storageErrors),
		counter("corruptions_total", "Detected index corruptions.", &c.counters.corruptions),
		counter("evictions_total", "Spans evicted to stay within budget.", &c.counters.evictions),
		counter("evicted_bytes_total", "Bytes evicted to stay within budget.", &c.counters.evictedBytes),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "size_bytes",
			Help:      "Total length of cached spans.",
		}, func() float64 { return float64(c.idx.Size()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "spans",
			Help:      "Number of cached spans.",
		}, func() float64 { return float64(c.idx.Len()) }),
	}
}

func (c *Cache) registerMetrics() error {
	if c.registerer == nil {
		return nil
	}
	var registered []prometheus.Collector
	for _, col := range c.collectors() {
		if err := c.registerer.Register(col); err != nil {
			for _, r := range registered {
				c.registerer.Unregister(r)
			}
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				return errors.New("rangecache: metrics already registered; use a separate registerer per cache")
			}
			return err
		}
		registered = append(registered, col)
	}
	c.registered = registered
	return nil
}

func (c *Cache) unregisterMetrics() {
	for _, col := range c.registered {
		c.registerer.Unregister(col)
	}
	c.registered = nil
}
