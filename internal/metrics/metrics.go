// Package metrics tracks cache engine counters for snapshots and
// Prometheus export.
package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// latencyWindow is the number of recent operations in the rolling
// average latency.
const latencyWindow = 128

// Collector tracks engine counters. Counter updates are atomic; the mutex
// only guards the latency ring.
type Collector struct {
	hits         atomic.Int64
	misses       atomic.Int64
	sets         atomic.Int64
	deletes      atomic.Int64
	errors       atomic.Int64
	trips        atomic.Int64
	writeThrough atomic.Int64
	writeBehind  atomic.Int64
	warmed       atomic.Int64
	cascades     atomic.Int64

	mu        sync.Mutex
	latencies [latencyWindow]time.Duration
	latIdx    int
	latCount  int
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) recordLatency(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.latencies[c.latIdx] = d
	c.latIdx = (c.latIdx + 1) % latencyWindow
	if c.latCount < latencyWindow {
		c.latCount++
	}
	c.mu.Unlock()
}

// RecordHit records a cache hit and its latency.
func (c *Collector) RecordHit(d time.Duration) {
	c.RecordHits(1, d)
}

// RecordHits records n cache hits sharing one observed latency.
func (c *Collector) RecordHits(n int, d time.Duration) {
	if n <= 0 {
		return
	}
	c.hits.Add(int64(n))
	c.recordLatency(d)
	promHits.Add(float64(n))
}

// RecordMiss records a cache miss and its latency.
func (c *Collector) RecordMiss(d time.Duration) {
	c.RecordMisses(1, d)
}

// RecordMisses records n cache misses sharing one observed latency.
func (c *Collector) RecordMisses(n int, d time.Duration) {
	if n <= 0 {
		return
	}
	c.misses.Add(int64(n))
	c.recordLatency(d)
	promMisses.Add(float64(n))
}

// RecordSet records a successful write and its latency.
func (c *Collector) RecordSet(d time.Duration) {
	c.RecordSets(1, d)
}

// RecordSets records n successful writes sharing one observed latency.
func (c *Collector) RecordSets(n int, d time.Duration) {
	if n <= 0 {
		return
	}
	c.sets.Add(int64(n))
	c.recordLatency(d)
	promSets.Add(float64(n))
}

// RecordDelete records n deleted entries.
func (c *Collector) RecordDelete(n int) {
	if n <= 0 {
		return
	}
	c.deletes.Add(int64(n))
	promDeletes.Add(float64(n))
}

// RecordError records a store-level failure.
func (c *Collector) RecordError() {
	c.errors.Add(1)
	promErrors.Inc()
}

// RecordTrip records a circuit breaker trip.
func (c *Collector) RecordTrip() {
	c.trips.Add(1)
	promTrips.Inc()
}

// RecordWriteThrough records an emitted write-through.
func (c *Collector) RecordWriteThrough() {
	c.writeThrough.Add(1)
	promWriteThrough.Inc()
}

// RecordWriteBehind records a flushed write-behind operation.
func (c *Collector) RecordWriteBehind() {
	c.writeBehind.Add(1)
	promWriteBehind.Inc()
}

// RecordWarmed records n keys populated by the warming scheduler.
func (c *Collector) RecordWarmed(n int) {
	if n <= 0 {
		return
	}
	c.warmed.Add(int64(n))
	promWarmed.Add(float64(n))
}

// RecordCascade records one cascade invalidation run.
func (c *Collector) RecordCascade() {
	c.cascades.Add(1)
	promCascades.Inc()
}

// Snapshot is a point-in-time view of the counters.
type Snapshot struct {
	Hits                int64   `json:"hits"`
	Misses              int64   `json:"misses"`
	Sets                int64   `json:"sets"`
	Deletes             int64   `json:"deletes"`
	Errors              int64   `json:"errors"`
	CircuitBreakerTrips int64   `json:"circuit_breaker_trips"`
	WriteThroughs       int64   `json:"write_throughs"`
	WriteBehinds        int64   `json:"write_behinds"`
	CacheWarmed         int64   `json:"cache_warmed"`
	InvalidationCascades int64  `json:"invalidation_cascades"`
	HitRate             float64 `json:"hit_rate"`
	AvgLatencyMs        float64 `json:"avg_latency_ms"`
}

// Snapshot returns a point-in-time view. Hit rate is hits/(hits+misses)
// rounded to two decimals, 0 with no traffic.
func (c *Collector) Snapshot() Snapshot {
	hits := c.hits.Load()
	misses := c.misses.Load()

	var rate float64
	if total := hits + misses; total > 0 {
		rate = math.Round(float64(hits)/float64(total)*100) / 100
	}

	c.mu.Lock()
	var sum time.Duration
	for i := 0; i < c.latCount; i++ {
		sum += c.latencies[i]
	}
	var avgMs float64
	if c.latCount > 0 {
		avgMs = float64(sum.Microseconds()) / float64(c.latCount) / 1000
	}
	c.mu.Unlock()

	return Snapshot{
		Hits:                 hits,
		Misses:               misses,
		Sets:                 c.sets.Load(),
		Deletes:              c.deletes.Load(),
		Errors:               c.errors.Load(),
		CircuitBreakerTrips:  c.trips.Load(),
		WriteThroughs:        c.writeThrough.Load(),
		WriteBehinds:         c.writeBehind.Load(),
		CacheWarmed:          c.warmed.Load(),
		InvalidationCascades: c.cascades.Load(),
		HitRate:              rate,
		AvgLatencyMs:         avgMs,
	}
}

// Reset zeroes all snapshot counters. Prometheus counters are monotonic
// and unaffected; only the operator snapshot resets.
func (c *Collector) Reset() {
	c.hits.Store(0)
	c.misses.Store(0)
	c.sets.Store(0)
	c.deletes.Store(0)
	c.errors.Store(0)
	c.trips.Store(0)
	c.writeThrough.Store(0)
	c.writeBehind.Store(0)
	c.warmed.Store(0)
	c.cascades.Store(0)

	c.mu.Lock()
	c.latIdx = 0
	c.latCount = 0
	c.mu.Unlock()
}
