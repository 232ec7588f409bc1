package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	promHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parkcache_hits_total",
		Help: "Total number of cache hits",
	})

	promMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parkcache_misses_total",
		Help: "Total number of cache misses",
	})

	promSets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parkcache_sets_total",
		Help: "Total number of cache writes",
	})

	promDeletes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parkcache_deletes_total",
		Help: "Total number of cache entries deleted",
	})

	promErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parkcache_errors_total",
		Help: "Total number of backing store errors",
	})

	promTrips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parkcache_circuit_breaker_trips_total",
		Help: "Total number of circuit breaker trips",
	})

	promWriteThrough = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parkcache_write_through_total",
		Help: "Total number of write-through events emitted",
	})

	promWriteBehind = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parkcache_write_behind_total",
		Help: "Total number of write-behind operations flushed",
	})

	promWarmed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parkcache_warmed_total",
		Help: "Total number of keys populated by the warming scheduler",
	})

	promCascades = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parkcache_invalidation_cascades_total",
		Help: "Total number of cascade invalidation runs",
	})

	// CircuitOpen is set to 1 while the circuit breaker is open.
	CircuitOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "parkcache_circuit_breaker_open",
		Help: "Whether the circuit breaker is currently open (1) or closed (0)",
	})

	// WriteBehindDepth tracks the current write-behind queue depth.
	WriteBehindDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "parkcache_write_behind_queue_depth",
		Help: "Current number of operations waiting in the write-behind queue",
	})
)
