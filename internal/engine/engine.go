// Package engine orchestrates cache reads and writes: it resolves a
// strategy per key, gates store I/O through the circuit breaker, updates
// metrics, and emits lifecycle events. Every public operation is fail-soft:
// a store fault degrades to a miss or a false return, never an error.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/parkwise/parkcache/internal/breaker"
	"github.com/parkwise/parkcache/internal/kv"
	"github.com/parkwise/parkcache/internal/logging"
	"github.com/parkwise/parkcache/internal/metrics"
	"github.com/parkwise/parkcache/internal/strategy"
)

// Config assembles an Engine.
type Config struct {
	Store      kv.Store
	Strategies *strategy.Registry
	Metrics    *metrics.Collector
	Events     Events // nil means NopEvents

	DefaultTTL time.Duration
	OpTimeout  time.Duration // per-store-call bound, the only latency cap

	FailureThreshold      int
	Cooldown              time.Duration
	RefreshAheadThreshold float64 // fraction of TTL, default 0.9
}

// Engine is the cache orchestrator.
type Engine struct {
	store      kv.Store
	strategies *strategy.Registry
	breaker    *breaker.Breaker
	metrics    *metrics.Collector
	events     Events

	defaultTTL       time.Duration
	opTimeout        time.Duration
	refreshThreshold float64
}

// New creates an engine from config.
func New(cfg Config) *Engine {
	events := cfg.Events
	if events == nil {
		events = NopEvents{}
	}
	coll := cfg.Metrics
	if coll == nil {
		coll = metrics.NewCollector()
	}
	reg := cfg.Strategies
	if reg == nil {
		reg = strategy.NewDefaultRegistry(cfg.DefaultTTL)
	}
	defaultTTL := cfg.DefaultTTL
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	opTimeout := cfg.OpTimeout
	if opTimeout <= 0 {
		opTimeout = 500 * time.Millisecond
	}
	threshold := cfg.RefreshAheadThreshold
	if threshold <= 0 || threshold >= 1 {
		threshold = 0.9
	}

	e := &Engine{
		store:            cfg.Store,
		strategies:       reg,
		breaker:          breaker.New(cfg.FailureThreshold, cfg.Cooldown),
		metrics:          coll,
		events:           events,
		defaultTTL:       defaultTTL,
		opTimeout:        opTimeout,
		refreshThreshold: threshold,
	}
	e.breaker.OnOpen(func(snap breaker.Snapshot) {
		coll.RecordTrip()
		metrics.CircuitOpen.Set(1)
		events.CircuitOpen(snap)
	})
	return e
}

// Breaker exposes the engine's circuit breaker so collaborators short-circuit
// alongside it.
func (e *Engine) Breaker() *breaker.Breaker { return e.breaker }

// Store exposes the backing store for collaborators that scan keys directly.
func (e *Engine) Store() kv.Store { return e.store }

// Strategies exposes the strategy registry.
func (e *Engine) Strategies() *strategy.Registry { return e.strategies }

func (e *Engine) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.opTimeout)
}

func (e *Engine) recordSuccess() {
	e.breaker.RecordSuccess()
	if !e.breaker.IsOpen() {
		metrics.CircuitOpen.Set(0)
	}
}

func (e *Engine) recordFailure() {
	e.breaker.RecordFailure()
	e.metrics.RecordError()
}

// resolveTTL applies the precedence: explicit override, strategy TTL,
// engine default.
func (e *Engine) resolveTTL(override time.Duration, strat strategy.Strategy) time.Duration {
	if override > 0 {
		return override
	}
	if strat.TTL > 0 {
		return strat.TTL
	}
	return e.defaultTTL
}

// Get returns the cached value for key, or false on a miss. While the
// circuit is open it returns a miss without touching the store. Store and
// deserialization failures also degrade to a miss.
func (e *Engine) Get(ctx context.Context, key string) (json.RawMessage, bool) {
	if !e.breaker.Allow() {
		e.metrics.RecordMiss(0)
		return nil, false
	}

	start := time.Now()
	opCtx, cancel := e.opContext(ctx)
	defer cancel()

	data, err := e.store.Get(opCtx, key)
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			e.recordSuccess()
			e.metrics.RecordMiss(elapsed)
			return nil, false
		}
		e.recordFailure()
		e.metrics.RecordMiss(elapsed)
		return nil, false
	}

	entry, err := DecodeEntry(data)
	if err != nil {
		// A corrupt payload is a data problem, not a backend-health
		// problem: the read itself succeeded.
		e.recordSuccess()
		e.metrics.RecordMiss(elapsed)
		logging.Warn("cache entry failed to decode, treating as miss",
			zap.String("key", key), zap.Error(err))
		return nil, false
	}

	e.recordSuccess()
	e.metrics.RecordHit(elapsed)

	e.touch(ctx, entry)

	strat := e.strategies.Resolve(key)
	if strat.RefreshAhead && entry.NearExpiry(e.refreshThreshold) {
		e.events.RefreshAhead(key, entry.Value)
	}

	return entry.Value, true
}

// touch increments the entry's hit count and refreshes its expiry.
// Best-effort: a failed touch never affects the read result.
func (e *Engine) touch(ctx context.Context, entry *Entry) {
	entry.HitCount++
	data, err := entry.Encode()
	if err != nil {
		return
	}
	opCtx, cancel := e.opContext(ctx)
	defer cancel()
	if err := e.store.Set(opCtx, entry.Key, data, entry.TTL()); err != nil {
		logging.Debug("entry touch failed", zap.String("key", entry.Key), zap.Error(err))
	}
}

// Set caches value under key with expiry resolved as override > strategy >
// default. Returns false when the write failed or the circuit is open; the
// caller decides whether to proceed without caching.
func (e *Engine) Set(ctx context.Context, key string, value any, ttlOverride time.Duration) bool {
	if !e.breaker.Allow() {
		return false
	}

	strat := e.strategies.Resolve(key)
	ttl := e.resolveTTL(ttlOverride, strat)

	entry, err := e.buildEntry(key, value, ttl, strat)
	if err != nil {
		logging.Error("value failed to serialize", zap.String("key", key), zap.Error(err))
		return false
	}
	data, err := entry.Encode()
	if err != nil {
		logging.Error("entry failed to encode", zap.String("key", key), zap.Error(err))
		return false
	}

	start := time.Now()
	opCtx, cancel := e.opContext(ctx)
	defer cancel()

	if err := e.store.Set(opCtx, key, data, ttl); err != nil {
		e.recordFailure()
		return false
	}

	e.recordSuccess()
	e.metrics.RecordSet(time.Since(start))

	if strat.WriteThrough {
		e.metrics.RecordWriteThrough()
		e.events.WriteThrough(key, entry.Value)
	}
	return true
}

func (e *Engine) buildEntry(key string, value any, ttl time.Duration, strat strategy.Strategy) (*Entry, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	ttlSecs := int(ttl / time.Second)
	if ttlSecs <= 0 {
		ttlSecs = 1
	}
	return &Entry{
		Key:        key,
		Value:      raw,
		CreatedAt:  time.Now(),
		TTLSeconds: ttlSecs,
		Tags:       strat.Tags,
		Priority:   strat.Priority.String(),
	}, nil
}

// Delete removes key and reports whether it existed.
func (e *Engine) Delete(ctx context.Context, key string) bool {
	if !e.breaker.Allow() {
		return false
	}

	opCtx, cancel := e.opContext(ctx)
	defer cancel()

	n, err := e.store.Delete(opCtx, key)
	if err != nil {
		e.recordFailure()
		return false
	}
	e.recordSuccess()
	e.metrics.RecordDelete(n)
	return n > 0
}

// GetMany returns the values found for keys. A key that is absent, fails
// to decode, or errors is simply excluded; one bad key never aborts the
// batch. An open circuit yields an empty map.
func (e *Engine) GetMany(ctx context.Context, keys []string) map[string]json.RawMessage {
	result := make(map[string]json.RawMessage, len(keys))
	if len(keys) == 0 {
		return result
	}
	if !e.breaker.Allow() {
		e.metrics.RecordMisses(len(keys), 0)
		return result
	}

	start := time.Now()
	opCtx, cancel := e.opContext(ctx)
	defer cancel()

	raw, err := e.store.MGet(opCtx, keys)
	elapsed := time.Since(start)
	if err != nil {
		e.recordFailure()
		e.metrics.RecordMisses(len(keys), elapsed)
		return result
	}
	e.recordSuccess()

	hits := 0
	for _, key := range keys {
		data, ok := raw[key]
		if !ok {
			continue
		}
		entry, err := DecodeEntry(data)
		if err != nil {
			logging.Warn("cache entry failed to decode, skipping",
				zap.String("key", key), zap.Error(err))
			continue
		}
		result[key] = entry.Value
		hits++
		e.touch(ctx, entry)
	}
	e.metrics.RecordHits(hits, elapsed)
	e.metrics.RecordMisses(len(keys)-hits, elapsed)
	return result
}

// SetMany caches every entry with a shared TTL (engine default when zero)
// and returns how many writes succeeded. An open circuit yields 0.
func (e *Engine) SetMany(ctx context.Context, values map[string]any, ttl time.Duration) int {
	if len(values) == 0 {
		return 0
	}
	if !e.breaker.Allow() {
		return 0
	}
	if ttl <= 0 {
		ttl = e.defaultTTL
	}

	encoded := make(map[string][]byte, len(values))
	for key, value := range values {
		strat := e.strategies.Resolve(key)
		entry, err := e.buildEntry(key, value, ttl, strat)
		if err != nil {
			logging.Warn("value failed to serialize, skipping",
				zap.String("key", key), zap.Error(err))
			continue
		}
		data, err := entry.Encode()
		if err != nil {
			continue
		}
		encoded[key] = data
	}
	if len(encoded) == 0 {
		return 0
	}

	start := time.Now()
	opCtx, cancel := e.opContext(ctx)
	defer cancel()

	n, err := e.store.MSet(opCtx, encoded, ttl)
	if err != nil && n == 0 {
		e.recordFailure()
		return 0
	}
	e.recordSuccess()
	e.metrics.RecordSets(n, time.Since(start))
	return n
}

// Metrics returns a point-in-time counter snapshot.
func (e *Engine) Metrics() metrics.Snapshot {
	return e.metrics.Snapshot()
}

// ResetMetrics zeroes the snapshot counters. Operator action only.
func (e *Engine) ResetMetrics() {
	e.metrics.Reset()
}

// Health is the result of a store connectivity probe.
type Health struct {
	Healthy   bool    `json:"healthy"`
	LatencyMs float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

// HealthCheck pings the store directly, bypassing the circuit breaker.
func (e *Engine) HealthCheck(ctx context.Context) Health {
	start := time.Now()
	opCtx, cancel := e.opContext(ctx)
	defer cancel()

	err := e.store.Ping(opCtx)
	latency := float64(time.Since(start).Microseconds()) / 1000
	if err != nil {
		return Health{Healthy: false, LatencyMs: latency, Error: err.Error()}
	}
	return Health{Healthy: true, LatencyMs: latency}
}
