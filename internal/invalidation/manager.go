// Package invalidation deletes cache entries by glob pattern or tag, with
// declarative cascade rules.
package invalidation

import (
	"context"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/parkwise/parkcache/internal/breaker"
	"github.com/parkwise/parkcache/internal/engine"
	"github.com/parkwise/parkcache/internal/kv"
	"github.com/parkwise/parkcache/internal/logging"
	"github.com/parkwise/parkcache/internal/metrics"
)

// Rule declares patterns to also invalidate when its pattern is invalidated.
type Rule struct {
	Pattern     string
	Invalidates []string
}

// Config assembles a Manager.
type Config struct {
	Store    kv.Store
	Breaker  *breaker.Breaker
	Metrics  *metrics.Collector
	Events   engine.Events // nil means no notifications
	Rules    []Rule
	MaxDepth int // cascade recursion cap, default 5
	// OpTimeout bounds each store call; default 5s (scans may walk many keys).
	OpTimeout time.Duration
}

// Manager resolves patterns against the store and deletes matches,
// synchronously within the calling request.
type Manager struct {
	store     kv.Store
	breaker   *breaker.Breaker
	metrics   *metrics.Collector
	events    engine.Events
	rules     map[string][]string
	maxDepth  int
	opTimeout time.Duration
}

// New creates a manager. Rules are assumed validated (acyclic) by config
// loading.
func New(cfg Config) *Manager {
	maxDepth := cfg.MaxDepth
	if maxDepth <= 0 {
		maxDepth = 5
	}
	opTimeout := cfg.OpTimeout
	if opTimeout <= 0 {
		opTimeout = 5 * time.Second
	}
	events := cfg.Events
	if events == nil {
		events = engine.NopEvents{}
	}
	coll := cfg.Metrics
	if coll == nil {
		coll = metrics.NewCollector()
	}

	rules := make(map[string][]string, len(cfg.Rules))
	for _, r := range cfg.Rules {
		rules[r.Pattern] = r.Invalidates
	}

	return &Manager{
		store:     cfg.Store,
		breaker:   cfg.Breaker,
		metrics:   coll,
		events:    events,
		rules:     rules,
		maxDepth:  maxDepth,
		opTimeout: opTimeout,
	}
}

// InvalidatePattern deletes every key matching the glob pattern, then
// recursively invalidates the pattern's cascade rules, returning the total
// number of deletions. While the circuit is open it is a no-op returning 0.
func (m *Manager) InvalidatePattern(ctx context.Context, pattern string) int {
	if m.breaker != nil && !m.breaker.Allow() {
		return 0
	}

	deleted, cascaded := m.invalidate(ctx, pattern, 0)
	if cascaded {
		m.metrics.RecordCascade()
	}
	m.events.Invalidation(pattern, deleted)
	return deleted
}

// InvalidateKey deletes one exact key and fires the cascade rules of every
// rule pattern the key matches. This is the write-through path: updating
// spots:g1:lvl1 must also drop whatever a spots:* rule declares stale.
func (m *Manager) InvalidateKey(ctx context.Context, key string) int {
	if m.breaker != nil && !m.breaker.Allow() {
		return 0
	}

	opCtx, cancel := context.WithTimeout(ctx, m.opTimeout)
	deleted, err := m.store.Delete(opCtx, key)
	cancel()
	if err != nil {
		m.recordFailure()
		return 0
	}
	m.recordSuccess()
	m.metrics.RecordDelete(deleted)

	cascaded := false
	for pattern, nexts := range m.rules {
		if ok, _ := path.Match(pattern, key); !ok && pattern != key {
			continue
		}
		for _, next := range nexts {
			cascaded = true
			n, _ := m.invalidate(ctx, next, 1)
			deleted += n
		}
	}
	if cascaded {
		m.metrics.RecordCascade()
	}
	m.events.Invalidation(key, deleted)
	return deleted
}

func (m *Manager) invalidate(ctx context.Context, pattern string, depth int) (int, bool) {
	opCtx, cancel := context.WithTimeout(ctx, m.opTimeout)
	keys, err := m.store.ScanKeys(opCtx, pattern)
	cancel()
	if err != nil {
		m.recordFailure()
		return 0, false
	}

	deleted := 0
	if len(keys) > 0 {
		opCtx, cancel = context.WithTimeout(ctx, m.opTimeout)
		n, err := m.store.Delete(opCtx, keys...)
		cancel()
		if err != nil {
			m.recordFailure()
			return 0, false
		}
		deleted = n
	}
	m.recordSuccess()
	m.metrics.RecordDelete(deleted)

	cascaded := false
	for _, next := range m.rules[pattern] {
		if depth+1 >= m.maxDepth {
			logging.Warn("cascade depth limit reached, skipping",
				zap.String("pattern", pattern), zap.String("cascade", next),
				zap.Int("max_depth", m.maxDepth))
			continue
		}
		cascaded = true
		n, _ := m.invalidate(ctx, next, depth+1)
		deleted += n
	}
	return deleted, cascaded
}

// InvalidateByTags scans every key, decodes each entry, and deletes those
// whose tag set intersects the requested tags. Malformed entries are
// skipped, not counted as errors.
func (m *Manager) InvalidateByTags(ctx context.Context, tags []string) int {
	if len(tags) == 0 {
		return 0
	}
	if m.breaker != nil && !m.breaker.Allow() {
		return 0
	}

	opCtx, cancel := context.WithTimeout(ctx, m.opTimeout)
	keys, err := m.store.ScanKeys(opCtx, "*")
	cancel()
	if err != nil {
		m.recordFailure()
		return 0
	}

	var matched []string
	// Walk in MGET batches to bound round trips and payload size.
	const batch = 100
	for start := 0; start < len(keys); start += batch {
		end := start + batch
		if end > len(keys) {
			end = len(keys)
		}

		opCtx, cancel := context.WithTimeout(ctx, m.opTimeout)
		values, err := m.store.MGet(opCtx, keys[start:end])
		cancel()
		if err != nil {
			m.recordFailure()
			continue
		}

		for key, data := range values {
			entry, err := engine.DecodeEntry(data)
			if err != nil {
				continue
			}
			if entry.HasAnyTag(tags) {
				matched = append(matched, key)
			}
		}
	}

	if len(matched) == 0 {
		m.recordSuccess()
		return 0
	}

	opCtx, cancel = context.WithTimeout(ctx, m.opTimeout)
	deleted, err := m.store.Delete(opCtx, matched...)
	cancel()
	if err != nil {
		m.recordFailure()
		return 0
	}
	m.recordSuccess()
	m.metrics.RecordDelete(deleted)

	logging.Debug("invalidated entries by tag",
		zap.Strings("tags", tags), zap.Int("deleted", deleted))
	return deleted
}

func (m *Manager) recordSuccess() {
	if m.breaker != nil {
		m.breaker.RecordSuccess()
	}
}

func (m *Manager) recordFailure() {
	if m.breaker != nil {
		m.breaker.RecordFailure()
	}
	m.metrics.RecordError()
}
