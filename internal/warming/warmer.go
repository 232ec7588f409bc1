// Package warming pre-populates the cache and keeps hot entries fresh with a
// background near-expiry scan.
package warming

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/parkwise/parkcache/internal/engine"
	"github.com/parkwise/parkcache/internal/kv"
	"github.com/parkwise/parkcache/internal/logging"
	"github.com/parkwise/parkcache/internal/metrics"
)

// Loader produces the value for one key from the system of record.
type Loader func(ctx context.Context) (any, error)

// Task describes one key to warm. TTL zero means the key's strategy decides.
type Task struct {
	Key    string
	TTL    time.Duration
	Loader Loader
}

// Config assembles a Warmer.
type Config struct {
	Engine           *engine.Engine
	Metrics          *metrics.Collector
	Events           engine.Events
	ScanInterval     time.Duration // default 60s; <0 disables the background loop
	RefreshThreshold float64       // default 0.9 of TTL
	ScanBatch        int           // default 100
}

// Warmer populates missing keys on demand and re-emits entries approaching
// expiry so their owners can refresh them.
type Warmer struct {
	engine    *engine.Engine
	metrics   *metrics.Collector
	events    engine.Events
	threshold float64
	interval  time.Duration
	batch     int

	mu    sync.Mutex
	tasks map[string]Task

	refreshed atomic.Int64
	scans     atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a warmer and, unless disabled, starts its refresh loop.
func New(cfg Config) *Warmer {
	threshold := cfg.RefreshThreshold
	if threshold <= 0 || threshold >= 1 {
		threshold = 0.9
	}
	interval := cfg.ScanInterval
	if interval == 0 {
		interval = time.Minute
	}
	batch := cfg.ScanBatch
	if batch <= 0 {
		batch = 100
	}
	coll := cfg.Metrics
	if coll == nil {
		coll = metrics.NewCollector()
	}
	events := cfg.Events
	if events == nil {
		events = engine.NopEvents{}
	}

	w := &Warmer{
		engine:    cfg.Engine,
		metrics:   coll,
		events:    events,
		threshold: threshold,
		interval:  interval,
		batch:     batch,
		tasks:     make(map[string]Task),
	}

	if interval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		w.cancel = cancel
		w.wg.Add(1)
		go w.run(ctx)
	}
	return w
}

// Warm loads and caches every task whose key is absent. Keys already present
// are skipped without calling their loader. Returns how many keys were
// actually populated; failed loaders are not counted.
func (w *Warmer) Warm(ctx context.Context, tasks []Task) int {
	warmed := 0
	for _, task := range tasks {
		if task.Key == "" || task.Loader == nil {
			continue
		}
		w.register(task)

		if _, err := w.engine.Store().Get(ctx, task.Key); err == nil {
			continue
		} else if !errors.Is(err, kv.ErrNotFound) {
			logging.Warn("warm presence check failed",
				zap.String("key", task.Key), zap.Error(err))
			continue
		}

		value, err := task.Loader(ctx)
		if err != nil {
			logging.Warn("warm loader failed",
				zap.String("key", task.Key), zap.Error(err))
			continue
		}
		if w.engine.Set(ctx, task.Key, value, task.TTL) {
			warmed++
		}
	}
	if warmed > 0 {
		w.metrics.RecordWarmed(warmed)
	}
	logging.Info("warm run complete",
		zap.Int("tasks", len(tasks)), zap.Int("warmed", warmed))
	return warmed
}

// WarmRegistered re-runs Warm over every task seen so far. Used by the
// admin trigger; idempotent like Warm itself.
func (w *Warmer) WarmRegistered(ctx context.Context) int {
	w.mu.Lock()
	tasks := make([]Task, 0, len(w.tasks))
	for _, t := range w.tasks {
		tasks = append(tasks, t)
	}
	w.mu.Unlock()
	return w.Warm(ctx, tasks)
}

func (w *Warmer) register(task Task) {
	w.mu.Lock()
	w.tasks[task.Key] = task
	w.mu.Unlock()
}

func (w *Warmer) taskFor(key string) (Task, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.tasks[key]
	return t, ok
}

func (w *Warmer) run(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Scan(ctx)
		}
	}
}

// Scan walks every cached entry and handles the ones past the refresh
// threshold of their TTL: entries with a registered loader are reloaded and
// rewritten, the rest are announced through a backgroundRefresh event.
// Returns how many near-expiry entries were seen.
func (w *Warmer) Scan(ctx context.Context) int {
	w.scans.Add(1)

	keys, err := w.engine.Store().ScanKeys(ctx, "*")
	if err != nil {
		logging.Warn("background refresh scan failed", zap.Error(err))
		return 0
	}

	nearExpiry := 0
	for start := 0; start < len(keys); start += w.batch {
		end := start + w.batch
		if end > len(keys) {
			end = len(keys)
		}
		values, err := w.engine.Store().MGet(ctx, keys[start:end])
		if err != nil {
			logging.Warn("background refresh read failed", zap.Error(err))
			continue
		}
		for key, raw := range values {
			entry, err := engine.DecodeEntry(raw)
			if err != nil {
				continue
			}
			if !entry.NearExpiry(w.threshold) {
				continue
			}
			nearExpiry++
			w.refresh(ctx, key, entry)
		}
	}
	return nearExpiry
}

func (w *Warmer) refresh(ctx context.Context, key string, entry *engine.Entry) {
	if task, ok := w.taskFor(key); ok {
		value, err := task.Loader(ctx)
		if err != nil {
			logging.Warn("background refresh loader failed",
				zap.String("key", key), zap.Error(err))
			w.events.BackgroundRefresh(key, entry.Value)
			return
		}
		if w.engine.Set(ctx, key, value, task.TTL) {
			w.refreshed.Add(1)
		}
		return
	}
	// No loader registered: hand the stale value to whoever listens.
	w.events.BackgroundRefresh(key, entry.Value)
}

// Stats is a point-in-time view of warmer activity.
type Stats struct {
	RegisteredTasks int   `json:"registered_tasks"`
	Scans           int64 `json:"scans"`
	Refreshed       int64 `json:"refreshed"`
}

// Stats returns warmer statistics.
func (w *Warmer) Stats() Stats {
	w.mu.Lock()
	n := len(w.tasks)
	w.mu.Unlock()
	return Stats{
		RegisteredTasks: n,
		Scans:           w.scans.Load(),
		Refreshed:       w.refreshed.Load(),
	}
}

// Close stops the background refresh loop.
func (w *Warmer) Close() {
	if w.cancel != nil {
		w.cancel()
		w.wg.Wait()
	}
}
