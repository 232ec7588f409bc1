package engine

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/parkwise/parkcache/internal/breaker"
	"github.com/parkwise/parkcache/internal/logging"
)

// Events receives cache lifecycle notifications. Implementations are wired
// at construction; there is no global bus. Every method is a one-way
// notification and must not block.
type Events interface {
	WriteThrough(key string, value json.RawMessage)
	WriteBehind(key string, value json.RawMessage)
	RefreshAhead(key string, stale json.RawMessage)
	BackgroundRefresh(key string, stale json.RawMessage)
	Invalidation(pattern string, deleted int)
	CircuitOpen(snap breaker.Snapshot)
}

// NopEvents discards all notifications.
type NopEvents struct{}

func (NopEvents) WriteThrough(string, json.RawMessage)      {}
func (NopEvents) WriteBehind(string, json.RawMessage)       {}
func (NopEvents) RefreshAhead(string, json.RawMessage)      {}
func (NopEvents) BackgroundRefresh(string, json.RawMessage) {}
func (NopEvents) Invalidation(string, int)                  {}
func (NopEvents) CircuitOpen(breaker.Snapshot)              {}

type eventKind int

const (
	evWriteThrough eventKind = iota
	evWriteBehind
	evRefreshAhead
	evBackgroundRefresh
	evInvalidation
	evCircuitOpen
)

type event struct {
	kind    eventKind
	key     string
	value   json.RawMessage
	pattern string
	deleted int
	snap    breaker.Snapshot
}

// Dispatcher fans events out to a sink asynchronously so emission never
// blocks the request path. Events are dropped (and counted) when the queue
// is full.
type Dispatcher struct {
	sink    Events
	queue   chan event
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	dropped atomic.Int64
}

// NewDispatcher creates a dispatcher delivering to sink with the given
// queue size and worker count.
func NewDispatcher(sink Events, queueSize, workers int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1000
	}
	if workers <= 0 {
		workers = 2
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		sink:   sink,
		queue:  make(chan event, queueSize),
		cancel: cancel,
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	return d
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.queue:
			d.deliver(ev)
		}
	}
}

func (d *Dispatcher) deliver(ev event) {
	switch ev.kind {
	case evWriteThrough:
		d.sink.WriteThrough(ev.key, ev.value)
	case evWriteBehind:
		d.sink.WriteBehind(ev.key, ev.value)
	case evRefreshAhead:
		d.sink.RefreshAhead(ev.key, ev.value)
	case evBackgroundRefresh:
		d.sink.BackgroundRefresh(ev.key, ev.value)
	case evInvalidation:
		d.sink.Invalidation(ev.pattern, ev.deleted)
	case evCircuitOpen:
		d.sink.CircuitOpen(ev.snap)
	}
}

func (d *Dispatcher) push(ev event) {
	select {
	case d.queue <- ev:
	default:
		if d.dropped.Add(1) == 1 {
			logging.Warn("event queue full, dropping events", zap.String("key", ev.key))
		}
	}
}

// Dropped returns how many events were discarded due to a full queue.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Close stops the workers. Queued events may be discarded.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) WriteThrough(key string, value json.RawMessage) {
	d.push(event{kind: evWriteThrough, key: key, value: value})
}

func (d *Dispatcher) WriteBehind(key string, value json.RawMessage) {
	d.push(event{kind: evWriteBehind, key: key, value: value})
}

func (d *Dispatcher) RefreshAhead(key string, stale json.RawMessage) {
	d.push(event{kind: evRefreshAhead, key: key, value: stale})
}

func (d *Dispatcher) BackgroundRefresh(key string, stale json.RawMessage) {
	d.push(event{kind: evBackgroundRefresh, key: key, value: stale})
}

func (d *Dispatcher) Invalidation(pattern string, deleted int) {
	d.push(event{kind: evInvalidation, pattern: pattern, deleted: deleted})
}

func (d *Dispatcher) CircuitOpen(snap breaker.Snapshot) {
	d.push(event{kind: evCircuitOpen, snap: snap})
}
