// Package writebehind batches deferred persistence work and flushes it to a
// caller-provided handler on a timer, with bounded retry.
package writebehind

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/parkwise/parkcache/internal/logging"
	"github.com/parkwise/parkcache/internal/metrics"
)

// Handler persists one deferred operation. An error triggers a retry until
// the attempt ceiling.
type Handler func(ctx context.Context, key string, payload json.RawMessage) error

// Operation is one pending deferred write.
type Operation struct {
	Key        string
	Payload    json.RawMessage
	EnqueuedAt time.Time
	RetryCount int

	nextAttempt time.Time
	bo          backoff.BackOff
}

// Config assembles a Queue.
type Config struct {
	Handler       Handler
	Metrics       *metrics.Collector
	Capacity      int           // default 10000; oldest op dropped on overflow
	BatchSize     int           // default 100
	FlushInterval time.Duration // default 5s
	MaxAttempts   int           // default 3
	// Retry pacing for re-enqueued operations.
	InitialBackoff time.Duration // default 500ms
	MaxBackoff     time.Duration // default 30s
}

// Queue is a bounded FIFO of deferred writes flushed by a background timer.
type Queue struct {
	mu  sync.Mutex
	ops []*Operation

	handler        Handler
	metrics        *metrics.Collector
	capacity       int
	batchSize      int
	flushInterval  time.Duration
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup

	flushed   atomic.Int64
	retried   atomic.Int64
	dropped   atomic.Int64 // overflow drops
	permanent atomic.Int64 // retry ceiling drops
}

// New creates a queue and starts its flush loop.
func New(cfg Config) *Queue {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = 10000
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	initialBackoff := cfg.InitialBackoff
	if initialBackoff <= 0 {
		initialBackoff = 500 * time.Millisecond
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}
	coll := cfg.Metrics
	if coll == nil {
		coll = metrics.NewCollector()
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		handler:        cfg.Handler,
		metrics:        coll,
		capacity:       capacity,
		batchSize:      batchSize,
		flushInterval:  flushInterval,
		maxAttempts:    maxAttempts,
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
		cancel:         cancel,
	}

	q.wg.Add(1)
	go q.run(ctx)
	return q
}

// Enqueue appends a deferred write. When the queue is at capacity the
// oldest operation is dropped to make room.
func (q *Queue) Enqueue(key string, payload json.RawMessage) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = q.initialBackoff
	bo.MaxInterval = q.maxBackoff
	bo.MaxElapsedTime = 0 // the attempt ceiling bounds retries, not time

	op := &Operation{
		Key:        key,
		Payload:    payload,
		EnqueuedAt: time.Now(),
		bo:         bo,
	}

	q.mu.Lock()
	if len(q.ops) >= q.capacity {
		dropped := q.ops[0]
		q.ops = q.ops[1:]
		q.dropped.Add(1)
		logging.Warn("write-behind queue full, dropping oldest operation",
			zap.String("key", dropped.Key))
	}
	q.ops = append(q.ops, op)
	depth := len(q.ops)
	q.mu.Unlock()

	metrics.WriteBehindDepth.Set(float64(depth))
}

func (q *Queue) run(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Flush(ctx)
		}
	}
}

// Flush drains up to one batch of due operations through the handler.
// Failed operations are re-enqueued until the attempt ceiling, then dropped
// and logged as permanent failures. Returns how many operations succeeded.
func (q *Queue) Flush(ctx context.Context) int {
	now := time.Now()

	q.mu.Lock()
	var batch []*Operation
	var rest []*Operation
	for _, op := range q.ops {
		if len(batch) < q.batchSize && !op.nextAttempt.After(now) {
			batch = append(batch, op)
		} else {
			rest = append(rest, op)
		}
	}
	q.ops = rest
	q.mu.Unlock()

	succeeded := 0
	var requeue []*Operation
	for _, op := range batch {
		if err := q.handler(ctx, op.Key, op.Payload); err != nil {
			op.RetryCount++
			if op.RetryCount >= q.maxAttempts {
				q.permanent.Add(1)
				logging.Error("write-behind operation permanently failed",
					zap.String("key", op.Key),
					zap.Int("attempts", op.RetryCount),
					zap.Error(err))
				continue
			}
			q.retried.Add(1)
			op.nextAttempt = time.Now().Add(op.bo.NextBackOff())
			requeue = append(requeue, op)
			continue
		}
		succeeded++
		q.flushed.Add(1)
		q.metrics.RecordWriteBehind()
	}

	if len(requeue) > 0 {
		q.mu.Lock()
		q.ops = append(q.ops, requeue...)
		q.mu.Unlock()
	}

	q.mu.Lock()
	depth := len(q.ops)
	q.mu.Unlock()
	metrics.WriteBehindDepth.Set(float64(depth))

	return succeeded
}

// Depth returns the number of queued operations.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Stats is a point-in-time view of queue activity.
type Stats struct {
	Depth             int   `json:"depth"`
	Flushed           int64 `json:"flushed"`
	Retried           int64 `json:"retried"`
	DroppedOverflow   int64 `json:"dropped_overflow"`
	PermanentFailures int64 `json:"permanent_failures"`
}

// Stats returns queue statistics.
func (q *Queue) Stats() Stats {
	return Stats{
		Depth:             q.Depth(),
		Flushed:           q.flushed.Load(),
		Retried:           q.retried.Load(),
		DroppedOverflow:   q.dropped.Load(),
		PermanentFailures: q.permanent.Load(),
	}
}

// Close stops the flush loop and drains the queue synchronously with the
// same retry policy: every pass attempts each remaining operation, so the
// loop is bounded by the attempt ceiling. A cancelled context aborts the
// drain early.
func (q *Queue) Close(ctx context.Context) {
	q.cancel()
	q.wg.Wait()

	for q.Depth() > 0 {
		if ctx.Err() != nil {
			logging.Error("write-behind shutdown drain aborted",
				zap.Int("remaining", q.Depth()))
			return
		}

		q.mu.Lock()
		for _, op := range q.ops {
			op.nextAttempt = time.Time{} // everything is due now
		}
		q.mu.Unlock()

		q.Flush(ctx)
	}
}
