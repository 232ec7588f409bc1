package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/parkwise/parkcache/internal/breaker"
	"github.com/parkwise/parkcache/internal/kv"
)

// stubStore wraps a MemoryStore with failure injection and call counting.
type stubStore struct {
	*kv.MemoryStore
	failing  atomic.Bool
	getCalls atomic.Int64
	setCalls atomic.Int64
}

func newStubStore() *stubStore {
	return &stubStore{MemoryStore: kv.NewMemoryStore(10000, 0)}
}

func (s *stubStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.getCalls.Add(1)
	if s.failing.Load() {
		return nil, kv.ErrUnavailable
	}
	return s.MemoryStore.Get(ctx, key)
}

func (s *stubStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.setCalls.Add(1)
	if s.failing.Load() {
		return kv.ErrUnavailable
	}
	return s.MemoryStore.Set(ctx, key, value, ttl)
}

func (s *stubStore) MGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	if s.failing.Load() {
		return nil, kv.ErrUnavailable
	}
	return s.MemoryStore.MGet(ctx, keys)
}

func (s *stubStore) Ping(ctx context.Context) error {
	if s.failing.Load() {
		return kv.ErrUnavailable
	}
	return nil
}

// captureEvents records every notification synchronously.
type captureEvents struct {
	mu            sync.Mutex
	writeThroughs []string
	refreshAheads []string
	circuitOpens  int
}

func (c *captureEvents) WriteThrough(key string, _ json.RawMessage) {
	c.mu.Lock()
	c.writeThroughs = append(c.writeThroughs, key)
	c.mu.Unlock()
}

func (c *captureEvents) RefreshAhead(key string, _ json.RawMessage) {
	c.mu.Lock()
	c.refreshAheads = append(c.refreshAheads, key)
	c.mu.Unlock()
}

func (c *captureEvents) CircuitOpen(breaker.Snapshot) {
	c.mu.Lock()
	c.circuitOpens++
	c.mu.Unlock()
}

func (c *captureEvents) WriteBehind(string, json.RawMessage)       {}
func (c *captureEvents) BackgroundRefresh(string, json.RawMessage) {}
func (c *captureEvents) Invalidation(string, int)                  {}

func newTestEngine(store kv.Store, events Events) *Engine {
	return New(Config{
		Store:            store,
		Events:           events,
		DefaultTTL:       5 * time.Minute,
		FailureThreshold: 5,
		Cooldown:         time.Minute,
	})
}

func TestEngine_RoundTrip(t *testing.T) {
	eng := newTestEngine(newStubStore(), nil)
	ctx := context.Background()

	type availability struct {
		Available int `json:"available"`
		Total     int `json:"total"`
	}
	in := availability{Available: 42, Total: 100}

	if !eng.Set(ctx, "spots:garage1", in, 0) {
		t.Fatal("Set failed")
	}

	raw, ok := eng.Get(ctx, "spots:garage1")
	if !ok {
		t.Fatal("expected hit")
	}
	var out availability
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out != in {
		t.Errorf("round-trip mismatch: %+v != %+v", out, in)
	}
}

func TestEngine_Miss(t *testing.T) {
	eng := newTestEngine(newStubStore(), nil)

	if _, ok := eng.Get(context.Background(), "spots:nope"); ok {
		t.Fatal("expected miss")
	}
	if got := eng.Metrics().Misses; got != 1 {
		t.Errorf("misses = %d, want 1", got)
	}
}

func TestEngine_TTLPrecedence(t *testing.T) {
	store := newStubStore()
	eng := newTestEngine(store, nil)
	ctx := context.Background()

	// Strategy TTL for spots is 30s.
	eng.Set(ctx, "spots:strat", "v", 0)
	// Explicit override wins over strategy.
	eng.Set(ctx, "spots:override", "v", 90*time.Second)
	// Unknown namespace falls back to the engine default (5m).
	eng.Set(ctx, "reservations:default", "v", 0)

	for key, wantSecs := range map[string]int{
		"spots:strat":          30,
		"spots:override":       90,
		"reservations:default": 300,
	} {
		data, err := store.MemoryStore.Get(ctx, key)
		if err != nil {
			t.Fatalf("stored entry %s missing: %v", key, err)
		}
		entry, err := DecodeEntry(data)
		if err != nil {
			t.Fatalf("decode %s: %v", key, err)
		}
		if entry.TTLSeconds != wantSecs {
			t.Errorf("%s ttl = %ds, want %ds", key, entry.TTLSeconds, wantSecs)
		}
	}
}

func TestEngine_HitCountIncrements(t *testing.T) {
	store := newStubStore()
	eng := newTestEngine(store, nil)
	ctx := context.Background()

	eng.Set(ctx, "pricing:hourly", "v", 0)
	eng.Get(ctx, "pricing:hourly")
	eng.Get(ctx, "pricing:hourly")

	data, err := store.MemoryStore.Get(ctx, "pricing:hourly")
	if err != nil {
		t.Fatalf("stored entry missing: %v", err)
	}
	entry, err := DecodeEntry(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry.HitCount != 2 {
		t.Errorf("hit count = %d, want 2", entry.HitCount)
	}
}

func TestEngine_CircuitBreakerTrip(t *testing.T) {
	store := newStubStore()
	eng := newTestEngine(store, nil)
	ctx := context.Background()

	store.failing.Store(true)
	for i := 0; i < 5; i++ {
		if _, ok := eng.Get(ctx, "spots:g"); ok {
			t.Fatal("expected miss while store failing")
		}
	}

	calls := store.getCalls.Load()
	if calls != 5 {
		t.Fatalf("expected 5 store calls, got %d", calls)
	}

	// 6th call short-circuits: no store I/O.
	if _, ok := eng.Get(ctx, "spots:g"); ok {
		t.Fatal("expected miss while circuit open")
	}
	if store.getCalls.Load() != calls {
		t.Error("short-circuited call still reached the store")
	}
	if got := eng.Metrics().CircuitBreakerTrips; got != 1 {
		t.Errorf("trips = %d, want 1", got)
	}
}

func TestEngine_CircuitBreakerCooldown(t *testing.T) {
	store := newStubStore()
	eng := New(Config{
		Store:            store,
		FailureThreshold: 3,
		Cooldown:         100 * time.Millisecond,
	})
	ctx := context.Background()

	store.failing.Store(true)
	for i := 0; i < 3; i++ {
		eng.Get(ctx, "spots:g")
	}
	if !eng.Breaker().IsOpen() {
		t.Fatal("breaker should be open")
	}

	store.failing.Store(false)
	time.Sleep(150 * time.Millisecond)

	eng.Set(ctx, "spots:g", "v", 0)
	if eng.Breaker().IsOpen() {
		t.Error("breaker should be closed after successful probe")
	}
}

func TestEngine_OpenCircuitNoOps(t *testing.T) {
	store := newStubStore()
	eng := New(Config{Store: store, FailureThreshold: 1, Cooldown: time.Minute})
	ctx := context.Background()

	store.failing.Store(true)
	eng.Get(ctx, "spots:g") // trips

	store.failing.Store(false)
	if eng.Set(ctx, "spots:g", "v", 0) {
		t.Error("Set should return false while open")
	}
	if eng.Delete(ctx, "spots:g") {
		t.Error("Delete should return false while open")
	}
	if got := eng.GetMany(ctx, []string{"a", "b"}); len(got) != 0 {
		t.Errorf("GetMany should return empty map while open, got %v", got)
	}
	if got := eng.SetMany(ctx, map[string]any{"a": 1}, 0); got != 0 {
		t.Errorf("SetMany should return 0 while open, got %d", got)
	}
	if store.setCalls.Load() != 0 {
		t.Error("no-op operations still reached the store")
	}
}

func TestEngine_SerializationErrorIsMissNotFailure(t *testing.T) {
	store := newStubStore()
	eng := newTestEngine(store, nil)
	ctx := context.Background()

	store.MemoryStore.Set(ctx, "spots:bad", []byte("{not json"), time.Minute)

	if _, ok := eng.Get(ctx, "spots:bad"); ok {
		t.Fatal("corrupt entry should be a miss")
	}
	snap := eng.Breaker().Snapshot()
	if snap.ConsecutiveFailures != 0 {
		t.Errorf("decode failure counted against breaker: %d", snap.ConsecutiveFailures)
	}
	if eng.Metrics().Errors != 0 {
		t.Error("decode failure counted as store error")
	}
}

func TestEngine_GetManyPartialFailure(t *testing.T) {
	store := newStubStore()
	eng := newTestEngine(store, nil)
	ctx := context.Background()

	eng.Set(ctx, "spots:k1", "v1", 0)
	eng.Set(ctx, "spots:k3", "v3", 0)
	store.MemoryStore.Set(ctx, "spots:k2", []byte("corrupt"), time.Minute)

	got := eng.GetMany(ctx, []string{"spots:k1", "spots:k2", "spots:k3"})
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
	if _, ok := got["spots:k2"]; ok {
		t.Error("corrupt key should be excluded")
	}
	if _, ok := got["spots:k1"]; !ok {
		t.Error("k1 missing from batch result")
	}
}

func TestEngine_GetManyTouchesHits(t *testing.T) {
	store := newStubStore()
	eng := newTestEngine(store, nil)
	ctx := context.Background()

	eng.Set(ctx, "spots:k1", "v1", 0)
	eng.Set(ctx, "spots:k2", "v2", 0)

	eng.GetMany(ctx, []string{"spots:k1", "spots:k2", "spots:missing"})
	eng.GetMany(ctx, []string{"spots:k1"})

	// Batch reads mutate entries the same way single reads do.
	for key, want := range map[string]int64{"spots:k1": 2, "spots:k2": 1} {
		data, err := store.MemoryStore.Get(ctx, key)
		if err != nil {
			t.Fatalf("stored entry %s missing: %v", key, err)
		}
		entry, err := DecodeEntry(data)
		if err != nil {
			t.Fatalf("decode %s: %v", key, err)
		}
		if entry.HitCount != want {
			t.Errorf("%s hit count = %d, want %d", key, entry.HitCount, want)
		}
	}
}

func TestEngine_SetMany(t *testing.T) {
	eng := newTestEngine(newStubStore(), nil)
	ctx := context.Background()

	n := eng.SetMany(ctx, map[string]any{
		"spots:a": 1,
		"spots:b": 2,
		"spots:c": 3,
	}, time.Minute)
	if n != 3 {
		t.Fatalf("expected 3 succeeded, got %d", n)
	}

	if got := eng.GetMany(ctx, []string{"spots:a", "spots:b", "spots:c"}); len(got) != 3 {
		t.Errorf("expected 3 readable entries, got %d", len(got))
	}
}

func TestEngine_WriteThroughEvent(t *testing.T) {
	events := &captureEvents{}
	eng := newTestEngine(newStubStore(), events)
	ctx := context.Background()

	eng.Set(ctx, "spots:garage1", "v", 0)   // spots has write-through
	eng.Set(ctx, "pricing:hourly", "v", 0)  // pricing does not
	eng.Set(ctx, "config:garage1", "v", 0)  // config has write-through

	events.mu.Lock()
	defer events.mu.Unlock()
	if len(events.writeThroughs) != 2 {
		t.Fatalf("expected 2 write-through events, got %v", events.writeThroughs)
	}
	if got := eng.Metrics().WriteThroughs; got != 2 {
		t.Errorf("write-through counter = %d, want 2", got)
	}
}

func TestEngine_RefreshAheadEvent(t *testing.T) {
	store := newStubStore()
	events := &captureEvents{}
	eng := newTestEngine(store, events)
	ctx := context.Background()

	// Plant an entry that is 95% through its TTL in a refresh-ahead
	// namespace, and a fresh one that is not.
	old := &Entry{
		Key:        "spots:stale",
		Value:      json.RawMessage(`"v"`),
		CreatedAt:  time.Now().Add(-57 * time.Second),
		TTLSeconds: 60,
		Priority:   "critical",
	}
	data, _ := old.Encode()
	store.MemoryStore.Set(ctx, "spots:stale", data, time.Minute)
	eng.Set(ctx, "spots:fresh", "v", 0)

	eng.Get(ctx, "spots:stale")
	eng.Get(ctx, "spots:fresh")

	events.mu.Lock()
	defer events.mu.Unlock()
	if len(events.refreshAheads) != 1 || events.refreshAheads[0] != "spots:stale" {
		t.Errorf("unexpected refresh-ahead events: %v", events.refreshAheads)
	}
}

func TestEngine_CircuitOpenEvent(t *testing.T) {
	store := newStubStore()
	events := &captureEvents{}
	eng := New(Config{Store: store, Events: events, FailureThreshold: 2, Cooldown: time.Minute})
	ctx := context.Background()

	store.failing.Store(true)
	eng.Get(ctx, "spots:g")
	eng.Get(ctx, "spots:g")

	events.mu.Lock()
	defer events.mu.Unlock()
	if events.circuitOpens != 1 {
		t.Errorf("circuit open events = %d, want 1", events.circuitOpens)
	}
}

func TestEngine_Delete(t *testing.T) {
	eng := newTestEngine(newStubStore(), nil)
	ctx := context.Background()

	eng.Set(ctx, "spots:g", "v", 0)

	if !eng.Delete(ctx, "spots:g") {
		t.Error("Delete should report true for an existing key")
	}
	if eng.Delete(ctx, "spots:g") {
		t.Error("Delete should report false for a missing key")
	}
}

func TestEngine_HitRate(t *testing.T) {
	eng := newTestEngine(newStubStore(), nil)
	ctx := context.Background()

	eng.Set(ctx, "spots:g", "v", 0)
	eng.Get(ctx, "spots:g")
	eng.Get(ctx, "spots:missing")

	if got := eng.Metrics().HitRate; got != 0.5 {
		t.Errorf("hit rate = %v, want 0.5", got)
	}
}

func TestEngine_HealthCheck(t *testing.T) {
	store := newStubStore()
	eng := newTestEngine(store, nil)
	ctx := context.Background()

	h := eng.HealthCheck(ctx)
	if !h.Healthy {
		t.Errorf("expected healthy, got %+v", h)
	}

	store.failing.Store(true)
	h = eng.HealthCheck(ctx)
	if h.Healthy || h.Error == "" {
		t.Errorf("expected unhealthy with error, got %+v", h)
	}
}

func TestEngine_HealthCheckBypassesBreaker(t *testing.T) {
	store := newStubStore()
	eng := New(Config{Store: store, FailureThreshold: 1, Cooldown: time.Minute})
	ctx := context.Background()

	store.failing.Store(true)
	eng.Get(ctx, "spots:g") // trips
	store.failing.Store(false)

	if h := eng.HealthCheck(ctx); !h.Healthy {
		t.Error("health check must reach the store even while the circuit is open")
	}
}

func TestDecodeEntry_Malformed(t *testing.T) {
	cases := [][]byte{
		[]byte("not json"),
		[]byte(`{"value":1}`),                     // missing key and ttl
		[]byte(`{"key":"k","ttl_seconds":0}`),     // zero ttl
		[]byte(`[1,2,3]`),                         // wrong shape
	}
	for _, data := range cases {
		if _, err := DecodeEntry(data); err == nil {
			t.Errorf("DecodeEntry(%s) should fail", data)
		}
	}
}

func TestDecodeEntry_ValidRoundTrip(t *testing.T) {
	e := &Entry{
		Key:        "spots:g1",
		Value:      json.RawMessage(`{"a":1}`),
		CreatedAt:  time.Now(),
		TTLSeconds: 30,
		Tags:       []string{"spots", "realtime"},
		Priority:   "critical",
	}
	data, err := e.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeEntry(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Key != e.Key || got.TTLSeconds != 30 || len(got.Tags) != 2 {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestEntry_NearExpiry(t *testing.T) {
	e := &Entry{CreatedAt: time.Now().Add(-50 * time.Second), TTLSeconds: 60}
	if !e.NearExpiry(0.8) {
		t.Error("entry at 83% of TTL should be near expiry at 0.8")
	}
	if e.NearExpiry(0.9) {
		t.Error("entry at 83% of TTL should not be near expiry at 0.9")
	}
}

func TestEngine_UnavailableStoreCountsError(t *testing.T) {
	store := newStubStore()
	eng := newTestEngine(store, nil)

	store.failing.Store(true)
	eng.Get(context.Background(), "spots:g")

	if got := eng.Metrics().Errors; got != 1 {
		t.Errorf("errors = %d, want 1", got)
	}
	if !errors.Is(kv.ErrUnavailable, kv.ErrUnavailable) {
		t.Fatal("sanity")
	}
}
