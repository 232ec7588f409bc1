package invalidation

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/parkwise/parkcache/internal/breaker"
	"github.com/parkwise/parkcache/internal/engine"
	"github.com/parkwise/parkcache/internal/kv"
)

func putEntry(t *testing.T, store kv.Store, key string, tags []string) {
	t.Helper()
	e := &engine.Entry{
		Key:        key,
		Value:      json.RawMessage(`"v"`),
		CreatedAt:  time.Now(),
		TTLSeconds: 300,
		Tags:       tags,
		Priority:   "medium",
	}
	data, err := e.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := store.Set(context.Background(), key, data, 5*time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
}

func TestInvalidatePattern_Selective(t *testing.T) {
	store := kv.NewMemoryStore(10000, 0)
	m := New(Config{Store: store})
	ctx := context.Background()

	for i := 0; i < 250; i++ {
		putEntry(t, store, fmt.Sprintf("spots:%d", i), nil)
		putEntry(t, store, fmt.Sprintf("session:%d", i), nil)
	}

	deleted := m.InvalidatePattern(ctx, "spots:*")
	if deleted != 250 {
		t.Fatalf("deleted = %d, want 250", deleted)
	}

	remaining, err := store.ScanKeys(ctx, "session:*")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(remaining) != 250 {
		t.Errorf("session keys remaining = %d, want 250", len(remaining))
	}
}

func TestInvalidatePattern_Cascade(t *testing.T) {
	store := kv.NewMemoryStore(10000, 0)
	m := New(Config{
		Store: store,
		Rules: []Rule{
			{Pattern: "spots:*", Invalidates: []string{"analytics:*", "pricing:*"}},
		},
	})
	ctx := context.Background()

	putEntry(t, store, "spots:g1", nil)
	putEntry(t, store, "analytics:daily", nil)
	putEntry(t, store, "pricing:hourly", nil)
	putEntry(t, store, "session:u1", nil)

	deleted := m.InvalidatePattern(ctx, "spots:*")
	if deleted != 3 {
		t.Fatalf("deleted = %d, want 3 (1 direct + 2 cascaded)", deleted)
	}

	if keys, _ := store.ScanKeys(ctx, "session:*"); len(keys) != 1 {
		t.Error("cascade touched an unrelated namespace")
	}
}

func TestInvalidatePattern_CascadeChain(t *testing.T) {
	store := kv.NewMemoryStore(10000, 0)
	m := New(Config{
		Store: store,
		Rules: []Rule{
			{Pattern: "config:*", Invalidates: []string{"pricing:*"}},
			{Pattern: "pricing:*", Invalidates: []string{"analytics:*"}},
		},
	})
	ctx := context.Background()

	putEntry(t, store, "config:g1", nil)
	putEntry(t, store, "pricing:hourly", nil)
	putEntry(t, store, "analytics:daily", nil)

	deleted := m.InvalidatePattern(ctx, "config:*")
	if deleted != 3 {
		t.Fatalf("deleted = %d, want 3 through the chain", deleted)
	}
}

func TestInvalidatePattern_DepthCap(t *testing.T) {
	store := kv.NewMemoryStore(10000, 0)
	// Chain longer than the depth cap: c0 -> c1 -> c2, cap 2 stops after c1.
	m := New(Config{
		Store:    store,
		MaxDepth: 2,
		Rules: []Rule{
			{Pattern: "spots:*", Invalidates: []string{"pricing:*"}},
			{Pattern: "pricing:*", Invalidates: []string{"analytics:*"}},
		},
	})
	ctx := context.Background()

	putEntry(t, store, "spots:g1", nil)
	putEntry(t, store, "pricing:hourly", nil)
	putEntry(t, store, "analytics:daily", nil)

	deleted := m.InvalidatePattern(ctx, "spots:*")
	if deleted != 2 {
		t.Fatalf("deleted = %d, want 2 (analytics cascade cut by depth cap)", deleted)
	}
	if keys, _ := store.ScanKeys(ctx, "analytics:*"); len(keys) != 1 {
		t.Error("depth cap did not stop the cascade")
	}
}

func TestInvalidatePattern_CascadeCounter(t *testing.T) {
	store := kv.NewMemoryStore(10000, 0)
	m := New(Config{
		Store: store,
		Rules: []Rule{{Pattern: "spots:*", Invalidates: []string{"analytics:*"}}},
	})
	ctx := context.Background()

	putEntry(t, store, "spots:g1", nil)
	m.InvalidatePattern(ctx, "spots:*")

	if got := m.metrics.Snapshot().InvalidationCascades; got != 1 {
		t.Errorf("cascade counter = %d, want 1", got)
	}

	// A pattern with no rules does not bump the counter.
	putEntry(t, store, "session:u1", nil)
	m.InvalidatePattern(ctx, "session:*")
	if got := m.metrics.Snapshot().InvalidationCascades; got != 1 {
		t.Errorf("cascade counter = %d after plain invalidation, want 1", got)
	}
}

func TestInvalidateByTags(t *testing.T) {
	store := kv.NewMemoryStore(10000, 0)
	m := New(Config{Store: store})
	ctx := context.Background()

	putEntry(t, store, "spots:g1", []string{"spots", "realtime"})
	putEntry(t, store, "pricing:hourly", []string{"pricing"})

	deleted := m.InvalidateByTags(ctx, []string{"spots"})
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}

	if keys, _ := store.ScanKeys(ctx, "pricing:*"); len(keys) != 1 {
		t.Error("tag invalidation deleted an unrelated entry")
	}
	if keys, _ := store.ScanKeys(ctx, "spots:*"); len(keys) != 0 {
		t.Error("tagged entry not deleted")
	}
}

func TestInvalidateByTags_SkipsMalformed(t *testing.T) {
	store := kv.NewMemoryStore(10000, 0)
	m := New(Config{Store: store})
	ctx := context.Background()

	putEntry(t, store, "spots:good", []string{"spots"})
	store.Set(ctx, "spots:bad", []byte("corrupt"), 5*time.Minute)

	deleted := m.InvalidateByTags(ctx, []string{"spots"})
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1 (malformed entry skipped)", deleted)
	}
	if got := m.metrics.Snapshot().Errors; got != 0 {
		t.Errorf("malformed entries counted as errors: %d", got)
	}
}

func TestInvalidatePattern_OpenCircuitNoOp(t *testing.T) {
	store := kv.NewMemoryStore(10000, 0)
	b := breaker.New(1, time.Minute)
	b.RecordFailure() // trip
	m := New(Config{Store: store, Breaker: b})
	ctx := context.Background()

	putEntry(t, store, "spots:g1", nil)

	if deleted := m.InvalidatePattern(ctx, "spots:*"); deleted != 0 {
		t.Errorf("open circuit should no-op, deleted %d", deleted)
	}
	if keys, _ := store.ScanKeys(ctx, "spots:*"); len(keys) != 1 {
		t.Error("open circuit still deleted keys")
	}
}

func TestInvalidateKey_MatchesRulePatterns(t *testing.T) {
	store := kv.NewMemoryStore(10000, 0)
	m := New(Config{
		Store: store,
		Rules: []Rule{
			{Pattern: "spots:*", Invalidates: []string{"analytics:*"}},
		},
	})
	ctx := context.Background()

	putEntry(t, store, "spots:g1:lvl1", nil)
	putEntry(t, store, "spots:g1:lvl2", nil)
	putEntry(t, store, "analytics:g1", nil)

	deleted := m.InvalidateKey(ctx, "spots:g1:lvl1")
	if deleted != 2 {
		t.Fatalf("deleted = %d, want 2 (key + cascaded analytics)", deleted)
	}

	// Sibling spot keys are untouched; only the exact key and the cascade go.
	if _, err := store.Get(ctx, "spots:g1:lvl2"); err != nil {
		t.Error("sibling key deleted")
	}
	if _, err := store.Get(ctx, "analytics:g1"); err == nil {
		t.Error("cascaded entry survived")
	}
	if got := m.metrics.Snapshot().InvalidationCascades; got != 1 {
		t.Errorf("cascade count = %d, want 1", got)
	}
}

func TestInvalidateKey_NoRuleMatch(t *testing.T) {
	store := kv.NewMemoryStore(10000, 0)
	m := New(Config{
		Store: store,
		Rules: []Rule{{Pattern: "config:*", Invalidates: []string{"spots:*"}}},
	})
	ctx := context.Background()

	putEntry(t, store, "session:u1", nil)
	putEntry(t, store, "spots:g1:lvl1", nil)

	if deleted := m.InvalidateKey(ctx, "session:u1"); deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}
	if _, err := store.Get(ctx, "spots:g1:lvl1"); err != nil {
		t.Error("unrelated key deleted")
	}
}
