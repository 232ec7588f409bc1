package kv

import (
	"context"
	"path"
	"time"

	expirable "github.com/hashicorp/golang-lru/v2/expirable"
)

type memEntry struct {
	value    []byte
	deadline time.Time // zero means no expiry
}

// MemoryStore is an in-process Store backed by an expirable LRU. It serves
// embedded deployments and tests. The LRU-level TTL is only an upper bound;
// per-key expiry is enforced on read.
type MemoryStore struct {
	lru *expirable.LRU[string, memEntry]
}

// NewMemoryStore creates a memory store holding at most maxKeys entries.
// maxTTL caps how long any entry can live regardless of its own expiry;
// zero means entries are only evicted by size or their own deadline.
func NewMemoryStore(maxKeys int, maxTTL time.Duration) *MemoryStore {
	if maxKeys <= 0 {
		maxKeys = 10000
	}
	return &MemoryStore{
		lru: expirable.NewLRU[string, memEntry](maxKeys, nil, maxTTL),
	}
}

func (s *MemoryStore) live(key string) (memEntry, bool) {
	e, ok := s.lru.Get(key)
	if !ok {
		return memEntry{}, false
	}
	if !e.deadline.IsZero() && time.Now().After(e.deadline) {
		s.lru.Remove(key)
		return memEntry{}, false
	}
	return e, true
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	e, ok := s.live(key)
	if !ok {
		return nil, ErrNotFound
	}
	return e.value, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := memEntry{value: value}
	if ttl > 0 {
		e.deadline = time.Now().Add(ttl)
	}
	s.lru.Add(key, e)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) (int, error) {
	n := 0
	for _, k := range keys {
		if _, ok := s.live(k); ok {
			s.lru.Remove(k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) MGet(_ context.Context, keys []string) (map[string][]byte, error) {
	result := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if e, ok := s.live(k); ok {
			result[k] = e.value
		}
	}
	return result, nil
}

func (s *MemoryStore) MSet(_ context.Context, entries map[string][]byte, ttl time.Duration) (int, error) {
	for k, v := range entries {
		s.Set(context.Background(), k, v, ttl)
	}
	return len(entries), nil
}

func (s *MemoryStore) ScanKeys(_ context.Context, pattern string) ([]string, error) {
	var keys []string
	for _, k := range s.lru.Keys() {
		if _, ok := s.live(k); !ok {
			continue
		}
		// Keys contain no path separators, so path.Match gives Redis-style
		// glob semantics for * and ?.
		if matched, err := path.Match(pattern, k); err == nil && matched {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *MemoryStore) TTL(_ context.Context, key string) (time.Duration, error) {
	e, ok := s.live(key)
	if !ok {
		return 0, ErrNotFound
	}
	if e.deadline.IsZero() {
		return 0, nil
	}
	return time.Until(e.deadline), nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
