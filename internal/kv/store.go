// Package kv abstracts the backing key/value store of the caching engine.
// The engine only ever sees the Store interface; connectivity failures
// surface as typed errors rather than faults.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist. It is benign and never
// counts against backend health.
var ErrNotFound = errors.New("kv: key not found")

// ErrUnavailable wraps connectivity and timeout failures. Callers gate this
// class of error through the circuit breaker.
var ErrUnavailable = errors.New("kv: store unavailable")

// Store abstracts the cache storage backend.
type Store interface {
	// Get returns the raw payload for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set writes the payload with the given expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes the keys and returns how many existed.
	Delete(ctx context.Context, keys ...string) (int, error)

	// MGet returns the payloads for the keys that exist.
	MGet(ctx context.Context, keys []string) (map[string][]byte, error)

	// MSet writes each entry with the given expiry and returns the number
	// of successful writes. A failed key does not abort the rest.
	MSet(ctx context.Context, entries map[string][]byte, ttl time.Duration) (int, error)

	// ScanKeys returns all keys matching a glob-style pattern.
	ScanKeys(ctx context.Context, pattern string) ([]string, error)

	// TTL returns the remaining lifetime of key, or ErrNotFound.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	Close() error
}
