package engine

import (
	"encoding/json"
	"fmt"
	"time"
)

// Entry is the envelope stored in the backing store for every cached value.
type Entry struct {
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value"`
	CreatedAt  time.Time       `json:"created_at"`
	TTLSeconds int             `json:"ttl_seconds"`
	HitCount   int64           `json:"hit_count"`
	Tags       []string        `json:"tags,omitempty"`
	Priority   string          `json:"priority"`
}

// TTL returns the entry's lifetime as a duration.
func (e *Entry) TTL() time.Duration {
	return time.Duration(e.TTLSeconds) * time.Second
}

// Age returns how long ago the entry was created.
func (e *Entry) Age() time.Duration {
	return time.Since(e.CreatedAt)
}

// NearExpiry reports whether the entry's age has crossed the given
// fraction of its TTL.
func (e *Entry) NearExpiry(threshold float64) bool {
	ttl := e.TTL()
	if ttl <= 0 {
		return false
	}
	return e.Age() >= time.Duration(threshold*float64(ttl))
}

// HasAnyTag reports whether the entry carries at least one of the tags.
func (e *Entry) HasAnyTag(tags []string) bool {
	for _, want := range tags {
		for _, have := range e.Tags {
			if have == want {
				return true
			}
		}
	}
	return false
}

// Encode serializes the entry for storage.
func (e *Entry) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEntry parses a stored payload. A payload that does not parse to the
// envelope shape is a serialization error; callers treat it as a miss.
func DecodeEntry(data []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("malformed cache entry: %w", err)
	}
	if e.Key == "" || e.TTLSeconds <= 0 {
		return nil, fmt.Errorf("malformed cache entry: missing key or ttl")
	}
	return &e, nil
}
