// Package strategy maps key namespaces to caching behavior.
package strategy

import (
	"strings"
	"sync"
	"time"
)

// Priority ranks how valuable an entry is to keep warm.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParsePriority converts a config string to a Priority. Unknown values
// fall back to medium.
func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityMedium
	}
}

// Namespace is the closed set of key families the garage backend caches.
// Keys follow the "<namespace>:<id>" convention.
type Namespace int

const (
	NamespaceUnknown Namespace = iota
	NamespaceSpots
	NamespacePricing
	NamespaceAnalytics
	NamespaceConfig
	NamespaceSession
)

func (n Namespace) String() string {
	switch n {
	case NamespaceSpots:
		return "spots"
	case NamespacePricing:
		return "pricing"
	case NamespaceAnalytics:
		return "analytics"
	case NamespaceConfig:
		return "config"
	case NamespaceSession:
		return "session"
	default:
		return "unknown"
	}
}

// ParseNamespace maps a namespace name to its enum value.
func ParseNamespace(s string) Namespace {
	switch s {
	case "spots":
		return NamespaceSpots
	case "pricing":
		return NamespacePricing
	case "analytics":
		return NamespaceAnalytics
	case "config":
		return NamespaceConfig
	case "session":
		return NamespaceSession
	default:
		return NamespaceUnknown
	}
}

// NamespaceOf extracts the namespace from a cache key.
func NamespaceOf(key string) Namespace {
	prefix, _, found := strings.Cut(key, ":")
	if !found {
		return NamespaceUnknown
	}
	return ParseNamespace(prefix)
}

// Key builds a cache key in this namespace.
func (n Namespace) Key(id string) string {
	return n.String() + ":" + id
}

// Strategy defines caching behavior for one namespace.
type Strategy struct {
	TTL          time.Duration
	Priority     Priority
	WriteThrough bool
	RefreshAhead bool
	Tags         []string
}

// Registry resolves a key to its caching strategy.
type Registry struct {
	mu         sync.RWMutex
	strategies map[Namespace]Strategy
	defaultTTL time.Duration
}

// NewRegistry creates a registry whose fallback strategy uses defaultTTL
// at medium priority.
func NewRegistry(defaultTTL time.Duration) *Registry {
	return &Registry{
		strategies: make(map[Namespace]Strategy),
		defaultTTL: defaultTTL,
	}
}

// NewDefaultRegistry creates a registry pre-loaded with the garage
// backend's standard strategies.
func NewDefaultRegistry(defaultTTL time.Duration) *Registry {
	r := NewRegistry(defaultTTL)
	r.Register(NamespaceSpots, Strategy{
		TTL:          30 * time.Second,
		Priority:     PriorityCritical,
		WriteThrough: true,
		RefreshAhead: true,
		Tags:         []string{"spots", "realtime"},
	})
	r.Register(NamespacePricing, Strategy{
		TTL:          300 * time.Second,
		Priority:     PriorityHigh,
		RefreshAhead: true,
		Tags:         []string{"pricing"},
	})
	r.Register(NamespaceAnalytics, Strategy{
		TTL:      1800 * time.Second,
		Priority: PriorityLow,
		Tags:     []string{"analytics"},
	})
	r.Register(NamespaceConfig, Strategy{
		TTL:          3600 * time.Second,
		Priority:     PriorityCritical,
		WriteThrough: true,
		Tags:         []string{"config"},
	})
	r.Register(NamespaceSession, Strategy{
		TTL:          7200 * time.Second,
		Priority:     PriorityHigh,
		WriteThrough: true,
		RefreshAhead: true,
		Tags:         []string{"session"},
	})
	return r
}

// Register installs the strategy for a namespace, overwriting any
// previous registration.
func (r *Registry) Register(ns Namespace, s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[ns] = s
}

// Resolve returns the strategy for the key's namespace, or the default
// strategy when the namespace has no registration.
func (r *Registry) Resolve(key string) Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.strategies[NamespaceOf(key)]; ok {
		return s
	}
	return Strategy{TTL: r.defaultTTL, Priority: PriorityMedium}
}
