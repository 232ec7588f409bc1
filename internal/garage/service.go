package garage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/parkwise/parkcache/internal/engine"
	"github.com/parkwise/parkcache/internal/invalidation"
	"github.com/parkwise/parkcache/internal/logging"
	"github.com/parkwise/parkcache/internal/strategy"
	"github.com/parkwise/parkcache/internal/writebehind"
)

// Config assembles a Service.
type Config struct {
	Engine       *engine.Engine
	Invalidation *invalidation.Manager
	Queue        *writebehind.Queue // nil saves analytics synchronously
	Events       engine.Events
	SOR          SystemOfRecord

	UseCache bool
	Fallback bool
}

// Service is the integration point between the garage domain and the cache.
// Reads are cache-aside with loader dedup; writes hit the system of record
// first and then repopulate. Every cache failure degrades to direct loads, so
// a store outage slows the service down but never takes it out.
type Service struct {
	engine   *engine.Engine
	inval    *invalidation.Manager
	queue    *writebehind.Queue
	events   engine.Events
	sor      SystemOfRecord
	useCache bool
	fallback bool

	sf singleflight.Group
}

// New creates a façade over the given system of record.
func New(cfg Config) *Service {
	events := cfg.Events
	if events == nil {
		events = engine.NopEvents{}
	}
	return &Service{
		engine:   cfg.Engine,
		inval:    cfg.Invalidation,
		queue:    cfg.Queue,
		events:   events,
		sor:      cfg.SOR,
		useCache: cfg.UseCache,
		fallback: cfg.Fallback,
	}
}

// fetch is the shared cache-aside read path. Concurrent misses for the same
// key share one loader call.
func fetch[T any](ctx context.Context, s *Service, key string, load func(context.Context) (*T, error)) (*T, error) {
	if !s.useCache {
		return dedupe(ctx, s, key, load)
	}

	if raw, ok := s.engine.Get(ctx, key); ok {
		var v T
		if err := json.Unmarshal(raw, &v); err == nil {
			return &v, nil
		} else if !s.fallback {
			return nil, fmt.Errorf("cached value for %s unreadable: %w", key, err)
		} else {
			logging.Warn("cached value unreadable, falling back to loader",
				zap.String("key", key), zap.Error(err))
		}
	}

	v, err := dedupe(ctx, s, key, load)
	if err != nil {
		return nil, err
	}
	s.engine.Set(ctx, key, v, 0)
	return v, nil
}

func dedupe[T any](ctx context.Context, s *Service, key string, load func(context.Context) (*T, error)) (*T, error) {
	res, err, _ := s.sf.Do(key, func() (any, error) {
		return load(ctx)
	})
	if err != nil {
		return nil, err
	}
	return res.(*T), nil
}

// GetSpotAvailability returns live occupancy for one garage level.
func (s *Service) GetSpotAvailability(ctx context.Context, garageID, level string) (*SpotAvailability, error) {
	return fetch(ctx, s, spotKey(garageID, level), func(ctx context.Context) (*SpotAvailability, error) {
		return s.sor.LoadSpotAvailability(ctx, garageID, level)
	})
}

// GetPricingRate returns the rate card for one garage tier.
func (s *Service) GetPricingRate(ctx context.Context, garageID, tier string) (*PricingRate, error) {
	return fetch(ctx, s, pricingKey(garageID, tier), func(ctx context.Context) (*PricingRate, error) {
		return s.sor.LoadPricingRate(ctx, garageID, tier)
	})
}

// GetAnalyticsSnapshot returns the latest activity aggregate for a garage.
func (s *Service) GetAnalyticsSnapshot(ctx context.Context, garageID string) (*AnalyticsSnapshot, error) {
	return fetch(ctx, s, analyticsKey(garageID), func(ctx context.Context) (*AnalyticsSnapshot, error) {
		return s.sor.LoadAnalyticsSnapshot(ctx, garageID)
	})
}

// GetGarageConfig returns a garage's configuration.
func (s *Service) GetGarageConfig(ctx context.Context, garageID string) (*GarageConfig, error) {
	return fetch(ctx, s, configKey(garageID), func(ctx context.Context) (*GarageConfig, error) {
		return s.sor.LoadGarageConfig(ctx, garageID)
	})
}

// GetUserProfile returns a user's session profile.
func (s *Service) GetUserProfile(ctx context.Context, userID string) (*UserProfile, error) {
	return fetch(ctx, s, sessionKey(userID), func(ctx context.Context) (*UserProfile, error) {
		return s.sor.LoadUserProfile(ctx, userID)
	})
}

// writeThrough invalidates the key (cascading to its dependents) and caches
// the fresh value. Runs only after the system of record accepted the write.
func (s *Service) writeThrough(ctx context.Context, key string, value any) {
	if s.inval != nil {
		s.inval.InvalidateKey(ctx, key)
	}
	s.engine.Set(ctx, key, value, 0)
}

// UpdateSpotStatus persists a spot transition and refreshes the cached level
// availability. Dependent analytics entries are invalidated through the
// cascade rules.
func (s *Service) UpdateSpotStatus(ctx context.Context, garageID, level, spotID, status string) (*SpotAvailability, error) {
	updated, err := s.sor.SaveSpotStatus(ctx, garageID, level, spotID, status)
	if err != nil {
		return nil, fmt.Errorf("save spot status: %w", err)
	}
	s.writeThrough(ctx, spotKey(garageID, level), updated)
	return updated, nil
}

// UpdatePricingRate persists a new rate card and refreshes the cached copy.
func (s *Service) UpdatePricingRate(ctx context.Context, rate *PricingRate) error {
	if err := s.sor.SavePricingRate(ctx, rate); err != nil {
		return fmt.Errorf("save pricing rate: %w", err)
	}
	s.writeThrough(ctx, pricingKey(rate.GarageID, rate.Tier), rate)
	return nil
}

// UpdateGarageConfig persists garage configuration and refreshes the cached
// copy. Cascade rules decide which derived entries get dropped.
func (s *Service) UpdateGarageConfig(ctx context.Context, cfg *GarageConfig) error {
	if err := s.sor.SaveGarageConfig(ctx, cfg); err != nil {
		return fmt.Errorf("save garage config: %w", err)
	}
	s.writeThrough(ctx, configKey(cfg.GarageID), cfg)
	return nil
}

// RecordAnalytics caches a snapshot immediately and defers persistence to
// the write-behind queue. Without a queue the save happens inline.
func (s *Service) RecordAnalytics(ctx context.Context, snap *AnalyticsSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode analytics snapshot: %w", err)
	}
	key := analyticsKey(snap.GarageID)
	s.engine.Set(ctx, key, snap, 0)

	if s.queue == nil {
		return s.sor.SaveAnalyticsSnapshot(ctx, snap.GarageID, payload)
	}
	s.queue.Enqueue(key, payload)
	s.events.WriteBehind(key, payload)
	return nil
}

// AnalyticsHandler adapts the system of record into a write-behind handler.
func AnalyticsHandler(sor SystemOfRecord) writebehind.Handler {
	return func(ctx context.Context, key string, payload json.RawMessage) error {
		garageID := strings.TrimPrefix(key, "analytics:")
		return sor.SaveAnalyticsSnapshot(ctx, garageID, payload)
	}
}

// refreshKey reloads one cache key from the system of record. Driven by
// refresh-ahead and background-refresh events.
func (s *Service) refreshKey(ctx context.Context, key string) {
	var (
		value any
		err   error
	)
	switch strategy.NamespaceOf(key) {
	case strategy.NamespaceSpots:
		parts := strings.SplitN(key, ":", 3)
		if len(parts) != 3 {
			return
		}
		value, err = s.sor.LoadSpotAvailability(ctx, parts[1], parts[2])
	case strategy.NamespacePricing:
		parts := strings.SplitN(key, ":", 3)
		if len(parts) != 3 {
			return
		}
		value, err = s.sor.LoadPricingRate(ctx, parts[1], parts[2])
	case strategy.NamespaceAnalytics:
		value, err = s.sor.LoadAnalyticsSnapshot(ctx, strings.TrimPrefix(key, "analytics:"))
	case strategy.NamespaceConfig:
		value, err = s.sor.LoadGarageConfig(ctx, strings.TrimPrefix(key, "config:"))
	case strategy.NamespaceSession:
		value, err = s.sor.LoadUserProfile(ctx, strings.TrimPrefix(key, "session:"))
	default:
		return
	}
	if err != nil {
		logging.Warn("refresh reload failed", zap.String("key", key), zap.Error(err))
		return
	}
	s.engine.Set(ctx, key, value, 0)
}

// RefreshEvents forwards refresh-ahead and background-refresh events into a
// Service so near-expiry entries get reloaded before they lapse. Bind is
// called after the Service exists; events arriving earlier are dropped.
type RefreshEvents struct {
	engine.NopEvents

	mu      sync.RWMutex
	svc     *Service
	timeout time.Duration
}

// NewRefreshEvents creates an unbound refresh sink.
func NewRefreshEvents(timeout time.Duration) *RefreshEvents {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RefreshEvents{timeout: timeout}
}

// Bind attaches the service that performs reloads.
func (r *RefreshEvents) Bind(svc *Service) {
	r.mu.Lock()
	r.svc = svc
	r.mu.Unlock()
}

func (r *RefreshEvents) handle(key string) {
	r.mu.RLock()
	svc := r.svc
	r.mu.RUnlock()
	if svc == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	svc.refreshKey(ctx, key)
}

func (r *RefreshEvents) RefreshAhead(key string, _ json.RawMessage) { r.handle(key) }

func (r *RefreshEvents) BackgroundRefresh(key string, _ json.RawMessage) { r.handle(key) }
