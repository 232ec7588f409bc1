// Package garage binds the garage domain to the cache: cache-aside reads with
// loader dedup and fallback, write-through updates, and a deferred path for
// analytics snapshots.
package garage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// SpotAvailability is the live occupancy of one garage level.
type SpotAvailability struct {
	GarageID       string         `json:"garage_id"`
	Level          string         `json:"level"`
	TotalSpots     int            `json:"total_spots"`
	AvailableSpots int            `json:"available_spots"`
	ByType         map[string]int `json:"by_type,omitempty"` // standard, ev, handicap
	UpdatedAt      time.Time      `json:"updated_at"`
}

// PricingRate is the rate card for one garage tier.
type PricingRate struct {
	GarageID    string    `json:"garage_id"`
	Tier        string    `json:"tier"`
	HourlyRate  float64   `json:"hourly_rate"`
	DailyMax    float64   `json:"daily_max"`
	Currency    string    `json:"currency"`
	EffectiveAt time.Time `json:"effective_at"`
}

// AnalyticsSnapshot aggregates one garage's activity over a window.
type AnalyticsSnapshot struct {
	GarageID     string    `json:"garage_id"`
	WindowStart  time.Time `json:"window_start"`
	WindowEnd    time.Time `json:"window_end"`
	Entries      int       `json:"entries"`
	Exits        int       `json:"exits"`
	OccupancyPct float64   `json:"occupancy_pct"`
	RevenueCents int64     `json:"revenue_cents"`
}

// GarageConfig is the slow-moving configuration of one garage.
type GarageConfig struct {
	GarageID      string    `json:"garage_id"`
	Name          string    `json:"name"`
	Levels        int       `json:"levels"`
	SpotsPerLevel int       `json:"spots_per_level"`
	Features      []string  `json:"features,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// UserProfile is the session-scoped view of one account.
type UserProfile struct {
	UserID        string    `json:"user_id"`
	Plan          string    `json:"plan"`
	VehiclePlates []string  `json:"vehicle_plates,omitempty"`
	LastSeenAt    time.Time `json:"last_seen_at"`
}

// SystemOfRecord is the authoritative backend the cache fronts. Loads run on
// misses and refreshes; saves run before any cache repopulation.
type SystemOfRecord interface {
	LoadSpotAvailability(ctx context.Context, garageID, level string) (*SpotAvailability, error)
	SaveSpotStatus(ctx context.Context, garageID, level, spotID, status string) (*SpotAvailability, error)

	LoadPricingRate(ctx context.Context, garageID, tier string) (*PricingRate, error)
	SavePricingRate(ctx context.Context, rate *PricingRate) error

	LoadAnalyticsSnapshot(ctx context.Context, garageID string) (*AnalyticsSnapshot, error)
	SaveAnalyticsSnapshot(ctx context.Context, garageID string, snapshot json.RawMessage) error

	LoadGarageConfig(ctx context.Context, garageID string) (*GarageConfig, error)
	SaveGarageConfig(ctx context.Context, cfg *GarageConfig) error

	LoadUserProfile(ctx context.Context, userID string) (*UserProfile, error)
}

// Cache key layout. The first segment selects the caching strategy.
func spotKey(garageID, level string) string   { return fmt.Sprintf("spots:%s:%s", garageID, level) }
func pricingKey(garageID, tier string) string { return fmt.Sprintf("pricing:%s:%s", garageID, tier) }
func analyticsKey(garageID string) string     { return "analytics:" + garageID }
func configKey(garageID string) string        { return "config:" + garageID }
func sessionKey(userID string) string         { return "session:" + userID }
