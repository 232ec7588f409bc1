package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

var validPriorities = map[string]bool{
	"low": true, "medium": true, "high": true, "critical": true,
}

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := l.expandEnvVars(string(data))

	// Start with defaults
	cfg := DefaultConfig()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// validate checks configuration for errors
func (l *Loader) validate(cfg *Config) error {
	switch cfg.Cache.Backend {
	case "redis", "memory":
	default:
		return fmt.Errorf("unknown cache backend %q (must be redis or memory)", cfg.Cache.Backend)
	}

	if cfg.Cache.Backend == "redis" && cfg.Redis.Address == "" {
		return fmt.Errorf("redis.address is required for the redis backend")
	}

	if cfg.Cache.DefaultTTL <= 0 {
		return fmt.Errorf("cache.default_ttl must be positive")
	}

	if cfg.Cache.CircuitBreaker.FailureThreshold <= 0 {
		return fmt.Errorf("cache.circuit_breaker.failure_threshold must be positive")
	}
	if cfg.Cache.CircuitBreaker.Cooldown <= 0 {
		return fmt.Errorf("cache.circuit_breaker.cooldown must be positive")
	}

	for name, s := range cfg.Strategies {
		if s.TTL <= 0 {
			return fmt.Errorf("strategy %q: ttl must be positive", name)
		}
		if s.Priority != "" && !validPriorities[s.Priority] {
			return fmt.Errorf("strategy %q: invalid priority %q", name, s.Priority)
		}
	}

	if cfg.Invalidation.MaxCascadeDepth <= 0 {
		return fmt.Errorf("invalidation.max_cascade_depth must be positive")
	}
	if err := validateCascades(cfg.Invalidation.Cascades); err != nil {
		return err
	}

	if cfg.WriteBehind.Capacity <= 0 {
		return fmt.Errorf("write_behind.capacity must be positive")
	}
	if cfg.WriteBehind.BatchSize <= 0 {
		return fmt.Errorf("write_behind.batch_size must be positive")
	}
	if cfg.WriteBehind.MaxAttempts <= 0 {
		return fmt.Errorf("write_behind.max_attempts must be positive")
	}

	if cfg.Warming.RefreshThreshold <= 0 || cfg.Warming.RefreshThreshold >= 1 {
		return fmt.Errorf("warming.refresh_threshold must be in (0, 1)")
	}

	return nil
}

// validateCascades rejects duplicate rule patterns and cyclic cascade chains.
// A cycle would make pattern invalidation recurse until the depth cap on every
// call, so it is treated as a configuration error.
func validateCascades(rules []CascadeRule) error {
	targets := make(map[string][]string, len(rules))
	for _, r := range rules {
		if r.Pattern == "" {
			return fmt.Errorf("cascade rule with empty pattern")
		}
		if _, dup := targets[r.Pattern]; dup {
			return fmt.Errorf("duplicate cascade rule for pattern %q", r.Pattern)
		}
		targets[r.Pattern] = r.Invalidates
	}

	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(targets))

	var visit func(p string) error
	visit = func(p string) error {
		switch state[p] {
		case inStack:
			return fmt.Errorf("cascade rules form a cycle through pattern %q", p)
		case done:
			return nil
		}
		state[p] = inStack
		for _, next := range targets[p] {
			if _, ok := targets[next]; !ok {
				continue // leaf pattern, no further cascades
			}
			if err := visit(next); err != nil {
				return err
			}
		}
		state[p] = done
		return nil
	}

	for p := range targets {
		if err := visit(p); err != nil {
			return err
		}
	}
	return nil
}
