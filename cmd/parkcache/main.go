package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/parkwise/parkcache/internal/admin"
	"github.com/parkwise/parkcache/internal/config"
	"github.com/parkwise/parkcache/internal/engine"
	"github.com/parkwise/parkcache/internal/garage"
	"github.com/parkwise/parkcache/internal/invalidation"
	"github.com/parkwise/parkcache/internal/kv"
	"github.com/parkwise/parkcache/internal/logging"
	"github.com/parkwise/parkcache/internal/metrics"
	"github.com/parkwise/parkcache/internal/strategy"
	"github.com/parkwise/parkcache/internal/warming"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/parkcache.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("parkcache %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := logging.New(logging.Config{
		Level: cfg.Logging.Level,
		File:  cfg.Logging.File,
		Rotation: logging.RotationConfig{
			MaxSizeMB:  cfg.Logging.Rotation.MaxSize,
			MaxBackups: cfg.Logging.Rotation.MaxBackups,
			MaxAgeDays: cfg.Logging.Rotation.MaxAge,
			Compress:   cfg.Logging.Rotation.Compress,
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("Starting parkcache",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("backend", cfg.Cache.Backend),
	)

	store, err := newStore(cfg)
	if err != nil {
		logging.Error("Failed to create store", zap.Error(err))
		os.Exit(1)
	}
	defer store.Close()

	registry := strategy.NewDefaultRegistry(cfg.Cache.DefaultTTL)
	applyStrategies(registry, cfg)

	collector := metrics.NewCollector()

	// Refresh events reload near-expiry entries when a system of record is
	// bound; until then they are dropped.
	refresh := garage.NewRefreshEvents(cfg.Cache.OpTimeout)
	dispatcher := engine.NewDispatcher(refresh, 1024, 2)
	defer dispatcher.Close()

	eng := engine.New(engine.Config{
		Store:            store,
		Strategies:       registry,
		Metrics:          collector,
		Events:           dispatcher,
		DefaultTTL:       cfg.Cache.DefaultTTL,
		OpTimeout:        cfg.Cache.OpTimeout,
		FailureThreshold: cfg.Cache.CircuitBreaker.FailureThreshold,
		Cooldown:         cfg.Cache.CircuitBreaker.Cooldown,
	})

	rules := make([]invalidation.Rule, 0, len(cfg.Invalidation.Cascades))
	for _, c := range cfg.Invalidation.Cascades {
		rules = append(rules, invalidation.Rule{Pattern: c.Pattern, Invalidates: c.Invalidates})
	}
	inval := invalidation.New(invalidation.Config{
		Store:    store,
		Breaker:  eng.Breaker(),
		Metrics:  collector,
		Events:   dispatcher,
		Rules:    rules,
		MaxDepth: cfg.Invalidation.MaxCascadeDepth,
	})

	warmer := warming.New(warming.Config{
		Engine:           eng,
		Metrics:          collector,
		Events:           dispatcher,
		ScanInterval:     cfg.Warming.RefreshInterval,
		RefreshThreshold: cfg.Warming.RefreshThreshold,
	})
	defer warmer.Close()

	// Live reload of the strategy section. Connection and queue settings
	// stay fixed for the process lifetime.
	watcher, err := config.NewWatcher(*configPath)
	if err != nil {
		logging.Warn("config watcher disabled", zap.Error(err))
	} else {
		watcher.OnChange(func(updated *config.Config) {
			applyStrategies(registry, updated)
			logging.Info("strategies reloaded", zap.Int("count", len(updated.Strategies)))
		})
		if err := watcher.Start(); err != nil {
			logging.Warn("config watcher failed to start", zap.Error(err))
		} else {
			defer watcher.Stop()
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Admin.Enabled {
		adminServer := admin.New(cfg.Admin, eng, inval, nil, warmer)
		g.Go(func() error {
			return adminServer.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logging.Info("Shutting down parkcache")
		return nil
	})

	if err := g.Wait(); err != nil {
		logging.Error("Shutdown error", zap.Error(err))
		os.Exit(1)
	}

	logging.Info("parkcache stopped")
}

func newStore(cfg *config.Config) (kv.Store, error) {
	switch cfg.Cache.Backend {
	case "redis", "":
		store := kv.NewRedisStore(cfg.Redis)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			// Fail open: the engine degrades to misses until Redis is back.
			logging.Warn("redis unreachable at startup", zap.Error(err))
		}
		return store, nil
	case "memory":
		return kv.NewMemoryStore(cfg.Cache.MemoryMaxKeys, 0), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
}

func applyStrategies(registry *strategy.Registry, cfg *config.Config) {
	for name, sc := range cfg.Strategies {
		ns := strategy.ParseNamespace(name)
		if ns == strategy.NamespaceUnknown {
			logging.Warn("ignoring strategy for unknown namespace", zap.String("namespace", name))
			continue
		}
		registry.Register(ns, strategy.Strategy{
			TTL:          sc.TTL,
			Priority:     strategy.ParsePriority(sc.Priority),
			WriteThrough: sc.WriteThrough,
			RefreshAhead: sc.RefreshAhead,
			Tags:         sc.Tags,
		})
	}
}
