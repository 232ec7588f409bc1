package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func waitForReload(t *testing.T, ch <-chan *Config) *Config {
	t.Helper()
	select {
	case cfg := <-ch:
		return cfg
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
		return nil
	}
}

func TestWatcher_ReloadOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "parkcache.yaml")
	writeConfigFile(t, path, "cache:\n  default_ttl: 1m\n")

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if got := w.Config().Cache.DefaultTTL; got != time.Minute {
		t.Fatalf("initial default_ttl = %v, want 1m", got)
	}

	reloaded := make(chan *Config, 1)
	w.OnChange(func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	writeConfigFile(t, path, "cache:\n  default_ttl: 2m\n")

	cfg := waitForReload(t, reloaded)
	if cfg.Cache.DefaultTTL != 2*time.Minute {
		t.Errorf("reloaded default_ttl = %v, want 2m", cfg.Cache.DefaultTTL)
	}
	if got := w.Config().Cache.DefaultTTL; got != 2*time.Minute {
		t.Errorf("Config() default_ttl = %v, want 2m", got)
	}
}

func TestWatcher_KeepsPreviousConfigOnBadReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "parkcache.yaml")
	writeConfigFile(t, path, "cache:\n  default_ttl: 1m\n")

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	called := make(chan *Config, 1)
	w.OnChange(func(cfg *Config) {
		select {
		case called <- cfg:
		default:
		}
	})
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	writeConfigFile(t, path, "cache:\n  backend: carrier-pigeon\n")

	// Give the debounced reload time to run and reject the config.
	select {
	case cfg := <-called:
		t.Fatalf("callback fired for invalid config: %+v", cfg.Cache)
	case <-time.After(2 * time.Second):
	}
	if got := w.Config().Cache.DefaultTTL; got != time.Minute {
		t.Errorf("previous config lost, default_ttl = %v", got)
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "parkcache.yaml")
	writeConfigFile(t, path, "cache:\n  default_ttl: 1m\n")

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	called := make(chan *Config, 1)
	w.OnChange(func(cfg *Config) {
		select {
		case called <- cfg:
		default:
		}
	})
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	writeConfigFile(t, filepath.Join(dir, "other.yaml"), "unrelated: true\n")

	select {
	case <-called:
		t.Fatal("reload triggered by an unrelated file")
	case <-time.After(1 * time.Second):
	}
}
