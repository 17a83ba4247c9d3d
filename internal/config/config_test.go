package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load defaults failed: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected server address %q", cfg.Server.Address)
	}
	if cfg.Cache.Backend != "memory" {
		t.Fatalf("unexpected cache backend %q", cfg.Cache.Backend)
	}
	if cfg.Orchestrator.Workers != 4 || cfg.Orchestrator.MaxAttempts != 3 {
		t.Fatalf("unexpected orchestrator defaults %+v", cfg.Orchestrator)
	}
	if cfg.Sources.Window != 24*time.Hour {
		t.Fatalf("unexpected source window %v", cfg.Sources.Window)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opslens.yaml")
	data := []byte(`
server:
  address: ":9999"
storage:
  path: /tmp/test.db
orchestrator:
  workers: 8
cache:
  backend: none
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Server.Address != ":9999" {
		t.Fatalf("file override ignored: %q", cfg.Server.Address)
	}
	if cfg.Storage.Path != "/tmp/test.db" {
		t.Fatalf("storage path override ignored: %q", cfg.Storage.Path)
	}
	if cfg.Orchestrator.Workers != 8 {
		t.Fatalf("workers override ignored: %d", cfg.Orchestrator.Workers)
	}
	if cfg.Cache.Backend != "none" {
		t.Fatalf("cache backend override ignored: %q", cfg.Cache.Backend)
	}
	// Untouched sections keep defaults.
	if cfg.Server.MetricsAddress != ":2112" {
		t.Fatalf("default metrics address lost: %q", cfg.Server.MetricsAddress)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load("/nonexistent/opslens.yaml"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadInvalidCacheBackendFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opslens.yaml")
	if err := os.WriteFile(path, []byte("cache:\n  backend: redis\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for unknown cache backend")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("OPSLENS_SERVER_ADDRESS", ":7777")
	t.Setenv("OPSLENS_WEBHOOK_SECRET_GITHUB", "gh-secret")
	t.Setenv("OPSLENS_CACHE_BACKEND", "none")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Server.Address != ":7777" {
		t.Fatalf("env override ignored: %q", cfg.Server.Address)
	}
	if cfg.Webhooks.InboundSecrets["github"] != "gh-secret" {
		t.Fatalf("webhook secret env ignored: %+v", cfg.Webhooks.InboundSecrets)
	}
	if cfg.Cache.Backend != "none" {
		t.Fatalf("cache backend env ignored: %q", cfg.Cache.Backend)
	}
}
