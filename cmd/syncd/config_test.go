package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConfigDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.defaults()

	if cfg.Port != "8094" {
		t.Fatalf("port default = %q", cfg.Port)
	}
	if cfg.Upstream.SyncInterval != 30*time.Second {
		t.Fatalf("sync interval default = %v", cfg.Upstream.SyncInterval)
	}
	if cfg.Probe.Interval != 10*time.Second {
		t.Fatalf("probe interval default = %v", cfg.Probe.Interval)
	}
	if cfg.History.RetentionDays != 30 {
		t.Fatalf("retention default = %d", cfg.History.RetentionDays)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "syncd.yaml")
	data := []byte(`
port: "9000"
db_path: /tmp/q.db
upstream:
  base_url: https://api.example.com
  sync_interval: 45s
probe:
  url: https://api.example.com/health
  initially_online: true
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg.defaults()

	if cfg.Port != "9000" {
		t.Fatalf("port = %q", cfg.Port)
	}
	if cfg.Upstream.BaseURL != "https://api.example.com" {
		t.Fatalf("base url = %q", cfg.Upstream.BaseURL)
	}
	if cfg.Upstream.SyncInterval != 45*time.Second {
		t.Fatalf("sync interval = %v", cfg.Upstream.SyncInterval)
	}
	if !cfg.Probe.InitiallyOnline {
		t.Fatal("initially_online not parsed")
	}
	// Unset fields still get defaults.
	if cfg.Upstream.Timeout != 15*time.Second {
		t.Fatalf("timeout default = %v", cfg.Upstream.Timeout)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "7777")
	t.Setenv("UPSTREAM_URL", "https://other.example.com")

	cfg := &Config{Port: "9000", Upstream: UpstreamConfig{BaseURL: "https://api.example.com"}}
	cfg.applyEnv()
	cfg.defaults()

	if cfg.Port != "7777" {
		t.Fatalf("env PORT not applied: %q", cfg.Port)
	}
	if cfg.Upstream.BaseURL != "https://other.example.com" {
		t.Fatalf("env UPSTREAM_URL not applied: %q", cfg.Upstream.BaseURL)
	}
}
