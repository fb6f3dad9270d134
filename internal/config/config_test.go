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
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.ListenAddr != defaultListenAddr {
		t.Fatalf("expected default listen address %s, got %s", defaultListenAddr, cfg.ListenAddr)
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Fatalf("expected default log level %s, got %s", defaultLogLevel, cfg.LogLevel)
	}
	if cfg.MaxHops != defaultMaxHops {
		t.Fatalf("expected default max hops %d, got %d", defaultMaxHops, cfg.MaxHops)
	}
	if cfg.Heartbeat.FastInterval != defaultFastInterval {
		t.Fatalf("expected default fast interval %s, got %s", defaultFastInterval, cfg.Heartbeat.FastInterval)
	}
	if cfg.Dedup.Window != defaultDedupWindow {
		t.Fatalf("expected default dedup window %s, got %s", defaultDedupWindow, cfg.Dedup.Window)
	}
	if cfg.Session.Timeout != defaultSessionTimeout {
		t.Fatalf("expected default session timeout %s, got %s", defaultSessionTimeout, cfg.Session.Timeout)
	}
}

func TestLoadWithFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(`
node_id: "node-a"
scope: "S1"
listen_address: "127.0.0.1:9443"
log_level: "debug"
max_hops: 4
heartbeat:
  fast_interval: "100ms"
  health_interval: "2s"
dedup:
  window: "1m"
session:
  timeout: "10m"
cloud:
  enabled: true
  route_urls:
    - "wss://cloud.example.com/fabric"
  master_node: "node-master"
`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("RELAYFABRIC_LISTEN_ADDRESS", ":6443")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.ListenAddr != ":6443" {
		t.Fatalf("expected env override for listen address, got %s", cfg.ListenAddr)
	}
	if cfg.NodeID != "node-a" || cfg.Scope != "S1" {
		t.Fatalf("expected identity from file, got %s/%s", cfg.NodeID, cfg.Scope)
	}
	if cfg.Heartbeat.FastInterval != 100*time.Millisecond {
		t.Fatalf("expected fast interval 100ms, got %s", cfg.Heartbeat.FastInterval)
	}
	if cfg.Heartbeat.HealthInterval != 2*time.Second {
		t.Fatalf("expected health interval 2s, got %s", cfg.Heartbeat.HealthInterval)
	}
	if cfg.Dedup.Window != time.Minute {
		t.Fatalf("expected dedup window 1m, got %s", cfg.Dedup.Window)
	}
	if !cfg.Cloud.Enabled || len(cfg.Cloud.RouteURLs) != 1 {
		t.Fatalf("expected one cloud route, got %+v", cfg.Cloud)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing node_id")
	}
	cfg.NodeID = "node-a"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg.Cloud.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for cloud enabled without routes")
	}
}

func TestJWTSecretFetch(t *testing.T) {
	t.Cleanup(func() { getenv = os.Getenv })
	getenv = func(key string) string {
		if key == "CUSTOM_ENV" {
			return "hunter2"
		}
		return ""
	}

	cfg := Config{Auth: AuthConfig{SecretEnv: "CUSTOM_ENV"}}
	secret, err := cfg.JWTSecret()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if secret != "hunter2" {
		t.Fatalf("expected secret from env, got %s", secret)
	}

	cfg.Auth.SecretEnv = "MISSING_ENV"
	if _, err := cfg.JWTSecret(); err == nil {
		t.Fatal("expected error when secret env is missing")
	}
}
