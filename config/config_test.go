package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Addr != ":3000" {
		t.Errorf("Expected addr :3000, got %s", cfg.Addr)
	}
	if cfg.Store.Driver != StoreMemory || cfg.Broker.Driver != BrokerMemory {
		t.Errorf("Expected memory drivers, got %s/%s", cfg.Store.Driver, cfg.Broker.Driver)
	}
	if cfg.Broker.Topic != "tracking-events" {
		t.Errorf("Expected topic tracking-events, got %s", cfg.Broker.Topic)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "livetrack.yaml")
	data := `
addr: ":8080"
token_secret: from-file-secret-value
allowed_origins: ["https://a.example"]
store:
  driver: sqlite
  dsn: /tmp/livetrack.db
broker:
  driver: streams
  redis_url: redis://localhost:6379/0
session:
  idle_timeout: 5m
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LIVETRACK_ADDR", ":9090")
	t.Setenv("LIVETRACK_BROKER_GROUP", "node-a")
	t.Setenv("LIVETRACK_REALTIME_TYPES", "recording,heatmap,scroll")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":9090" {
		t.Errorf("Expected env to override addr, got %s", cfg.Addr)
	}
	if cfg.TokenSecret != "from-file-secret-value" {
		t.Errorf("Expected token secret from file, got %q", cfg.TokenSecret)
	}
	if cfg.Store.Driver != StoreSQLite || cfg.Store.DSN != "/tmp/livetrack.db" {
		t.Errorf("Expected sqlite store, got %+v", cfg.Store)
	}
	if cfg.Broker.Group != "node-a" {
		t.Errorf("Expected broker group node-a, got %q", cfg.Broker.Group)
	}
	if cfg.Session.IdleTimeout != 5*time.Minute {
		t.Errorf("Expected idle timeout 5m, got %v", cfg.Session.IdleTimeout)
	}
	if len(cfg.RealtimeTypes) != 3 || cfg.RealtimeTypes[2] != "scroll" {
		t.Errorf("Expected 3 realtime types, got %v", cfg.RealtimeTypes)
	}
	if cfg.Broker.Topic != "tracking-events" {
		t.Errorf("Expected default topic to survive, got %s", cfg.Broker.Topic)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected valid config, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestParseEnvError(t *testing.T) {
	t.Setenv("LIVETRACK_BODY_LIMIT", "lots")
	cfg := Default()
	err := ParseEnv(&cfg)
	if err == nil || !strings.HasPrefix(err.Error(), "parse env:") {
		t.Errorf("Expected parse env error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Store.Driver = StorePostgres
	cfg.Broker.Driver = "kafka"
	cfg.Encryption.Enabled = true

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Expected validation errors")
	}
	for _, want := range []string{"token_secret", "encryption.secret", "store.dsn", "unknown broker driver"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Expected error to mention %q, got %v", want, err)
		}
	}
}
