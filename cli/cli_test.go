package cli

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aydenstechdungeon/livetrack/auth"
	"github.com/aydenstechdungeon/livetrack/config"
)

const testSecret = "cli-test-secret-0123456789"

func TestServeConfigFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "livetrack.yaml")
	if err := os.WriteFile(path, []byte("addr: \":8080\"\nlog_level: warn\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := ServeConfig([]string{"-c", path, "--store", "sqlite", "--dsn", "/tmp/x.db", "--log-format", "json"})
	if err != nil {
		t.Fatalf("ServeConfig: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Errorf("Expected addr from file, got %s", cfg.Addr)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("Expected log level from file, got %s", cfg.LogLevel)
	}
	if cfg.Store.Driver != config.StoreSQLite || cfg.Store.DSN != "/tmp/x.db" {
		t.Errorf("Expected sqlite store from flags, got %+v", cfg.Store)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("Expected json log format, got %s", cfg.LogFormat)
	}
	if cfg.Broker.Driver != config.BrokerMemory {
		t.Errorf("Expected default broker, got %s", cfg.Broker.Driver)
	}
}

func TestServeConfigRejectsArgs(t *testing.T) {
	if _, err := ServeConfig([]string{"extra"}); err == nil {
		t.Error("Expected error for positional argument")
	}
	if _, err := ServeConfig([]string{"--nope"}); err == nil {
		t.Error("Expected error for unknown flag")
	}
}

func TestToken(t *testing.T) {
	var out, errOut bytes.Buffer
	p := NewPrinter(&out, &errOut, false)

	if err := Token([]string{"--secret", testSecret, "--ttl", "10m", "site-1"}, p); err != nil {
		t.Fatalf("Token: %v", err)
	}
	tok := strings.TrimSpace(out.String())
	v, err := auth.NewVerifier(testSecret)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := v.Verify(tok)
	if err != nil {
		t.Fatalf("Expected minted token to verify, got %v", err)
	}
	if claims.DomainID != "site-1" {
		t.Errorf("Expected domain site-1, got %s", claims.DomainID)
	}
	if left := time.Until(claims.ExpiresAt.Time); left > 10*time.Minute || left < 9*time.Minute {
		t.Errorf("Expected ~10m lifetime, got %v", left)
	}
	if !strings.Contains(errOut.String(), "site-1") {
		t.Errorf("Expected success note on stderr, got %q", errOut.String())
	}
}

func TestTokenErrors(t *testing.T) {
	p := NewPrinter(&bytes.Buffer{}, &bytes.Buffer{}, false)
	if err := Token([]string{"--secret", testSecret}, p); !errors.Is(err, ErrDomainRequired) {
		t.Errorf("Expected ErrDomainRequired, got %v", err)
	}
	if err := Token([]string{"--secret", "short", "site-1"}, p); !errors.Is(err, auth.ErrWeakSecret) {
		t.Errorf("Expected ErrWeakSecret, got %v", err)
	}
}

func TestPrinterColor(t *testing.T) {
	var out bytes.Buffer
	plain := NewPrinter(&out, &out, false)
	if plain.Bold("x") != "x" {
		t.Errorf("Expected no color codes, got %q", plain.Bold("x"))
	}
	colored := NewPrinter(&out, &out, true)
	if !strings.HasPrefix(colored.Cyan("x"), cyan) {
		t.Errorf("Expected cyan prefix, got %q", colored.Cyan("x"))
	}
	plain.PrintUsage("1.2.3")
	if !strings.Contains(out.String(), "token <domain-id>") {
		t.Errorf("Expected usage to list token command, got %q", out.String())
	}
}

func TestWarnConfig(t *testing.T) {
	var out, errOut bytes.Buffer
	p := NewPrinter(&out, &errOut, false)

	cfg := config.Default()
	cfg.Broker.Driver = config.BrokerStreams
	warnConfig(cfg, p)
	got := errOut.String()
	if !strings.Contains(got, "No operator key set") {
		t.Errorf("Expected operator key warning, got %q", got)
	}
	if !strings.Contains(got, "XGROUP DESTROY") {
		t.Errorf("Expected broker group warning, got %q", got)
	}

	errOut.Reset()
	cfg.OperatorKey = "secret"
	cfg.Broker.Group = "edge-1"
	warnConfig(cfg, p)
	if errOut.Len() != 0 {
		t.Errorf("Expected no warnings, got %q", errOut.String())
	}
	if out.Len() != 0 {
		t.Errorf("Expected nothing on stdout, got %q", out.String())
	}
}
