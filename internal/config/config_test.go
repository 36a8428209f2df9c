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

	if cfg.Address != defaultAddress {
		t.Fatalf("expected default address %s, got %s", defaultAddress, cfg.Address)
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Fatalf("expected default log level %s, got %s", defaultLogLevel, cfg.LogLevel)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != defaultOrigin {
		t.Fatalf("expected default origin %s, got %v", defaultOrigin, cfg.AllowedOrigins)
	}
	if cfg.RateLimit.RefillInterval != defaultRefillInterval {
		t.Fatalf("expected default refill %s, got %s", defaultRefillInterval, cfg.RateLimit.RefillInterval)
	}
	if cfg.IdleTimeout != defaultIdleTimeout {
		t.Fatalf("expected default idle timeout %s, got %s", defaultIdleTimeout, cfg.IdleTimeout)
	}
	if cfg.ShutdownGracePeriod != defaultShutdownGracePeriod {
		t.Fatalf("expected default grace %s, got %s", defaultShutdownGracePeriod, cfg.ShutdownGracePeriod)
	}
	if cfg.GroupCache.TTL != defaultGroupCacheTTL {
		t.Fatalf("expected default group cache ttl %s, got %s", defaultGroupCacheTTL, cfg.GroupCache.TTL)
	}
	if cfg.Auth.JWTAlg != defaultJWTAlg {
		t.Fatalf("expected default jwt alg %s, got %s", defaultJWTAlg, cfg.Auth.JWTAlg)
	}
	if cfg.CloseUnauthenticated || cfg.CloseReplaced {
		t.Fatal("expected orphan and unauthenticated policies to default to keep-open")
	}
}

func TestLoadWithFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "relay.yaml")
	if err := os.WriteFile(configPath, []byte(`
address: "127.0.0.1:7001"
log_level: "debug"
idle_timeout: "90s"
rate_limit:
  burst: 3
  refill_interval: "2s"
redis:
  addr: "localhost:6379"
groups:
  g1: ["alice", "bob"]
`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("RELAY_ADDRESS", ":6000")
	t.Setenv("RELAY_CLOSE_REPLACED", "true")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Address != ":6000" {
		t.Fatalf("expected env override for address, got %s", cfg.Address)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log level debug, got %s", cfg.LogLevel)
	}
	if cfg.IdleTimeout != 90*time.Second {
		t.Fatalf("expected idle timeout 90s, got %s", cfg.IdleTimeout)
	}
	if cfg.RateLimit.Burst != 3 || cfg.RateLimit.RefillInterval != 2*time.Second {
		t.Fatalf("unexpected rate limit %+v", cfg.RateLimit)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Fatalf("expected redis addr from file, got %s", cfg.Redis.Addr)
	}
	if !cfg.CloseReplaced {
		t.Fatal("expected close_replaced from env")
	}
	if got := cfg.Groups["g1"]; len(got) != 2 || got[0] != "alice" || got[1] != "bob" {
		t.Fatalf("unexpected group members %v", got)
	}
}

func TestLoadRejectsPingLongerThanIdle(t *testing.T) {
	t.Setenv("RELAY_PING_INTERVAL", "2m")

	if _, err := Load(""); err == nil {
		t.Fatal("expected error when ping interval exceeds idle timeout")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
