package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	content := `
http:
  addr: "0.0.0.0:9000"
redis:
  addr: "redis:6379"
  db: 2
sqlitePath: "./data/test.db"
worker:
  count: 4
  maxAttempts: 5
  baseBackoff: "250ms"
  heartbeatInterval: "10s"
status:
  ttl: "1h"
metering:
  endpoint: "https://billing.example.com/usage"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.HTTP.Addr != "0.0.0.0:9000" {
		t.Fatalf("unexpected http addr %q", cfg.HTTP.Addr)
	}
	if diff := cmp.Diff(RedisConfig{Addr: "redis:6379", DB: 2}, cfg.Redis); diff != "" {
		t.Fatalf("unexpected redis config (-want +got):\n%s", diff)
	}
	if cfg.Worker.Count != 4 {
		t.Fatalf("unexpected worker count %d", cfg.Worker.Count)
	}

	policy := cfg.RuntimePolicy()
	if policy.MaxAttempts != 5 {
		t.Fatalf("unexpected max attempts %d", policy.MaxAttempts)
	}
	if policy.BaseBackoff != 250*time.Millisecond {
		t.Fatalf("unexpected base backoff %v", policy.BaseBackoff)
	}
	if policy.HeartbeatInterval != 10*time.Second {
		t.Fatalf("unexpected heartbeat interval %v", policy.HeartbeatInterval)
	}
	if cfg.StatusTTL() != time.Hour {
		t.Fatalf("unexpected status ttl %v", cfg.StatusTTL())
	}
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Fatalf("unexpected default redis addr %q", cfg.Redis.Addr)
	}
	policy := cfg.RuntimePolicy()
	if policy.MaxAttempts != 3 {
		t.Fatalf("unexpected default max attempts %d", policy.MaxAttempts)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("worker:\n  baseBackoff: \"soon\"\n"), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected duration error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("REDIS_ADDR", "override:6379")
	t.Setenv("WORKER_COUNT", "8")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Redis.Addr != "override:6379" {
		t.Fatalf("env override not applied: %q", cfg.Redis.Addr)
	}
	if cfg.Worker.Count != 8 {
		t.Fatalf("env override not applied: %d", cfg.Worker.Count)
	}
}
