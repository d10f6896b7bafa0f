package config

import (
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	t.Setenv("CALLKIT_CONFIG_FILE", "/nonexistent/config.yml")
	cfg := Load()

	if cfg.ListenAddr != ":8080" {
		t.Fatalf("ListenAddr default: %s", cfg.ListenAddr)
	}
	if cfg.DedupTTL() != 8*time.Second || cfg.ReplayTTL() != 8*time.Second {
		t.Fatalf("dedup/replay TTL defaults: %v %v", cfg.DedupTTL(), cfg.ReplayTTL())
	}
	if cfg.RingTimeout() != 30*time.Second {
		t.Fatalf("ring timeout default: %v", cfg.RingTimeout())
	}
	if cfg.ReconnectMin() != 100*time.Millisecond || cfg.ReconnectMax() != time.Second {
		t.Fatalf("reconnect bounds: %v %v", cfg.ReconnectMin(), cfg.ReconnectMax())
	}
	if cfg.RecordDB != "mysql" {
		t.Fatalf("record db default: %s", cfg.RecordDB)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CALLKIT_CONFIG_FILE", "/nonexistent/config.yml")
	t.Setenv("CALLKIT_LISTEN_ADDR", ":9000")
	t.Setenv("CALLKIT_DEDUP_TTL_MS", "4000")
	t.Setenv("CALLKIT_ENABLE_METRICS", "false")
	t.Setenv("CALLKIT_RECORD_DB", "mongodb")

	cfg := Load()
	if cfg.ListenAddr != ":9000" {
		t.Fatalf("env override failed: %s", cfg.ListenAddr)
	}
	if cfg.DedupTTL() != 4*time.Second {
		t.Fatalf("dedup TTL override: %v", cfg.DedupTTL())
	}
	if cfg.EnableMetrics {
		t.Fatal("metrics should be disabled via env")
	}
	if cfg.RecordDB != "mongodb" {
		t.Fatalf("record db override: %s", cfg.RecordDB)
	}
}
