package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testNpub = "npub1sn0wdenkukak0d9dfczzeacvhkrgz92ak56egt7vdgzn8pv2wfqqhrjdv9"

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
identity:
  npub: `+testNpub+`
store:
  driver: memory
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Pool.ConnectTimeoutMs != 10000 {
		t.Errorf("ConnectTimeoutMs = %d, want 10000", cfg.Pool.ConnectTimeoutMs)
	}
	if cfg.Pool.MaxReconnectAttempts != 3 {
		t.Errorf("MaxReconnectAttempts = %d, want 3", cfg.Pool.MaxReconnectAttempts)
	}
	if cfg.Broadcast.BatchSize != 50 {
		t.Errorf("BatchSize = %d, want 50", cfg.Broadcast.BatchSize)
	}
	if cfg.Broadcast.HistoryCap != 1000 {
		t.Errorf("HistoryCap = %d, want 1000", cfg.Broadcast.HistoryCap)
	}
	if cfg.Broadcast.TrackCap != 1000 {
		t.Errorf("TrackCap = %d, want 1000", cfg.Broadcast.TrackCap)
	}
	if len(cfg.Relays.Seeds) == 0 {
		t.Error("Expected default relay seeds")
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
identity:
  npub: `+testNpub+`
pool:
  backoff_base_ms: 1000
broadcast:
  batch_size: 10
  batch_interval_ms: 500
  track_cap: 250
store:
  driver: memory
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if got := cfg.Pool.BackoffBase(); got != time.Second {
		t.Errorf("BackoffBase() = %v, want 1s", got)
	}
	if cfg.Broadcast.BatchSize != 10 {
		t.Errorf("BatchSize = %d, want 10", cfg.Broadcast.BatchSize)
	}
	if got := cfg.Broadcast.BatchInterval(); got != 500*time.Millisecond {
		t.Errorf("BatchInterval() = %v, want 500ms", got)
	}
	// the dedup tracking cap moves independently of the history cap
	if cfg.Broadcast.TrackCap != 250 {
		t.Errorf("TrackCap = %d, want 250", cfg.Broadcast.TrackCap)
	}
	if cfg.Broadcast.HistoryCap != 1000 {
		t.Errorf("HistoryCap = %d, want the default 1000", cfg.Broadcast.HistoryCap)
	}
}

func TestValidateRejectsMissingNpub(t *testing.T) {
	cfg := Default()
	if err := Validate(cfg); err == nil {
		t.Fatal("Expected error for empty npub")
	}
}

func TestValidateRejectsMalformedNpub(t *testing.T) {
	cfg := Default()
	cfg.Identity.Npub = "deadbeef"
	if err := Validate(cfg); err == nil {
		t.Fatal("Expected error for non-bech32 npub")
	}
}

func TestValidateRejectsBadDriver(t *testing.T) {
	cfg := Default()
	cfg.Identity.Npub = testNpub
	cfg.Store.Driver = "mongodb"
	if err := Validate(cfg); err == nil {
		t.Fatal("Expected error for unsupported driver")
	}
}

func TestValidateRejectsRedisWithoutURL(t *testing.T) {
	cfg := Default()
	cfg.Identity.Npub = testNpub
	cfg.Store.Driver = "redis"
	cfg.Store.RedisURL = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("Expected error for redis driver without URL")
	}
}

func TestValidateRejectsNonWebsocketSeed(t *testing.T) {
	cfg := Default()
	cfg.Identity.Npub = testNpub
	cfg.Relays.Seeds = []string{"https://relay.test"}
	if err := Validate(cfg); err == nil {
		t.Fatal("Expected error for non-websocket seed URL")
	}
}

func TestValidateRejectsCapabilityFreeDefault(t *testing.T) {
	cfg := Default()
	cfg.Identity.Npub = testNpub
	cfg.Relays.Defaults = []DefaultRelay{{URL: "wss://relay.test"}}
	if err := Validate(cfg); err == nil {
		t.Fatal("Expected error for default relay with no capability")
	}
}

func TestEnvOverrideRedisURL(t *testing.T) {
	t.Setenv("OUTBOXER_REDIS_URL", "redis://override:6379")

	path := writeConfig(t, `
identity:
  npub: `+testNpub+`
store:
  driver: redis
  redis_url: redis://original:6379
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Store.RedisURL != "redis://override:6379" {
		t.Errorf("RedisURL = %q, want env override", cfg.Store.RedisURL)
	}
}

func TestGetExampleConfigParses(t *testing.T) {
	data, err := GetExampleConfig()
	if err != nil {
		t.Fatalf("GetExampleConfig() error = %v", err)
	}
	if len(data) == 0 {
		t.Fatal("Example config is empty")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Fatal("Expected error for missing file")
	}
}
