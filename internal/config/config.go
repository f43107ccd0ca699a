package config

import (
	"embed"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed example.yaml
var exampleConfig embed.FS

// Config represents the complete outboxer configuration
type Config struct {
	Identity  Identity  `yaml:"identity"`
	Relays    Relays    `yaml:"relays"`
	Pool      Pool      `yaml:"pool"`
	Resolver  Resolver  `yaml:"resolver"`
	Broadcast Broadcast `yaml:"broadcast"`
	Store     Store     `yaml:"store"`
	Logging   Logging   `yaml:"logging"`
}

// Identity contains the logged-in subject's Nostr identity
type Identity struct {
	Npub string `yaml:"npub"` // bech32 public key; decoded to hex at login
}

// Relays contains relay bootstrap configuration
type Relays struct {
	// Seeds are queried for relay-list and contact-list records when
	// nothing better is known yet.
	Seeds []string `yaml:"seeds"`
	// Defaults are used as the subject's own relay set when no kind-10002
	// record can be found anywhere.
	Defaults []DefaultRelay `yaml:"defaults"`
}

// DefaultRelay is one entry of the fallback relay set
type DefaultRelay struct {
	URL   string `yaml:"url"`
	Read  bool   `yaml:"read"`
	Write bool   `yaml:"write"`
}

// Pool contains connection-pool policies
type Pool struct {
	ConnectTimeoutMs     int `yaml:"connect_timeout_ms"`     // default 10000
	BackoffBaseMs        int `yaml:"backoff_base_ms"`        // default 5000, doubling
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"` // default 3
	CooldownMs           int `yaml:"cooldown_ms"`            // default 60000
}

// Resolver contains relay-list resolution policies
type Resolver struct {
	FetchTimeoutMs int `yaml:"fetch_timeout_ms"` // default 3000
	CacheTTLHours  int `yaml:"cache_ttl_hours"`  // default 24
}

// Broadcast contains batching and delivery policies
type Broadcast struct {
	BatchSize       int `yaml:"batch_size"`        // default 50
	BatchIntervalMs int `yaml:"batch_interval_ms"` // default 2000
	AckTimeoutMs    int `yaml:"ack_timeout_ms"`    // default 10000
	HistoryCap      int `yaml:"history_cap"`       // default 1000
	SeenCap         int `yaml:"seen_cap"`          // default 5000
	TrackCap        int `yaml:"track_cap"`         // default 1000
}

// Store contains key-value store configuration
type Store struct {
	Driver     string `yaml:"driver"` // "sqlite", "redis" or "memory"
	SQLitePath string `yaml:"sqlite_path"`
	RedisURL   string `yaml:"redis_url"`
}

// Logging contains log output configuration
type Logging struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// ConnectTimeout returns the pool connect timeout as a duration
func (p *Pool) ConnectTimeout() time.Duration {
	return time.Duration(p.ConnectTimeoutMs) * time.Millisecond
}

// BackoffBase returns the reconnect backoff base as a duration
func (p *Pool) BackoffBase() time.Duration {
	return time.Duration(p.BackoffBaseMs) * time.Millisecond
}

// Cooldown returns the failed-endpoint cooldown as a duration
func (p *Pool) Cooldown() time.Duration {
	return time.Duration(p.CooldownMs) * time.Millisecond
}

// FetchTimeout returns the resolver fetch timeout as a duration
func (r *Resolver) FetchTimeout() time.Duration {
	return time.Duration(r.FetchTimeoutMs) * time.Millisecond
}

// CacheTTL returns the relay-list cache freshness window as a duration
func (r *Resolver) CacheTTL() time.Duration {
	return time.Duration(r.CacheTTLHours) * time.Hour
}

// BatchInterval returns the batch flush interval as a duration
func (b *Broadcast) BatchInterval() time.Duration {
	return time.Duration(b.BatchIntervalMs) * time.Millisecond
}

// AckTimeout returns the per-endpoint delivery ack timeout as a duration
func (b *Broadcast) AckTimeout() time.Duration {
	return time.Duration(b.AckTimeoutMs) * time.Millisecond
}

// Load reads and parses a configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(cfg *Config) error {
	if redisURL := os.Getenv("OUTBOXER_REDIS_URL"); redisURL != "" {
		cfg.Store.RedisURL = redisURL
	}
	return nil
}

// GetExampleConfig returns the embedded example configuration
func GetExampleConfig() ([]byte, error) {
	return exampleConfig.ReadFile("example.yaml")
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Identity: Identity{
			Npub: "",
		},
		Relays: Relays{
			Seeds: []string{
				"wss://relay.damus.io",
				"wss://relay.nostr.band",
				"wss://nos.lol",
			},
			Defaults: []DefaultRelay{
				{URL: "wss://relay.damus.io", Read: true, Write: true},
				{URL: "wss://nos.lol", Read: true, Write: true},
			},
		},
		Pool: Pool{
			ConnectTimeoutMs:     10000,
			BackoffBaseMs:        5000,
			MaxReconnectAttempts: 3,
			CooldownMs:           60000,
		},
		Resolver: Resolver{
			FetchTimeoutMs: 3000,
			CacheTTLHours:  24,
		},
		Broadcast: Broadcast{
			BatchSize:       50,
			BatchIntervalMs: 2000,
			AckTimeoutMs:    10000,
			HistoryCap:      1000,
			SeenCap:         5000,
			TrackCap:        1000,
		},
		Store: Store{
			Driver:     "sqlite",
			SQLitePath: "./outboxer.db",
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
	}
}

// applyDefaults fills in zero-valued fields from Default()
func applyDefaults(cfg *Config) {
	def := Default()

	if len(cfg.Relays.Seeds) == 0 {
		cfg.Relays.Seeds = def.Relays.Seeds
	}
	if len(cfg.Relays.Defaults) == 0 {
		cfg.Relays.Defaults = def.Relays.Defaults
	}
	if cfg.Pool.ConnectTimeoutMs == 0 {
		cfg.Pool.ConnectTimeoutMs = def.Pool.ConnectTimeoutMs
	}
	if cfg.Pool.BackoffBaseMs == 0 {
		cfg.Pool.BackoffBaseMs = def.Pool.BackoffBaseMs
	}
	if cfg.Pool.MaxReconnectAttempts == 0 {
		cfg.Pool.MaxReconnectAttempts = def.Pool.MaxReconnectAttempts
	}
	if cfg.Pool.CooldownMs == 0 {
		cfg.Pool.CooldownMs = def.Pool.CooldownMs
	}
	if cfg.Resolver.FetchTimeoutMs == 0 {
		cfg.Resolver.FetchTimeoutMs = def.Resolver.FetchTimeoutMs
	}
	if cfg.Resolver.CacheTTLHours == 0 {
		cfg.Resolver.CacheTTLHours = def.Resolver.CacheTTLHours
	}
	if cfg.Broadcast.BatchSize == 0 {
		cfg.Broadcast.BatchSize = def.Broadcast.BatchSize
	}
	if cfg.Broadcast.BatchIntervalMs == 0 {
		cfg.Broadcast.BatchIntervalMs = def.Broadcast.BatchIntervalMs
	}
	if cfg.Broadcast.AckTimeoutMs == 0 {
		cfg.Broadcast.AckTimeoutMs = def.Broadcast.AckTimeoutMs
	}
	if cfg.Broadcast.HistoryCap == 0 {
		cfg.Broadcast.HistoryCap = def.Broadcast.HistoryCap
	}
	if cfg.Broadcast.SeenCap == 0 {
		cfg.Broadcast.SeenCap = def.Broadcast.SeenCap
	}
	if cfg.Broadcast.TrackCap == 0 {
		cfg.Broadcast.TrackCap = def.Broadcast.TrackCap
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = def.Store.Driver
	}
	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = def.Store.SQLitePath
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = def.Logging.Format
	}
}

// Validate checks a configuration for consistency
func Validate(cfg *Config) error {
	if cfg.Identity.Npub == "" {
		return fmt.Errorf("identity.npub is required")
	}
	if !strings.HasPrefix(cfg.Identity.Npub, "npub1") {
		return fmt.Errorf("identity.npub must be a bech32 npub, got %q", cfg.Identity.Npub)
	}

	switch cfg.Store.Driver {
	case "sqlite":
		if cfg.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path is required for the sqlite driver")
		}
	case "redis":
		if cfg.Store.RedisURL == "" {
			return fmt.Errorf("store.redis_url is required for the redis driver")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}

	for _, seed := range cfg.Relays.Seeds {
		if !strings.HasPrefix(seed, "ws://") && !strings.HasPrefix(seed, "wss://") {
			return fmt.Errorf("relay seed %q must use a ws:// or wss:// scheme", seed)
		}
	}
	for _, rec := range cfg.Relays.Defaults {
		if !strings.HasPrefix(rec.URL, "ws://") && !strings.HasPrefix(rec.URL, "wss://") {
			return fmt.Errorf("default relay %q must use a ws:// or wss:// scheme", rec.URL)
		}
		if !rec.Read && !rec.Write {
			return fmt.Errorf("default relay %q must be read-capable, write-capable or both", rec.URL)
		}
	}

	if cfg.Pool.MaxReconnectAttempts < 0 {
		return fmt.Errorf("pool.max_reconnect_attempts must not be negative")
	}
	if cfg.Broadcast.BatchSize < 1 {
		return fmt.Errorf("broadcast.batch_size must be at least 1")
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log level: %s", cfg.Logging.Level)
	}

	return nil
}
