// Package config loads the host process configuration: a YAML file, then
// OFFGRID_* environment overrides, then derived values.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/unkn0wn-root/offgrid"
)

const EnvPrefix = "OFFGRID_"

type Config struct {
	// Listen is the address the proxy serves on.
	Listen string `yaml:"listen" env:"LISTEN"`
	// Origin is the application origin, e.g. https://atlas.example.org.
	Origin string `yaml:"origin" env:"ORIGIN"`

	Version string `yaml:"version" env:"VERSION"`
	Prefix  string `yaml:"prefix" env:"PREFIX"`

	// Precache is the build manifest. ManifestFile, when set, is a YAML (or
	// JSON) list of entries appended to it.
	Precache     []offgrid.ManifestEntry `yaml:"precache"`
	ManifestFile string                  `yaml:"manifest_file" env:"MANIFEST_FILE"`

	NetworkTimeout      time.Duration `yaml:"network_timeout" env:"NETWORK_TIMEOUT"`
	RefreshTimeout      time.Duration `yaml:"refresh_timeout" env:"REFRESH_TIMEOUT"`
	PrecacheConcurrency int           `yaml:"precache_concurrency" env:"PRECACHE_CONCURRENCY"`

	Update      UpdateCfg                `yaml:"update" envPrefix:"UPDATE_"`
	Store       StoreCfg                 `yaml:"store" envPrefix:"STORE_"`
	Expirations map[string]ExpirationCfg `yaml:"expirations"`
	Log         LogCfg                   `yaml:"log" envPrefix:"LOG_"`
	Probe       ProbeCfg                 `yaml:"probe" envPrefix:"PROBE_"`
	Telemetry   TelemetryCfg             `yaml:"telemetry" envPrefix:"TELEMETRY_"`
	Feed        FeedCfg                  `yaml:"feed" envPrefix:"FEED_"`
}

type UpdateCfg struct {
	SkipWaiting  bool `yaml:"skip_waiting" env:"SKIP_WAITING"`
	ClaimClients bool `yaml:"claim_clients" env:"CLAIM_CLIENTS"`

	// RetryMin and RetryMax bound the delay between install attempts.
	RetryMin time.Duration `yaml:"retry_min" env:"RETRY_MIN"`
	RetryMax time.Duration `yaml:"retry_max" env:"RETRY_MAX"`
}

// StoreCfg selects the byte store behind partitions.
type StoreCfg struct {
	// Kind is "ristretto", "bigcache" or "redis".
	Kind string `yaml:"kind" env:"KIND"`
	// Codec is "msgpack", "cbor", "json" or "protobuf".
	Codec string `yaml:"codec" env:"CODEC"`
	// MaxDecodeBytes guards against oversized entries in shared stores.
	MaxDecodeBytes int `yaml:"max_decode_bytes" env:"MAX_DECODE_BYTES"`

	Ristretto RistrettoCfg `yaml:"ristretto" envPrefix:"RISTRETTO_"`
	BigCache  BigCacheCfg  `yaml:"bigcache" envPrefix:"BIGCACHE_"`
	Redis     RedisCfg     `yaml:"redis" envPrefix:"REDIS_"`
}

type RistrettoCfg struct {
	MaxCostMB   int64 `yaml:"max_cost_mb" env:"MAX_COST_MB"`
	NumCounters int64 `yaml:"num_counters" env:"NUM_COUNTERS"`
}

type BigCacheCfg struct {
	LifeWindow   time.Duration `yaml:"life_window" env:"LIFE_WINDOW"`
	Shards       int           `yaml:"shards" env:"SHARDS"`
	HardMaxMB    int           `yaml:"hard_max_mb" env:"HARD_MAX_MB"`
	MaxEntrySize int           `yaml:"max_entry_size" env:"MAX_ENTRY_SIZE"`
}

type RedisCfg struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
	Prefix   string `yaml:"prefix" env:"PREFIX"`
	// SharedGenerations keeps partition generations in redis too, so several
	// proxies sharing one redis agree on deletions.
	SharedGenerations bool `yaml:"shared_generations" env:"SHARED_GENERATIONS"`
}

type ExpirationCfg struct {
	MaxEntries int           `yaml:"max_entries"`
	MaxAge     time.Duration `yaml:"max_age"`
}

type LogCfg struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level" env:"LEVEL"`
	// Development switches zap to the console encoder.
	Development bool `yaml:"development" env:"DEVELOPMENT"`
}

type ProbeCfg struct {
	// URL enables connectivity probing when set.
	URL      string        `yaml:"url" env:"URL"`
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
}

type TelemetryCfg struct {
	// Interval of the counter delta logs; 0 disables them.
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
	// MetricsPath serves Prometheus metrics; "" disables the endpoint.
	MetricsPath string `yaml:"metrics_path" env:"METRICS_PATH"`
}

type FeedCfg struct {
	// URL of the point-of-interest CSV; requests containing it use the feed rule.
	URL string `yaml:"url" env:"URL"`
	// Path serves the parsed points as JSON; "" disables the endpoint.
	Path string `yaml:"path" env:"PATH"`
}

// Default is the configuration of the deployed art atlas.
func Default() *Config {
	return &Config{
		Listen:              ":8080",
		Version:             "v1",
		Prefix:              "art-atlas",
		NetworkTimeout:      3 * time.Second,
		RefreshTimeout:      30 * time.Second,
		PrecacheConcurrency: 4,
		Update:              UpdateCfg{SkipWaiting: true, ClaimClients: true, RetryMin: time.Second, RetryMax: 5 * time.Minute},
		Store: StoreCfg{
			Kind:           "ristretto",
			Codec:          "msgpack",
			MaxDecodeBytes: 32 << 20,
			Ristretto:      RistrettoCfg{MaxCostMB: 256, NumCounters: 1e6},
			BigCache:       BigCacheCfg{LifeWindow: 30 * 24 * time.Hour, Shards: 64, HardMaxMB: 256},
			Redis:          RedisCfg{Addr: "localhost:6379", Prefix: "offgrid:"},
		},
		Log:       LogCfg{Level: "info"},
		Probe:     ProbeCfg{Interval: 15 * time.Second},
		Telemetry: TelemetryCfg{Interval: time.Minute, MetricsPath: "/metrics"},
		Feed: FeedCfg{
			URL:  "https://raw.githubusercontent.com/walter-ship-it/afrika-burn-art-atlas/main/keys.csv",
			Path: "/_offgrid/points",
		},
	}
}

// LoadConfig reads path over Default, applies environment overrides and
// AdjustConfig. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := readYAML(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := ParseEnv(cfg); err != nil {
		return nil, err
	}
	if cfg.ManifestFile != "" {
		var extra []offgrid.ManifestEntry
		if err := readYAML(cfg.ManifestFile, &extra); err != nil {
			return nil, err
		}
		cfg.Precache = append(cfg.Precache, extra...)
	}
	if err := cfg.AdjustConfig(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseEnv applies OFFGRID_* variables to target.
func ParseEnv(target any) error {
	if err := env.ParseWithOptions(target, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// AdjustConfig normalizes values and fills the derived fields.
func (cfg *Config) AdjustConfig() error {
	cfg.Store.Kind = strings.ToLower(strings.TrimSpace(cfg.Store.Kind))
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	cfg.Origin = strings.TrimRight(cfg.Origin, "/")

	var errs []error
	if cfg.Origin == "" {
		errs = append(errs, errors.New("origin is required"))
	} else if u, err := url.Parse(cfg.Origin); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("origin %q is not an absolute URL", cfg.Origin))
	}
	switch cfg.Store.Kind {
	case "ristretto", "bigcache", "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown store kind %q", cfg.Store.Kind))
	}
	for name := range cfg.Expirations {
		if _, err := offgrid.ParsePurpose(name); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return cfg.Registry().Validate()
}

// OriginURL is Origin parsed; AdjustConfig guarantees it is absolute.
func (cfg *Config) OriginURL() *url.URL {
	u, _ := url.Parse(cfg.Origin)
	return u
}

// Registry builds the partition registry: DefaultRegistry with the
// configured prefix and expiration overrides.
func (cfg *Config) Registry() offgrid.Registry {
	reg := offgrid.DefaultRegistry(cfg.Version)
	reg.Prefix = cfg.Prefix
	if cfg.Feed.URL != "" {
		reg.FeedURL = cfg.Feed.URL
	}
	exps := make(map[offgrid.Purpose]offgrid.Expiration, len(reg.Expirations))
	for p, e := range reg.Expirations {
		exps[p] = e
	}
	for name, e := range cfg.Expirations {
		if p, err := offgrid.ParsePurpose(name); err == nil {
			exps[p] = offgrid.Expiration{MaxEntries: e.MaxEntries, MaxAge: e.MaxAge}
		}
	}
	reg.Expirations = exps
	return reg
}

// UpdatePolicy maps the update section.
func (cfg *Config) UpdatePolicy() offgrid.UpdatePolicy {
	return offgrid.UpdatePolicy{SkipWaiting: cfg.Update.SkipWaiting, ClaimClients: cfg.Update.ClaimClients}
}

func readYAML(path string, into any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config yaml file %s: %w", path, err)
	}
	if err = yaml.Unmarshal(data, into); err != nil {
		return fmt.Errorf("unmarshal yaml from %s: %w", path, err)
	}
	return nil
}
