// Package config handles YAML configuration loading with environment variable
// expansion, plus direct environment overrides for deploy-time knobs.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"go.yaml.in/yaml/v3"

	gateway "github.com/torii-gw/torii/internal"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server     ServerConfig    `yaml:"server"`
	IdP        IdPConfig       `yaml:"idp"`
	Cache      CacheConfig     `yaml:"cache"`
	Store      StoreConfig     `yaml:"store"`
	Blob       BlobConfig      `yaml:"blob"`
	Router     RouterConfig    `yaml:"router"`
	Catalog    CatalogConfig   `yaml:"catalog"`
	RateLimits RateLimitConfig `yaml:"rate_limits"`
	Stream     StreamConfig    `yaml:"stream"`
	Internal   InternalConfig  `yaml:"internal"`
	Telemetry  TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// IdPConfig holds identity provider settings. PublicKey is a PEM block
// (RSA or Ed25519) used to verify session tokens.
type IdPConfig struct {
	URL        string `yaml:"url"`
	PublicKey  string `yaml:"public_key"`
	CookieName string `yaml:"cookie_name"`
}

// CacheConfig holds shared cache (Redis) settings.
type CacheConfig struct {
	URL         string        `yaml:"url"` // empty = in-process fallback
	SnapshotTTL time.Duration `yaml:"snapshot_ttl"`
}

// StoreConfig holds persistence settings.
type StoreConfig struct {
	URL string `yaml:"url"` // SQLite DSN for the reference store
}

// BlobConfig holds attachment blob store settings.
// URL forms: "gs://bucket" for GCS, otherwise a local directory served by
// the HMAC signer (dev and single-node deployments).
type BlobConfig struct {
	URL        string        `yaml:"url"`
	SigningTTL time.Duration `yaml:"signing_ttl"`
}

// RouterConfig holds upstream Router settings.
type RouterConfig struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"` // hard cap per call, streaming included
}

// CatalogConfig holds model catalog settings.
type CatalogConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// RateLimitConfig holds the sliding-window limiter settings. Limits maps
// class letter -> tier -> requests per window.
type RateLimitConfig struct {
	Window time.Duration                     `yaml:"window"`
	IPSalt string                            `yaml:"ip_salt"`
	Limits map[string]map[gateway.Tier]int64 `yaml:"limits"`
}

// StreamConfig holds the three runtime stream flags.
type StreamConfig struct {
	MarkersEnabled   bool `yaml:"markers_enabled"`
	ReasoningEnabled bool `yaml:"reasoning_enabled"`
	Debug            bool `yaml:"debug"`
}

// InternalConfig guards internal maintenance endpoints.
type InternalConfig struct {
	SharedSecret string `yaml:"shared_secret"`
	ErrorSinkDSN string `yaml:"error_sink_dsn"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// DefaultLimits is the rate-limit matrix from the product contract.
// Class A is the most restrictive because each A-request is the most
// expensive to serve.
func DefaultLimits() map[string]map[gateway.Tier]int64 {
	return map[string]map[gateway.Tier]int64{
		"A": {gateway.TierAnonymous: 10, gateway.TierFree: 20, gateway.TierPro: 200, gateway.TierEnterprise: 500},
		"B": {gateway.TierAnonymous: 20, gateway.TierFree: 50, gateway.TierPro: 100, gateway.TierEnterprise: 200},
		"C": {gateway.TierAnonymous: 50, gateway.TierFree: 200, gateway.TierPro: 500, gateway.TierEnterprise: 1000},
		"D": {gateway.TierAnonymous: 0, gateway.TierFree: 0, gateway.TierPro: 0, gateway.TierEnterprise: 100},
	}
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables,
// then applies direct environment overrides. A missing file yields pure
// defaults+env, so container deployments can run env-only.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(expandEnv(data), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case os.IsNotExist(err):
		// env-only deployment
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if cfg.RateLimits.Limits == nil {
		cfg.RateLimits.Limits = DefaultLimits()
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    310 * time.Second, // must outlive the 300s upstream cap
			ShutdownTimeout: 30 * time.Second,
		},
		IdP: IdPConfig{
			CookieName: "__session",
		},
		Cache: CacheConfig{
			SnapshotTTL: 900 * time.Second,
		},
		Store: StoreConfig{
			URL: "torii.db",
		},
		Blob: BlobConfig{
			SigningTTL: 300 * time.Second,
		},
		Router: RouterConfig{
			Timeout: 300 * time.Second,
		},
		Catalog: CatalogConfig{
			TTL: 5 * time.Minute,
		},
		RateLimits: RateLimitConfig{
			Window: time.Hour,
			IPSalt: "torii",
		},
		Stream: StreamConfig{
			MarkersEnabled:   false,
			ReasoningEnabled: false,
		},
	}
}

// applyEnv maps the flat deployment environment onto the config tree.
func applyEnv(cfg *Config) error {
	setStr := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setStr("IDP_URL", &cfg.IdP.URL)
	setStr("IDP_PUBLIC_KEY", &cfg.IdP.PublicKey)
	setStr("CACHE_URL", &cfg.Cache.URL)
	setStr("STORE_URL", &cfg.Store.URL)
	setStr("BLOB_URL", &cfg.Blob.URL)
	setStr("ROUTER_URL", &cfg.Router.URL)
	setStr("ROUTER_API_KEY", &cfg.Router.APIKey)
	setStr("INTERNAL_SHARED_SECRET", &cfg.Internal.SharedSecret)
	setStr("ERROR_SINK_DSN", &cfg.Internal.ErrorSinkDSN)

	if v, ok := os.LookupEnv("AUTH_SNAPSHOT_TTL_SECONDS"); ok {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("AUTH_SNAPSHOT_TTL_SECONDS: %w", err)
		}
		cfg.Cache.SnapshotTTL = time.Duration(secs) * time.Second
	}
	if v, ok := os.LookupEnv("MODEL_CATALOG_TTL_SECONDS"); ok {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MODEL_CATALOG_TTL_SECONDS: %w", err)
		}
		cfg.Catalog.TTL = time.Duration(secs) * time.Second
	}
	if v, ok := os.LookupEnv("RATE_LIMITS_JSON"); ok {
		var limits map[string]map[gateway.Tier]int64
		if err := json.Unmarshal([]byte(v), &limits); err != nil {
			return fmt.Errorf("RATE_LIMITS_JSON: %w", err)
		}
		// Partial overrides merge over the defaults per class.
		merged := DefaultLimits()
		for class, tiers := range limits {
			if merged[class] == nil {
				merged[class] = map[gateway.Tier]int64{}
			}
			for tier, n := range tiers {
				merged[class][tier] = n
			}
		}
		cfg.RateLimits.Limits = merged
	}

	setBool := func(key string, dst *bool) error {
		v, ok := os.LookupEnv(key)
		if !ok {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = b
		return nil
	}
	if err := setBool("STREAM_MARKERS_ENABLED", &cfg.Stream.MarkersEnabled); err != nil {
		return err
	}
	if err := setBool("STREAM_REASONING_ENABLED", &cfg.Stream.ReasoningEnabled); err != nil {
		return err
	}
	if err := setBool("STREAM_DEBUG", &cfg.Stream.Debug); err != nil {
		return err
	}
	return nil
}
