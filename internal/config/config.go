package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/fhirstore/internal/platform/index/cache"
	"github.com/ehr/fhirstore/internal/platform/index/consumer"
	"github.com/ehr/fhirstore/internal/platform/middleware"
	"github.com/ehr/fhirstore/internal/platform/persistence"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`

	CodeSystemCacheSize int           `mapstructure:"CODE_SYSTEM_CACHE_SIZE"`
	CodeSystemCacheTTL  time.Duration `mapstructure:"CODE_SYSTEM_CACHE_TTL"`
	TokenValueCacheSize int           `mapstructure:"TOKEN_VALUE_CACHE_SIZE"`
	TokenValueCacheTTL  time.Duration `mapstructure:"TOKEN_VALUE_CACHE_TTL"`
	CanonicalCacheSize  int           `mapstructure:"CANONICAL_CACHE_SIZE"`
	CanonicalCacheTTL   time.Duration `mapstructure:"CANONICAL_CACHE_TTL"`

	IndexWorkers         int           `mapstructure:"INDEX_WORKERS"`
	IndexMaxRetryElapsed time.Duration `mapstructure:"INDEX_MAX_RETRY_ELAPSED"`
	IndexRateLimitRPS    float64       `mapstructure:"INDEX_RATE_LIMIT_RPS"`
	IndexRateLimitBurst  int           `mapstructure:"INDEX_RATE_LIMIT_BURST"`

	EraseBatchSize          int  `mapstructure:"ERASE_BATCH_SIZE"`
	EraseAllowLatestVersion bool `mapstructure:"ERASE_ALLOW_LATEST_VERSION"`
	EraseEnabled            bool `mapstructure:"ERASE_ENABLED"`

	SearchDefaultCount int `mapstructure:"SEARCH_DEFAULT_COUNT"`
	SearchMaxCount     int `mapstructure:"SEARCH_MAX_COUNT"`

	ShardHeader string `mapstructure:"SHARD_HEADER"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "AUTH_JWKS_URL",
	"CODE_SYSTEM_CACHE_SIZE", "CODE_SYSTEM_CACHE_TTL",
	"TOKEN_VALUE_CACHE_SIZE", "TOKEN_VALUE_CACHE_TTL",
	"CANONICAL_CACHE_SIZE", "CANONICAL_CACHE_TTL",
	"INDEX_WORKERS", "INDEX_MAX_RETRY_ELAPSED", "INDEX_RATE_LIMIT_RPS", "INDEX_RATE_LIMIT_BURST",
	"ERASE_BATCH_SIZE", "ERASE_ALLOW_LATEST_VERSION", "ERASE_ENABLED",
	"SEARCH_DEFAULT_COUNT", "SEARCH_MAX_COUNT",
	"SHARD_HEADER",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CODE_SYSTEM_CACHE_SIZE", 1000)
	v.SetDefault("CODE_SYSTEM_CACHE_TTL", "1h")
	v.SetDefault("TOKEN_VALUE_CACHE_SIZE", 100000)
	v.SetDefault("TOKEN_VALUE_CACHE_TTL", "1h")
	v.SetDefault("CANONICAL_CACHE_SIZE", 1000)
	v.SetDefault("CANONICAL_CACHE_TTL", "1h")
	v.SetDefault("INDEX_WORKERS", 4)
	v.SetDefault("INDEX_MAX_RETRY_ELAPSED", "30s")
	v.SetDefault("INDEX_RATE_LIMIT_RPS", 100)
	v.SetDefault("INDEX_RATE_LIMIT_BURST", 200)
	v.SetDefault("ERASE_BATCH_SIZE", 100)
	v.SetDefault("ERASE_ALLOW_LATEST_VERSION", false)
	v.SetDefault("ERASE_ENABLED", true)
	v.SetDefault("SEARCH_DEFAULT_COUNT", 20)
	v.SetDefault("SEARCH_MAX_COUNT", 100)
	v.SetDefault("SHARD_HEADER", "X-FHIR-Shard-Key")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Production requires
// JWT validation settings so erase stays admin-only.
func (c *Config) Validate() error {
	sizes := []struct {
		key string
		n   int
	}{
		{"CODE_SYSTEM_CACHE_SIZE", c.CodeSystemCacheSize},
		{"TOKEN_VALUE_CACHE_SIZE", c.TokenValueCacheSize},
		{"CANONICAL_CACHE_SIZE", c.CanonicalCacheSize},
		{"INDEX_WORKERS", c.IndexWorkers},
		{"ERASE_BATCH_SIZE", c.EraseBatchSize},
		{"INDEX_RATE_LIMIT_BURST", c.IndexRateLimitBurst},
		{"SEARCH_DEFAULT_COUNT", c.SearchDefaultCount},
		{"SEARCH_MAX_COUNT", c.SearchMaxCount},
	}
	for _, s := range sizes {
		if s.n <= 0 {
			return fmt.Errorf("%s must be positive, got %d", s.key, s.n)
		}
	}
	if c.IndexRateLimitRPS <= 0 {
		return fmt.Errorf("INDEX_RATE_LIMIT_RPS must be positive, got %g", c.IndexRateLimitRPS)
	}
	if c.SearchDefaultCount > c.SearchMaxCount {
		return fmt.Errorf("SEARCH_DEFAULT_COUNT (%d) exceeds SEARCH_MAX_COUNT (%d)", c.SearchDefaultCount, c.SearchMaxCount)
	}
	if c.ShardHeader == "" {
		return fmt.Errorf("SHARD_HEADER must not be empty")
	}
	if c.IsProduction() {
		if c.AuthIssuer == "" {
			return fmt.Errorf("AUTH_ISSUER is required in production")
		}
		if c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
			return fmt.Errorf("AUTH_SIGNING_KEY or AUTH_JWKS_URL is required in production")
		}
	}
	return nil
}

// CacheConfig sizes the identity cache.
func (c *Config) CacheConfig() cache.Config {
	return cache.Config{
		CodeSystemSize: c.CodeSystemCacheSize,
		CodeSystemTTL:  c.CodeSystemCacheTTL,
		TokenValueSize: c.TokenValueCacheSize,
		TokenValueTTL:  c.TokenValueCacheTTL,
		CanonicalSize:  c.CanonicalCacheSize,
		CanonicalTTL:   c.CanonicalCacheTTL,
	}
}

func (c *Config) ConsumerConfig() consumer.Config {
	return consumer.Config{
		Workers:         c.IndexWorkers,
		MaxRetryElapsed: c.IndexMaxRetryElapsed,
	}
}

// IndexRateLimit limits index ingest per shard.
func (c *Config) IndexRateLimit() middleware.RateLimitConfig {
	cfg := middleware.DefaultRateLimitConfig()
	cfg.RequestsPerSecond = c.IndexRateLimitRPS
	cfg.BurstSize = c.IndexRateLimitBurst
	return cfg
}

func (c *Config) ErasePolicy() persistence.ErasePolicy {
	return persistence.ErasePolicy{
		AllowLatestVersion: c.EraseAllowLatestVersion,
		BatchSize:          c.EraseBatchSize,
	}
}
