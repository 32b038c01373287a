// Package config loads the engine's runtime configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for the referral engine daemon.
type Config struct {
	Environment   string          `yaml:"environment"`
	ListenAddress string          `yaml:"listen"`
	Database      DatabaseConfig  `yaml:"database"`
	Redis         RedisConfig     `yaml:"redis"`
	ShortLink     ShortLinkConfig `yaml:"shortlink"`
	Catalog       CatalogConfig   `yaml:"catalog"`
	Blob          BlobConfig      `yaml:"blob"`
	Claims        ClaimsConfig    `yaml:"claims"`
	Sweep         SweepConfig     `yaml:"sweep"`
	Reports       ReportsConfig   `yaml:"reports"`
}

// DatabaseConfig locates the Postgres instance.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig locates the Redis instance backing the sweep locks.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ShortLinkConfig tunes the short-link provider client.
type ShortLinkConfig struct {
	BaseURL           string  `yaml:"base_url"`
	APIKey            string  `yaml:"api_key"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// CatalogConfig locates the opportunity catalog service.
type CatalogConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// BlobConfig locates the image store.
type BlobConfig struct {
	Dir string `yaml:"dir"`
}

// ClaimsConfig carries the public base URL referral claim links point at.
type ClaimsConfig struct {
	BaseURL string `yaml:"base_url"`
}

// SweepConfig tunes the background expiration sweeps.
type SweepConfig struct {
	Interval Duration `yaml:"interval"`
	// Budget bounds how long one sweep execution keeps processing batches.
	Budget Duration `yaml:"budget"`
	// LockBuffer pads the distributed lock TTL past the budget.
	LockBuffer Duration `yaml:"lock_buffer"`
	BatchSize  int      `yaml:"batch_size"`
}

// ReportsConfig locates the leaderboard export directory.
type ReportsConfig struct {
	Dir string `yaml:"dir"`
}

// Load reads configuration from the supplied path. Secrets may be supplied
// through the environment instead of the file.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if dsn := os.Getenv("REFERRALHUB_DATABASE_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if addr := os.Getenv("REFERRALHUB_REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if pw := os.Getenv("REFERRALHUB_REDIS_PASSWORD"); pw != "" {
		cfg.Redis.Password = pw
	}
	if key := os.Getenv("REFERRALHUB_SHORTLINK_API_KEY"); key != "" {
		cfg.ShortLink.APIKey = key
	}
	if key := os.Getenv("REFERRALHUB_CATALOG_API_KEY"); key != "" {
		cfg.Catalog.APIKey = key
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "127.0.0.1:6379"
	}
	if cfg.ShortLink.RequestsPerSecond <= 0 {
		cfg.ShortLink.RequestsPerSecond = 5
	}
	if cfg.ShortLink.Burst <= 0 {
		cfg.ShortLink.Burst = 10
	}
	if cfg.Blob.Dir == "" {
		cfg.Blob.Dir = "referral-data/images"
	}
	if cfg.Sweep.Interval.Duration == 0 {
		cfg.Sweep.Interval.Duration = time.Hour
	}
	if cfg.Sweep.Budget.Duration == 0 {
		cfg.Sweep.Budget.Duration = 30 * time.Minute
	}
	if cfg.Sweep.LockBuffer.Duration == 0 {
		cfg.Sweep.LockBuffer.Duration = 5 * time.Minute
	}
	if cfg.Sweep.BatchSize <= 0 {
		cfg.Sweep.BatchSize = 500
	}
	if cfg.Reports.Dir == "" {
		cfg.Reports.Dir = "referral-data/reports"
	}
}

func validate(cfg Config) error {
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database dsn must be configured")
	}
	if cfg.ShortLink.BaseURL == "" {
		return fmt.Errorf("shortlink base url must be configured")
	}
	if cfg.Catalog.BaseURL == "" {
		return fmt.Errorf("catalog base url must be configured")
	}
	if cfg.Claims.BaseURL == "" {
		return fmt.Errorf("claims base url must be configured")
	}
	if cfg.Sweep.Budget.Duration >= cfg.Sweep.Interval.Duration {
		return fmt.Errorf("sweep budget must be shorter than the sweep interval")
	}
	return nil
}
