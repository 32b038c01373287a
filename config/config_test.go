package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
database:
  dsn: postgres://localhost/referralhub
shortlink:
  base_url: https://short.example.com/api
catalog:
  base_url: https://catalog.example.com
claims:
  base_url: https://app.example.com
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Environment != "development" {
		t.Fatalf("expected default environment, got %q", cfg.Environment)
	}
	if cfg.ListenAddress != ":7090" {
		t.Fatalf("expected default listen address, got %q", cfg.ListenAddress)
	}
	if cfg.Redis.Addr != "127.0.0.1:6379" {
		t.Fatalf("expected default redis addr, got %q", cfg.Redis.Addr)
	}
	if cfg.Sweep.Interval.Duration != time.Hour || cfg.Sweep.Budget.Duration != 30*time.Minute {
		t.Fatalf("expected default sweep timings, got %+v", cfg.Sweep)
	}
	if cfg.Sweep.BatchSize != 500 {
		t.Fatalf("expected default batch size, got %d", cfg.Sweep.BatchSize)
	}
	if cfg.Reports.Dir != "referral-data/reports" {
		t.Fatalf("expected default reports dir, got %q", cfg.Reports.Dir)
	}
}

func TestLoadParsesDurations(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
sweep:
  interval: 2h
  budget: 45m
  lock_buffer: 90s
  batch_size: 100
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Sweep.Interval.Duration != 2*time.Hour {
		t.Fatalf("expected 2h interval, got %s", cfg.Sweep.Interval.Duration)
	}
	if cfg.Sweep.Budget.Duration != 45*time.Minute {
		t.Fatalf("expected 45m budget, got %s", cfg.Sweep.Budget.Duration)
	}
	if cfg.Sweep.LockBuffer.Duration != 90*time.Second {
		t.Fatalf("expected 90s buffer, got %s", cfg.Sweep.LockBuffer.Duration)
	}
	if cfg.Sweep.BatchSize != 100 {
		t.Fatalf("expected batch size 100, got %d", cfg.Sweep.BatchSize)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("REFERRALHUB_DATABASE_DSN", "postgres://env/override")
	t.Setenv("REFERRALHUB_SHORTLINK_API_KEY", "secret-key")

	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.DSN != "postgres://env/override" {
		t.Fatalf("expected env dsn, got %q", cfg.Database.DSN)
	}
	if cfg.ShortLink.APIKey != "secret-key" {
		t.Fatalf("expected env api key, got %q", cfg.ShortLink.APIKey)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name     string
		contents string
	}{
		{"missing dsn", `
shortlink:
  base_url: https://short.example.com
catalog:
  base_url: https://catalog.example.com
claims:
  base_url: https://app.example.com
`},
		{"missing claims base", `
database:
  dsn: postgres://localhost/referralhub
shortlink:
  base_url: https://short.example.com
catalog:
  base_url: https://catalog.example.com
`},
		{"budget exceeds interval", minimalConfig + `
sweep:
  interval: 10m
  budget: 20m
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.contents)); err == nil {
				t.Fatalf("expected validation failure")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected open error")
	}
}
