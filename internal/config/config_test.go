package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("FOGLINE_DATA_DIR", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ExternalSource != "csv" {
		t.Fatalf("external_source = %q, want csv default", cfg.ExternalSource)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("log_level = %q", cfg.LogLevel)
	}
	if cfg.RequestTimeout != 10*time.Second {
		t.Fatalf("request_timeout = %v", cfg.RequestTimeout)
	}
	if cfg.DBPath != filepath.Join(cfg.DataDir, "fogline.db") {
		t.Fatalf("db_path = %q not derived from data_dir", cfg.DBPath)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("FOGLINE_DATA_DIR", t.TempDir())
	t.Setenv("FOGLINE_EXTERNAL_SOURCE", "api")
	t.Setenv("FOGLINE_LOG_LEVEL", "debug")
	t.Setenv("FOGLINE_WEATHER_API_KEY", "secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ExternalSource != "api" {
		t.Fatalf("external_source = %q", cfg.ExternalSource)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log_level = %q", cfg.LogLevel)
	}
	if cfg.WeatherAPIKey != "secret" {
		t.Fatalf("weather_api_key = %q", cfg.WeatherAPIKey)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fogline.yaml")
	if err := os.WriteFile(path, []byte("log_level: warn\nmetrics_addr: \":9999\"\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("FOGLINE_DATA_DIR", dir)
	t.Setenv("FOGLINE_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("log_level = %q, want value from file", cfg.LogLevel)
	}
	if cfg.MetricsAddr != ":9999" {
		t.Fatalf("metrics_addr = %q", cfg.MetricsAddr)
	}
}

func TestLoadRejectsBadSource(t *testing.T) {
	t.Setenv("FOGLINE_DATA_DIR", t.TempDir())
	t.Setenv("FOGLINE_EXTERNAL_SOURCE", "carrier-pigeon")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown external_source")
	}
}
