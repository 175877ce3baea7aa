// Package config loads runtime configuration by layering defaults, an
// optional YAML file, and FOGLINE_-prefixed environment variables.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds every runtime knob of the pipeline and its collaborators.
type Config struct {
	DataDir string `koanf:"data_dir"`
	DBPath  string `koanf:"db_path"`

	// External source: "api" fetches live weather/air-quality, "csv" reads
	// external.csv from the data directory.
	ExternalSource string `koanf:"external_source"`

	WeatherURL      string        `koanf:"weather_url"`
	AirPollutionURL string        `koanf:"air_pollution_url"`
	WeatherAPIKey   string        `koanf:"weather_api_key"`
	RequestTimeout  time.Duration `koanf:"request_timeout"`

	LogLevel      string        `koanf:"log_level"`
	MetricsAddr   string        `koanf:"metrics_addr"`
	WatchDebounce time.Duration `koanf:"watch_debounce"`
}

// New returns the default configuration.
func New() *Config {
	dataDir := defaultDataDir()
	return &Config{
		DataDir:         dataDir,
		DBPath:          filepath.Join(dataDir, "fogline.db"),
		ExternalSource:  "csv",
		WeatherURL:      "https://api.openweathermap.org/data/2.5/weather",
		AirPollutionURL: "https://api.openweathermap.org/data/2.5/air_pollution",
		RequestTimeout:  10 * time.Second,
		LogLevel:        "info",
		MetricsAddr:     ":9090",
		WatchDebounce:   2 * time.Second,
	}
}

// Load builds a Config by layering defaults, optional file, and env vars.
// Order of precedence (low -> high):
//  1. defaults (New())
//  2. file (YAML) if FOGLINE_CONFIG is set
//  3. env (prefix FOGLINE_)
func Load() (*Config, error) {
	k := koanf.New(".")

	if path := os.Getenv("FOGLINE_CONFIG"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, err
		}
	}

	// Environment variables: FOGLINE_DB_PATH, FOGLINE_LOG_LEVEL, ...
	// Underscores are preserved so keys match the koanf struct tags.
	envProvider := env.Provider("FOGLINE_", ".", func(s string) string {
		s = strings.ToLower(s)
		return strings.TrimPrefix(s, "fogline_")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, err
	}

	cfg := *New()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, err
	}

	if cfg.DataDir == "" {
		return nil, errors.New("data_dir must not be empty")
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "fogline.db")
	}
	if cfg.ExternalSource != "api" && cfg.ExternalSource != "csv" {
		return nil, errors.New(`external_source must be "api" or "csv"`)
	}
	return &cfg, nil
}

// defaultDataDir returns the platform-specific data directory.
func defaultDataDir() string {
	if override := os.Getenv("FOGLINE_DATA_DIR"); override != "" {
		return override
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "Fogline")
	}

	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "fogline")
	}
	return filepath.Join(home, ".local", "share", "fogline")
}
