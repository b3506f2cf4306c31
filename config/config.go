// Package config loads the server configuration from a YAML file and DM_*
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the server configuration.
type Config struct {
	HTTP struct {
		Addr string `yaml:"addr"`
		// PublicURL is the externally reachable base URL, used in image links.
		PublicURL string `yaml:"public_url"`
	} `yaml:"http"`
	Postgres struct {
		DSN string `yaml:"dsn"`
	} `yaml:"postgres"`
	Redis struct {
		// Addr selects the Redis realtime feed. Empty keeps the feed in
		// process, which only works for a single server.
		Addr string `yaml:"addr"`
	} `yaml:"redis"`
	Storage struct {
		Dir    string `yaml:"dir"`
		Bucket string `yaml:"bucket"`
	} `yaml:"storage"`
	Cache struct {
		StaleTime time.Duration `yaml:"stale_time"`
	} `yaml:"cache"`
	Composer struct {
		MaxImageBytes  int     `yaml:"max_image_bytes"`
		SendsPerSecond float64 `yaml:"sends_per_second"`
		SendBurst      int     `yaml:"send_burst"`
	} `yaml:"composer"`
	Log LogConfig `yaml:"log"`
}

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text|json
}

// Default returns the configuration used for unset values.
func Default() *Config {
	var cfg Config
	cfg.HTTP.Addr = ":8080"
	cfg.HTTP.PublicURL = "http://localhost:8080"
	cfg.Storage.Dir = "./data/storage"
	cfg.Storage.Bucket = "chat-images"
	cfg.Cache.StaleTime = 30 * time.Second
	cfg.Composer.MaxImageBytes = 500 * 1024
	cfg.Composer.SendsPerSecond = 5
	cfg.Composer.SendBurst = 10
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return &cfg
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("config file not found: %s", path)
			}
			return nil, err
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with the DM_* environment variables that are set.
func ApplyEnv(cfg *Config) error {
	str := map[string]*string{
		"DM_HTTP_ADDR":      &cfg.HTTP.Addr,
		"DM_PUBLIC_URL":     &cfg.HTTP.PublicURL,
		"DM_POSTGRES_DSN":   &cfg.Postgres.DSN,
		"DM_REDIS_ADDR":     &cfg.Redis.Addr,
		"DM_STORAGE_DIR":    &cfg.Storage.Dir,
		"DM_STORAGE_BUCKET": &cfg.Storage.Bucket,
		"DM_LOG_LEVEL":      &cfg.Log.Level,
		"DM_LOG_FORMAT":     &cfg.Log.Format,
	}
	for name, dst := range str {
		if v, ok := os.LookupEnv(name); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	if v, ok := os.LookupEnv("DM_CACHE_STALE_TIME"); ok {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("DM_CACHE_STALE_TIME: %w", err)
		}
		cfg.Cache.StaleTime = d
	}
	if v, ok := os.LookupEnv("DM_MAX_IMAGE_BYTES"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("DM_MAX_IMAGE_BYTES: %w", err)
		}
		cfg.Composer.MaxImageBytes = n
	}
	if v, ok := os.LookupEnv("DM_SENDS_PER_SECOND"); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("DM_SENDS_PER_SECOND: %w", err)
		}
		cfg.Composer.SendsPerSecond = f
	}
	if v, ok := os.LookupEnv("DM_SEND_BURST"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("DM_SEND_BURST: %w", err)
		}
		cfg.Composer.SendBurst = n
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.HTTP.Addr == "":
		return errors.New("http.addr is required")
	case c.Postgres.DSN == "":
		return errors.New("postgres.dsn is required")
	case c.Storage.Dir == "":
		return errors.New("storage.dir is required")
	case c.Storage.Bucket == "":
		return errors.New("storage.bucket is required")
	case c.Composer.MaxImageBytes <= 0:
		return errors.New("composer.max_image_bytes must be positive")
	case c.Composer.SendsPerSecond <= 0 || c.Composer.SendBurst <= 0:
		return errors.New("composer send rate and burst must be positive")
	}
	if _, err := c.Log.level(); err != nil {
		return err
	}
	if f := c.Log.Format; f != "text" && f != "json" {
		return fmt.Errorf("log.format must be text or json, got %q", f)
	}
	return nil
}

func (l LogConfig) level() (slog.Level, error) {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log.level %q", l.Level)
	}
}

// Logger returns a logger writing to w in the configured format and level.
func (l LogConfig) Logger(w io.Writer) (*slog.Logger, error) {
	level, err := l.level()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
