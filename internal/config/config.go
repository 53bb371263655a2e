// Package config loads runtime settings from an optional YAML file and
// OMNIPOST_* environment variables. Environment variables win.
//
//	OMNIPOST_CONFIG: path to a YAML file (optional)
//	OMNIPOST_KV_DRIVER: memory|fs|sqlite|postgres|bolt|s3 (default sqlite)
//	OMNIPOST_KV_FS_ROOT: directory root when driver=fs (default ./kvdata)
//	OMNIPOST_SQLITE_PATH: path to sqlite file (default ./omnipost.db)
//	OMNIPOST_POSTGRES_DSN: postgres DSN when driver=postgres
//	OMNIPOST_BOLT_PATH: path to bbolt file (default ./omnipost.bolt)
//	OMNIPOST_KV_S3_*: see internal/infra/kv/s3
//	OMNIPOST_HTTP_ADDR: listen address (default :8080)
//	OMNIPOST_LOG_LEVEL: debug|info|warn|error (default info)
//	OMNIPOST_LOG_FORMAT: text|json (default text)
//	OMNIPOST_LOG_TRACE: true writes one JSON line per store operation to stderr
//	OMNIPOST_RETRY_ATTEMPTS, OMNIPOST_RETRY_BACKOFF: second-step retry policy
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

	"omnipost/internal/entity"
	"omnipost/internal/kv"
)

// Config is the full runtime configuration.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
	Retry   RetryConfig   `yaml:"retry"`
}

// StorageConfig selects the kv backend.
type StorageConfig struct {
	Driver      string   `yaml:"driver"`
	FSRoot      string   `yaml:"fs_root"`
	SQLitePath  string   `yaml:"sqlite_path"`
	PostgresDSN string   `yaml:"postgres_dsn"`
	BoltPath    string   `yaml:"bolt_path"`
	S3          S3Config `yaml:"s3"`
}

// S3Config mirrors kv.S3Config with YAML tags. Credentials come from the
// default AWS chain.
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	Prefix    string `yaml:"prefix"`
	PathStyle bool   `yaml:"path_style"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig configures slog output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Trace  bool   `yaml:"trace"`
}

// RetryConfig configures the store's second-step retry policy.
type RetryConfig struct {
	Attempts int           `yaml:"attempts"`
	Backoff  time.Duration `yaml:"backoff"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Storage: StorageConfig{Driver: string(kv.DriverSQLite)},
		Server:  ServerConfig{Addr: ":8080"},
		Log:     LogConfig{Level: "info", Format: "text"},
		Retry: RetryConfig{
			Attempts: entity.DefaultRetryPolicy.Attempts,
			Backoff:  entity.DefaultRetryPolicy.Backoff,
		},
	}
}

// Load reads path (or $OMNIPOST_CONFIG when path is empty) over the defaults,
// then applies environment overrides. A missing file is only an error when
// path was given explicitly.
func Load(path string) (Config, error) {
	return load(path, os.Getenv)
}

func load(path string, getenv func(string) string) (Config, error) {
	cfg := Default()
	explicit := path != ""
	if path == "" {
		path = getenv("OMNIPOST_CONFIG")
	}
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist) && !explicit:
		default:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	str("OMNIPOST_KV_DRIVER", &cfg.Storage.Driver)
	str("OMNIPOST_KV_FS_ROOT", &cfg.Storage.FSRoot)
	str("OMNIPOST_SQLITE_PATH", &cfg.Storage.SQLitePath)
	str("OMNIPOST_POSTGRES_DSN", &cfg.Storage.PostgresDSN)
	str("OMNIPOST_BOLT_PATH", &cfg.Storage.BoltPath)
	str("OMNIPOST_KV_S3_BUCKET", &cfg.Storage.S3.Bucket)
	str("OMNIPOST_KV_S3_REGION", &cfg.Storage.S3.Region)
	str("OMNIPOST_KV_S3_ENDPOINT", &cfg.Storage.S3.Endpoint)
	str("OMNIPOST_KV_S3_PREFIX", &cfg.Storage.S3.Prefix)
	if v := getenv("OMNIPOST_KV_S3_PATH_STYLE"); v != "" {
		cfg.Storage.S3.PathStyle = strings.EqualFold(v, "true")
	}
	str("OMNIPOST_HTTP_ADDR", &cfg.Server.Addr)
	str("OMNIPOST_LOG_LEVEL", &cfg.Log.Level)
	str("OMNIPOST_LOG_FORMAT", &cfg.Log.Format)
	if v := getenv("OMNIPOST_LOG_TRACE"); v != "" {
		cfg.Log.Trace = strings.EqualFold(v, "true") || v == "1"
	}
	if v := getenv("OMNIPOST_RETRY_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("OMNIPOST_RETRY_ATTEMPTS: %w", err)
		}
		cfg.Retry.Attempts = n
	}
	if v := getenv("OMNIPOST_RETRY_BACKOFF"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("OMNIPOST_RETRY_BACKOFF: %w", err)
		}
		cfg.Retry.Backoff = d
	}
	return nil
}

// Validate rejects unknown drivers, log settings and retry values.
func (c Config) Validate() error {
	known := false
	for _, d := range kv.Drivers() {
		if string(d) == c.Storage.Driver {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("unknown kv driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver == string(kv.DriverS3) && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3 bucket required for s3 driver")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("invalid log format %q: must be text or json", c.Log.Format)
	}
	if c.Retry.Attempts < 1 {
		return fmt.Errorf("retry attempts must be >= 1, got %d", c.Retry.Attempts)
	}
	if c.Retry.Backoff < 0 {
		return fmt.Errorf("retry backoff must not be negative")
	}
	return nil
}

// KVOptions converts the storage section to kv.Options.
func (c Config) KVOptions() kv.Options {
	return kv.Options{
		Driver:      kv.Driver(c.Storage.Driver),
		FSRoot:      c.Storage.FSRoot,
		SQLitePath:  c.Storage.SQLitePath,
		PostgresDSN: c.Storage.PostgresDSN,
		BoltPath:    c.Storage.BoltPath,
		S3: kv.S3Config{
			Bucket:    c.Storage.S3.Bucket,
			Region:    c.Storage.S3.Region,
			Endpoint:  c.Storage.S3.Endpoint,
			Prefix:    c.Storage.S3.Prefix,
			PathStyle: c.Storage.S3.PathStyle,
		},
	}
}

// RetryPolicy converts the retry section to an entity.RetryPolicy.
func (c Config) RetryPolicy() entity.RetryPolicy {
	return entity.RetryPolicy{Attempts: c.Retry.Attempts, Backoff: c.Retry.Backoff}
}

// Logger builds a slog.Logger writing to w in the configured format and level.
func (c Config) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}
