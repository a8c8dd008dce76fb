package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrMissingStoreCredentials is returned when the counter store cannot be reached
// because its address or token is not configured.
var ErrMissingStoreCredentials = errors.New("missing counter store credentials")

const (
	BackendUpstash = "upstash"
	BackendRedis   = "redis"
)

type Config struct {
	Liqflow   LiqflowConfig   `yaml:"liqflow"`
	Feed      FeedConfig      `yaml:"feed"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Processor ProcessorConfig `yaml:"processor"`
	Store     StoreConfig     `yaml:"store"`
	API       APIConfig       `yaml:"api"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type LiqflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type FeedConfig struct {
	URL               string        `yaml:"url"`
	Markets           []string      `yaml:"markets"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	PingInterval      time.Duration `yaml:"ping_interval"`
	ResetCacheOnStart bool          `yaml:"reset_cache_on_start"`
}

type ChannelsConfig struct {
	RawBuffer     int `yaml:"raw_buffer"`
	ArchiveBuffer int `yaml:"archive_buffer"`
}

type ProcessorConfig struct {
	MaxWorkers int `yaml:"max_workers"`
}

type StoreConfig struct {
	Backend           string        `yaml:"backend"`
	URL               string        `yaml:"url"`
	Token             string        `yaml:"token"`
	RedisAddr         string        `yaml:"redis_addr"`
	RedisPassword     string        `yaml:"redis_password"`
	RedisDB           int           `yaml:"redis_db"`
	LegacyKey         string        `yaml:"legacy_key"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type ArchiveConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	PathStyle       bool          `yaml:"path_style"`
	Prefix          string        `yaml:"prefix"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	MaxBufferSize   int           `yaml:"max_buffer_size"`
}

type MetricsConfig struct {
	Prometheus bool   `yaml:"prometheus"`
	CloudWatch bool   `yaml:"cloudwatch"`
	Namespace  string `yaml:"namespace"`
	Region     string `yaml:"region"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// Default returns the configuration used when no file is present. The values
// match the behaviour of the worker before YAML configuration existed.
func Default() Config {
	return Config{
		Liqflow: LiqflowConfig{Name: "liqflow", Version: "dev"},
		Feed: FeedConfig{
			URL:            "wss://mainnet.zklighter.elliot.ai/stream",
			Markets:        []string{"0", "1", "2", "24"},
			ReconnectDelay: 5 * time.Second,
			ReadTimeout:    60 * time.Second,
			PingInterval:   20 * time.Second,
		},
		Channels:  ChannelsConfig{RawBuffer: 1024, ArchiveBuffer: 1024},
		Processor: ProcessorConfig{MaxWorkers: 4},
		Store: StoreConfig{
			Backend:   BackendUpstash,
			LegacyKey: "lighter:liquidations",
			Timeout:   10 * time.Second,
		},
		API: APIConfig{Enabled: true, Address: ":3001"},
		Archive: ArchiveConfig{
			Prefix:        "liquidations",
			FlushInterval: 5 * time.Minute,
			MaxBufferSize: 5000,
		},
		Metrics: MetricsConfig{Prometheus: true, Namespace: "LiqFlow"},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

// LoadConfig reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. A missing file is not an error; the
// service can run from environment variables alone.
func LoadConfig(path string) (*Config, error) {
	config := Default()

	path = resolveEnvSpecificPath(path, DefaultConfigPath, envConfigPaths)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	applyEnvOverrides(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
	setString := func(dst *string, env string) {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			*dst = v
		}
	}

	setString(&config.Store.URL, "UPSTASH_REDIS_REST_URL")
	setString(&config.Store.Token, "UPSTASH_REDIS_REST_TOKEN")
	setString(&config.Store.LegacyKey, "REDIS_KEY")
	setString(&config.Store.Backend, "STORE_BACKEND")
	setString(&config.Store.RedisAddr, "REDIS_ADDR")
	setString(&config.Store.RedisPassword, "REDIS_PASSWORD")
	setString(&config.Feed.URL, "WS_URL")

	if v := strings.TrimSpace(os.Getenv("MARKETS")); v != "" {
		config.Feed.Markets = splitList(v)
	}
	if v := strings.TrimSpace(os.Getenv("RESET_CACHE_ON_START")); v != "" {
		config.Feed.ResetCacheOnStart = strings.EqualFold(v, "true")
	}
	if v := strings.TrimSpace(os.Getenv("PORT")); v != "" {
		if _, err := strconv.Atoi(v); err == nil {
			config.API.Address = ":" + v
		}
	}

	if config.Archive.Enabled {
		setString(&config.Archive.AccessKeyID, "AWS_ACCESS_KEY_ID")
		setString(&config.Archive.SecretAccessKey, "AWS_SECRET_ACCESS_KEY")
		setString(&config.Archive.Region, "AWS_REGION")
		setString(&config.Archive.Bucket, "S3_BUCKET")
	}

	config.Store.Backend = strings.ToLower(strings.TrimSpace(config.Store.Backend))
	config.Store.URL = strings.TrimRight(strings.TrimSpace(config.Store.URL), "/")
	config.Archive.Bucket = strings.TrimSpace(config.Archive.Bucket)
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func validateConfig(cfg *Config) error {
	if cfg.Liqflow.Name == "" {
		return fmt.Errorf("liqflow.name is required")
	}

	if cfg.Feed.URL == "" {
		return fmt.Errorf("feed.url is required")
	}
	if len(cfg.Feed.Markets) == 0 {
		return fmt.Errorf("feed.markets must list at least one market")
	}
	if cfg.Feed.ReconnectDelay <= 0 {
		return fmt.Errorf("feed.reconnect_delay must be greater than 0")
	}

	if cfg.Channels.RawBuffer <= 0 {
		return fmt.Errorf("channels.raw_buffer must be greater than 0")
	}
	if cfg.Processor.MaxWorkers <= 0 {
		return fmt.Errorf("processor.max_workers must be greater than 0")
	}

	switch cfg.Store.Backend {
	case BackendUpstash:
		if cfg.Store.URL == "" || cfg.Store.Token == "" {
			return fmt.Errorf("store.url and store.token: %w", ErrMissingStoreCredentials)
		}
		if u, err := url.Parse(cfg.Store.URL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("store.url '%s' is not an absolute URL", cfg.Store.URL)
		}
	case BackendRedis:
		if cfg.Store.RedisAddr == "" {
			return fmt.Errorf("store.redis_addr: %w", ErrMissingStoreCredentials)
		}
	default:
		return fmt.Errorf("store.backend '%s' is not supported", cfg.Store.Backend)
	}
	if cfg.Store.Timeout <= 0 {
		return fmt.Errorf("store.timeout must be greater than 0")
	}

	if cfg.Archive.Enabled {
		if cfg.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required when the archive is enabled")
		}
		if cfg.Archive.Region == "" {
			return fmt.Errorf("archive.region is required when the archive is enabled")
		}
		if cfg.Archive.FlushInterval <= 0 {
			return fmt.Errorf("archive.flush_interval must be greater than 0")
		}
	}

	return nil
}
