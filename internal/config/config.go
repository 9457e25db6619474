package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"klinehub/internal/domain"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the klinehub pipeline.
type Config struct {
	Storage  Storage  `yaml:"storage"`
	Server   Server   `yaml:"server"`
	Exchange Exchange `yaml:"exchange"`
	Backfill Backfill `yaml:"backfill"`
	Fill     Fill     `yaml:"fill"`
	Norm     Norm     `yaml:"norm"`
	Logging  Logging  `yaml:"logging"`
}

// Storage selects the bar store backend and its locations.
type Storage struct {
	// Backend is one of "clickhouse", "parquet", "memory".
	Backend        string   `yaml:"backend"`
	ClickHouseAddr []string `yaml:"clickhouse_addr"`
	Database       string   `yaml:"database"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Table          string   `yaml:"table"`
	DataDir        string   `yaml:"data_dir"`    // parquet backend root
	SQLitePath     string   `yaml:"sqlite_path"` // symbol registry
}

// Server holds network listener configuration for the diagnostics API.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Exchange holds endpoints and quota for the upstream exchange.
type Exchange struct {
	APIBaseURL      string `yaml:"api_base_url"`
	ArchiveBaseURL  string `yaml:"archive_base_url"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
}

// Backfill controls the archive backfiller.
type Backfill struct {
	MaxParallel    int `yaml:"max_parallel"`
	ArchiveLagDays int `yaml:"archive_lag_days"`
}

// Fill controls the live-API gap filler.
type Fill struct {
	ChunkSize   int `yaml:"chunk_size"`
	MaxAttempts int `yaml:"max_attempts"`
	BaseDelayMS int `yaml:"base_delay_ms"`
	MaxDelayMS  int `yaml:"max_delay_ms"`
}

// Norm controls batch rejection during normalization.
type Norm struct {
	MaxRejectFraction float64 `yaml:"max_reject_fraction"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Timeout returns the exchange HTTP timeout as a duration.
func (e Exchange) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// ArchiveLag returns the archive publishing lag as a duration.
func (b Backfill) ArchiveLag() time.Duration {
	return time.Duration(b.ArchiveLagDays) * 24 * time.Hour
}

// BaseDelay returns the first retry delay.
func (f Fill) BaseDelay() time.Duration { return time.Duration(f.BaseDelayMS) * time.Millisecond }

// MaxDelay returns the backoff cap.
func (f Fill) MaxDelay() time.Duration { return time.Duration(f.MaxDelayMS) * time.Millisecond }

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Storage: Storage{
			Backend:    "parquet",
			Database:   "klinehub",
			Table:      "bars",
			DataDir:    "data",
			SQLitePath: "data/symbols.db",
		},
		Server: Server{Host: "0.0.0.0", Port: 8080},
		Exchange: Exchange{
			APIBaseURL:      "https://api.binance.com",
			ArchiveBaseURL:  "https://data.binance.vision",
			RateLimitPerMin: 1200,
			TimeoutSeconds:  30,
		},
		Backfill: Backfill{MaxParallel: 4, ArchiveLagDays: 7},
		Fill:     Fill{ChunkSize: 1000, MaxAttempts: 5, BaseDelayMS: 500, MaxDelayMS: 30_000},
		Norm:     Norm{MaxRejectFraction: 0.01},
		Logging:  Logging{Level: "info", Format: "json"},
	}
}

// Load reads the YAML configuration file at the given path over the
// defaults, applies environment variable overrides, and validates the
// result. An empty path loads defaults plus overrides only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the pipeline cannot run
// with, including the interval spelling table self-check.
func (c *Config) Validate() error {
	if err := domain.VerifySpellings(); err != nil {
		return err
	}
	switch c.Storage.Backend {
	case "clickhouse":
		if len(c.Storage.ClickHouseAddr) == 0 {
			return fmt.Errorf("config: storage.clickhouse_addr required for the clickhouse backend")
		}
	case "parquet":
		if c.Storage.DataDir == "" {
			return fmt.Errorf("config: storage.data_dir required for the parquet backend")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	if c.Exchange.RateLimitPerMin <= 0 {
		return fmt.Errorf("config: exchange.rate_limit_per_min must be positive")
	}
	if c.Fill.ChunkSize <= 0 || c.Fill.ChunkSize > 1000 {
		return fmt.Errorf("config: fill.chunk_size must be in 1..1000")
	}
	if c.Norm.MaxRejectFraction < 0 || c.Norm.MaxRejectFraction > 1 {
		return fmt.Errorf("config: norm.max_reject_fraction must be in [0, 1]")
	}
	return nil
}

// applyEnvOverrides checks well-known environment variables and overrides
// the corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("CLICKHOUSE_ADDR"); v != "" {
		cfg.Storage.ClickHouseAddr = strings.Split(v, ",")
		cfg.Storage.Backend = "clickhouse"
	}
	if v := os.Getenv("CLICKHOUSE_PASSWORD"); v != "" {
		cfg.Storage.Password = v
	}
	if v := os.Getenv("KLINE_API_URL"); v != "" {
		cfg.Exchange.APIBaseURL = v
	}
	if v := os.Getenv("KLINE_ARCHIVE_URL"); v != "" {
		cfg.Exchange.ArchiveBaseURL = v
	}
	if v := os.Getenv("HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
