// Package config defines the top-level configuration for condamm and provides
// validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/condamm/internal/amm"
)

// Run modes.
const (
	ModeSimulate  = "simulate"
	ModeArbitrage = "arbitrage"
	ModeServer    = "server"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by CONDAMM_* environment variables.
type Config struct {
	Mode       string           `toml:"mode"`
	Log        LogConfig        `toml:"log"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Server     ServerConfig     `toml:"server"`
	Pool       amm.Config       `toml:"pool"`
	Arbitrage  ArbitrageConfig  `toml:"arbitrage"`
	Simulation SimulationConfig `toml:"simulation"`
}

// LogConfig selects the slog level and handler.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "json" or "text"
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	MaxRetries   int      `toml:"max_retries"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	StreamMaxLen int64    `toml:"stream_max_len"`
	LockWait     duration `toml:"lock_wait"`
}

// S3Config holds S3-compatible object storage parameters. Archival is
// skipped unless Enabled.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ServerConfig holds HTTP server parameters. Server mode always serves;
// Enabled also starts the API alongside the arbitrage keeper.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// ArbitrageConfig drives the keeper. Amounts are in base units of the stable
// token; NAV is scaled by 1e12.
type ArbitrageConfig struct {
	MinProfit       uint64   `toml:"min_profit"`
	SizeHint        uint64   `toml:"size_hint"`
	BidNAVPrice     uint64   `toml:"bid_nav_price"`
	BidCapacity     uint64   `toml:"bid_capacity"`
	BidFeeBps       uint64   `toml:"bid_fee_bps"`
	ScanInterval    duration `toml:"scan_interval"`
	DedupTTL        duration `toml:"dedup_ttl"`
	ArchiveInterval duration `toml:"archive_interval"`
	LockTTL         duration `toml:"lock_ttl"`
	QueueSize       int      `toml:"queue_size"`
}

// SimulationConfig seeds the in-memory simulation.
type SimulationConfig struct {
	Seed       uint64   `toml:"seed"`
	Steps      int      `toml:"steps"`
	StepMs     uint64   `toml:"step_ms"`
	Outcomes   []string `toml:"outcomes"`
	SpotAsset  uint64   `toml:"spot_asset"`
	SpotStable uint64   `toml:"spot_stable"`
	CondAsset  uint64   `toml:"cond_asset"`
	CondStable uint64   `toml:"cond_stable"`
	// MaxTradeBps caps a noise trade as a share of the input reserve.
	MaxTradeBps uint64 `toml:"max_trade_bps"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Mode: ModeSimulate,
		Log:  LogConfig{Level: "info", Format: "json"},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "condamm",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			StreamMaxLen: 10_000,
			LockWait:     duration{2 * time.Second},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "condamm-archive",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   60,
			RateWindow:  duration{time.Minute},
		},
		Pool: amm.DefaultConfig(),
		Arbitrage: ArbitrageConfig{
			MinProfit:       1,
			ScanInterval:    duration{time.Second},
			DedupTTL:        duration{10 * time.Minute},
			ArchiveInterval: duration{time.Hour},
			LockTTL:         duration{5 * time.Second},
			QueueSize:       64,
		},
		Simulation: SimulationConfig{
			Seed:        42,
			Steps:       200,
			StepMs:      15_000,
			Outcomes:    []string{"yes", "no"},
			SpotAsset:   1_000_000_000,
			SpotStable:  1_000_000_000,
			CondAsset:   1_000_000_000,
			CondStable:  1_000_000_000,
			MaxTradeBps: 200,
		},
	}
}

var validModes = map[string]bool{
	ModeSimulate:  true,
	ModeArbitrage: true,
	ModeServer:    true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// NeedsInfrastructure reports whether the mode runs against Postgres and
// Redis.
func (c *Config) NeedsInfrastructure() bool {
	return c.Mode == ModeArbitrage || c.Mode == ModeServer
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[c.Mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: simulate, arbitrage, server)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("unknown log.level %q (valid: debug, info, warn, error)", c.Log.Level))
	}
	if f := strings.ToLower(c.Log.Format); f != "json" && f != "text" {
		errs = append(errs, fmt.Sprintf("unknown log.format %q (valid: json, text)", c.Log.Format))
	}

	if err := c.Pool.Validate(); err != nil {
		errs = append(errs, "pool: "+err.Error())
	}

	if c.NeedsInfrastructure() {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	if c.Mode == ModeServer || c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
	}

	a := c.Arbitrage
	if a.ScanInterval.Duration <= 0 {
		errs = append(errs, "arbitrage: scan_interval must be > 0")
	}
	if a.DedupTTL.Duration <= 0 {
		errs = append(errs, "arbitrage: dedup_ttl must be > 0")
	}
	if a.LockTTL.Duration <= 0 {
		errs = append(errs, "arbitrage: lock_ttl must be > 0")
	}
	if a.QueueSize < 1 {
		errs = append(errs, "arbitrage: queue_size must be >= 1")
	}
	if a.BidFeeBps >= 10_000 {
		errs = append(errs, "arbitrage: bid_fee_bps must be below 10000")
	}
	if (a.BidNAVPrice == 0) != (a.BidCapacity == 0) {
		errs = append(errs, "arbitrage: bid_nav_price and bid_capacity must be set together")
	}

	if c.Mode == ModeSimulate {
		s := c.Simulation
		if s.Steps < 1 {
			errs = append(errs, "simulation: steps must be >= 1")
		}
		if len(s.Outcomes) < 2 {
			errs = append(errs, "simulation: at least two outcomes are required")
		}
		if s.SpotAsset == 0 || s.SpotStable == 0 || s.CondAsset == 0 || s.CondStable == 0 {
			errs = append(errs, "simulation: seed reserves must be > 0")
		}
		if s.MaxTradeBps == 0 || s.MaxTradeBps > 10_000 {
			errs = append(errs, "simulation: max_trade_bps must be 1-10000")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
