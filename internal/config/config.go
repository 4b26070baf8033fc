package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every setting of the service. Load fills defaults, then the
// YAML file, then environment overrides for deployment-specific values.
type Config struct {
	Server struct {
		Addr           string   `yaml:"addr"`
		TrustedProxies []string `yaml:"trusted_proxies"`
		Network        string   `yaml:"network"`
	} `yaml:"server"`

	Ledger struct {
		Owner          string `yaml:"owner"`
		TicketPrice    int64  `yaml:"ticket_price"`
		InitialBalance int64  `yaml:"initial_balance"`
		Reserve        int64  `yaml:"reserve"`
		FeeBps         int    `yaml:"fee_bps"`
		HistoryLimit   int    `yaml:"history_limit"`
		Randomness     string `yaml:"randomness"`
		SeedSecret     string `yaml:"seed_secret"`
	} `yaml:"ledger"`

	Cache struct {
		TTL           time.Duration `yaml:"ttl"`
		Attempts      int           `yaml:"attempts"`
		BaseDelay     time.Duration `yaml:"base_delay"`
		FetchTimeout  time.Duration `yaml:"fetch_timeout"`
		// Retention is how long an unread entry is kept before the sweep drops it.
		Retention     time.Duration `yaml:"retention"`
		SweepSchedule string        `yaml:"sweep_schedule"`
	} `yaml:"cache"`

	Limiter struct {
		Requests      int           `yaml:"requests"`
		Window        time.Duration `yaml:"window"`
		IdleTTL       time.Duration `yaml:"idle_ttl"`
		SweepSchedule string        `yaml:"sweep_schedule"`
	} `yaml:"limiter"`

	Source struct {
		Kind   string `yaml:"kind"`
		URL    string `yaml:"url"`
		APIKey string `yaml:"api_key"`
	} `yaml:"source"`

	Storage struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"storage"`

	Logging struct {
		File       string `yaml:"file"`
		Verbose    bool   `yaml:"verbose"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
	} `yaml:"logging"`
}

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Default returns a configuration that runs a local ledger on :8080.
func Default() *Config {
	var cfg Config
	cfg.Server.Addr = ":8080"
	cfg.Server.Network = "testnet"
	cfg.Ledger.TicketPrice = 1_000_000_000
	cfg.Ledger.InitialBalance = 50_000_000
	cfg.Ledger.Reserve = 50_000_000
	cfg.Ledger.HistoryLimit = 20
	cfg.Ledger.Randomness = "crypto"
	cfg.Cache.TTL = 10 * time.Second
	cfg.Cache.Attempts = 3
	cfg.Cache.BaseDelay = time.Second
	cfg.Cache.FetchTimeout = 15 * time.Second
	cfg.Cache.Retention = 10 * time.Minute
	cfg.Cache.SweepSchedule = "@every 5m"
	cfg.Limiter.Requests = 5
	cfg.Limiter.Window = 10 * time.Second
	cfg.Limiter.IdleTTL = time.Minute
	cfg.Limiter.SweepSchedule = "@every 1m"
	cfg.Source.Kind = "ledger"
	cfg.Logging.File = "logs/tonix.log"
	cfg.Logging.Verbose = true
	cfg.Logging.MaxSizeMB = 10
	cfg.Logging.MaxBackups = 3
	cfg.Logging.MaxAgeDays = 28
	return &cfg
}

// Load reads .env (if present) and the YAML file at path (if path is not
// empty), applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := overrideWithEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration can start the service.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("%w: server.addr is required", ErrInvalid)
	}
	if c.Ledger.Owner == "" {
		return fmt.Errorf("%w: ledger.owner is required", ErrInvalid)
	}
	if c.Ledger.TicketPrice <= 0 {
		return fmt.Errorf("%w: ledger.ticket_price must be positive", ErrInvalid)
	}
	if c.Ledger.Reserve < 0 || c.Ledger.InitialBalance < 0 {
		return fmt.Errorf("%w: ledger amounts must not be negative", ErrInvalid)
	}
	if c.Ledger.FeeBps < 0 || c.Ledger.FeeBps > 10_000 {
		return fmt.Errorf("%w: ledger.fee_bps must be within [0, 10000]", ErrInvalid)
	}
	switch c.Ledger.Randomness {
	case "crypto":
	case "seeded":
		if len(c.Ledger.SeedSecret) < 16 {
			return fmt.Errorf("%w: ledger.seed_secret must be at least 16 bytes for seeded randomness", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown ledger.randomness %q", ErrInvalid, c.Ledger.Randomness)
	}
	if c.Cache.TTL <= 0 || c.Cache.Attempts < 1 || c.Cache.BaseDelay < 0 {
		return fmt.Errorf("%w: cache ttl and attempts must be positive", ErrInvalid)
	}
	if c.Cache.Retention < c.Cache.TTL {
		return fmt.Errorf("%w: cache.retention must not be shorter than cache.ttl", ErrInvalid)
	}
	if c.Limiter.Requests <= 0 || c.Limiter.Window <= 0 {
		return fmt.Errorf("%w: limiter requests and window must be positive", ErrInvalid)
	}
	switch c.Source.Kind {
	case "ledger":
	case "remote":
		if c.Source.URL == "" {
			return fmt.Errorf("%w: source.url is required for a remote source", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown source.kind %q", ErrInvalid, c.Source.Kind)
	}
	switch c.Storage.Driver {
	case "":
	case "sqlite", "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("%w: storage.dsn is required for driver %s", ErrInvalid, c.Storage.Driver)
		}
	default:
		return fmt.Errorf("%w: unknown storage.driver %q", ErrInvalid, c.Storage.Driver)
	}
	return nil
}

// overrideWithEnv replaces values with environment variables when they are set.
func overrideWithEnv(cfg *Config) error {
	if v := os.Getenv("TONIX_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("TONIX_OWNER"); v != "" {
		cfg.Ledger.Owner = v
	}
	if v := os.Getenv("TONIX_TICKET_PRICE"); v != "" {
		price, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: TONIX_TICKET_PRICE: %v", ErrInvalid, err)
		}
		cfg.Ledger.TicketPrice = price
	}
	if v := os.Getenv("TONIX_SEED_SECRET"); v != "" {
		cfg.Ledger.SeedSecret = v
	}
	if v := os.Getenv("TONIX_SOURCE_URL"); v != "" {
		cfg.Source.URL = v
	}
	if v := os.Getenv("TONIX_SOURCE_API_KEY"); v != "" {
		cfg.Source.APIKey = v
	}
	if v := os.Getenv("TONIX_STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	return nil
}
