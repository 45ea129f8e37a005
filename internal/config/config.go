package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for tradeops.
type Config struct {
	Broker      Broker      `yaml:"broker"`
	Idempotency Idempotency `yaml:"idempotency"`
	Jobs        Jobs        `yaml:"jobs"`
	Pagination  Pagination  `yaml:"pagination"`
	Trading     Trading     `yaml:"trading"`
	Events      Events      `yaml:"events"`
	Storage     Storage     `yaml:"storage"`
	Logging     Logging     `yaml:"logging"`
}

// Broker selects the venue gateway and holds its credentials.
type Broker struct {
	Kind            string `yaml:"kind"` // alpaca or simulator
	Account         string `yaml:"account"`
	APIKey          string `yaml:"api_key"`
	APISecret       string `yaml:"api_secret"`
	BaseURL         string `yaml:"base_url"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
	RateBurst       int    `yaml:"rate_burst"`
	ReadRetries     int    `yaml:"read_retries"`
}

// Idempotency selects the durable store for report job keys.
type Idempotency struct {
	Backend string `yaml:"backend"` // sqlite, pebble, postgres or memory
	Path    string `yaml:"path"`    // sqlite file or pebble directory
	DSN     string `yaml:"dsn"`     // postgres connection string
}

// Jobs controls report job polling.
type Jobs struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

// Pagination controls cursor paging of operations history.
type Pagination struct {
	PageSize int `yaml:"page_size"`
}

// Trading defines pre-trade limits. Zero disables a limit.
type Trading struct {
	MaxOrderQty float64 `yaml:"max_order_qty"`
	MaxNotional float64 `yaml:"max_notional"`
}

// Events configures where order transitions are published. No brokers means
// transitions are only logged.
type Events struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Storage holds paths for data exports.
type Storage struct {
	DataDir string `yaml:"data_dir"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default values applied by Defaults.
const (
	DefaultBrokerKind      = "simulator"
	DefaultBaseURL         = "https://paper-api.alpaca.markets"
	DefaultRateLimitPerMin = 200
	DefaultBackend         = "sqlite"
	DefaultSQLitePath      = "data/tradeops.db"
	DefaultPebbleDir       = "data/jobs"
	DefaultPollInterval    = 2 * time.Second
	DefaultMaxAttempts     = 30
	DefaultPageSize        = 100
	DefaultTopic           = "tradeops.order-transitions"
	DefaultDataDir         = "data"
)

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	cfg.Defaults()

	return cfg, nil
}

// FromEnv returns a configuration built from defaults and environment
// variables only.
func FromEnv() *Config {
	cfg := &Config{}
	applyEnvOverrides(cfg)
	cfg.Defaults()
	return cfg
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Broker.BaseURL = v
	}
	if v := os.Getenv("TRADEOPS_ACCOUNT"); v != "" {
		cfg.Broker.Account = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	if v := os.Getenv("IDEMPOTENCY_BACKEND"); v != "" {
		cfg.Idempotency.Backend = v
	}
	if v := os.Getenv("IDEMPOTENCY_PATH"); v != "" {
		cfg.Idempotency.Path = v
	}
	if v := os.Getenv("IDEMPOTENCY_DSN"); v != "" {
		cfg.Idempotency.DSN = v
	}

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Events.Brokers = splitList(v)
	}

	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}

	// Standard Alpaca env vars (canonical names used by the SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Broker.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Broker.APISecret = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Defaults and validation
// ---------------------------------------------------------------------------

// Defaults fills zero values with their defaults.
func (c *Config) Defaults() {
	if c.Broker.Kind == "" {
		c.Broker.Kind = DefaultBrokerKind
	}
	if c.Broker.BaseURL == "" {
		c.Broker.BaseURL = DefaultBaseURL
	}
	if c.Broker.RateLimitPerMin == 0 {
		c.Broker.RateLimitPerMin = DefaultRateLimitPerMin
	}
	if c.Broker.RateBurst == 0 {
		c.Broker.RateBurst = max(1, c.Broker.RateLimitPerMin/10)
	}
	if c.Broker.ReadRetries == 0 {
		c.Broker.ReadRetries = 3
	}

	if c.Idempotency.Backend == "" {
		c.Idempotency.Backend = DefaultBackend
	}
	if c.Idempotency.Path == "" {
		switch c.Idempotency.Backend {
		case "sqlite":
			c.Idempotency.Path = DefaultSQLitePath
		case "pebble":
			c.Idempotency.Path = DefaultPebbleDir
		}
	}

	if c.Jobs.PollInterval == 0 {
		c.Jobs.PollInterval = DefaultPollInterval
	}
	if c.Jobs.MaxAttempts == 0 {
		c.Jobs.MaxAttempts = DefaultMaxAttempts
	}
	if c.Pagination.PageSize == 0 {
		c.Pagination.PageSize = DefaultPageSize
	}
	if c.Events.Topic == "" {
		c.Events.Topic = DefaultTopic
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = DefaultDataDir
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate reports every missing or inconsistent setting.
func (c *Config) Validate() error {
	var errs []error

	switch c.Broker.Kind {
	case "simulator":
	case "alpaca":
		if c.Broker.APIKey == "" || c.Broker.APISecret == "" {
			errs = append(errs, errors.New("broker: alpaca needs api_key and api_secret"))
		}
	default:
		errs = append(errs, fmt.Errorf("broker: unknown kind %q", c.Broker.Kind))
	}
	if c.Broker.Account == "" {
		errs = append(errs, errors.New("broker: account is required"))
	}
	if c.Broker.RateLimitPerMin < 0 || c.Broker.ReadRetries < 0 {
		errs = append(errs, errors.New("broker: rate_limit_per_min and read_retries must not be negative"))
	}

	switch c.Idempotency.Backend {
	case "sqlite", "pebble":
		if c.Idempotency.Path == "" {
			errs = append(errs, fmt.Errorf("idempotency: %s needs a path", c.Idempotency.Backend))
		}
	case "postgres":
		if c.Idempotency.DSN == "" {
			errs = append(errs, errors.New("idempotency: postgres needs a dsn"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("idempotency: unknown backend %q", c.Idempotency.Backend))
	}

	if c.Jobs.PollInterval <= 0 {
		errs = append(errs, errors.New("jobs: poll_interval must be positive"))
	}
	if c.Jobs.MaxAttempts < 1 {
		errs = append(errs, errors.New("jobs: max_attempts must be at least 1"))
	}
	if c.Pagination.PageSize < 1 {
		errs = append(errs, errors.New("pagination: page_size must be at least 1"))
	}
	if c.Trading.MaxOrderQty < 0 || c.Trading.MaxNotional < 0 {
		errs = append(errs, errors.New("trading: limits must not be negative"))
	}
	if len(c.Events.Brokers) > 0 && c.Events.Topic == "" {
		errs = append(errs, errors.New("events: topic is required when brokers are set"))
	}

	return errors.Join(errs...)
}

// IdempotencyLocation returns the store location for the selected backend.
func (c *Config) IdempotencyLocation() string {
	if c.Idempotency.Backend == "postgres" {
		return c.Idempotency.DSN
	}
	return c.Idempotency.Path
}
