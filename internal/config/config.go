// Package config loads service configuration from a YAML file, an optional
// .env file and environment variables, in increasing order of precedence.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/fintt/settlement-engine/internal/retry"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the settlement service.
type Config struct {
	Server     Server     `yaml:"server"`
	Storage    Storage    `yaml:"storage"`
	Quote      Quote      `yaml:"quote"`
	Settlement Settlement `yaml:"settlement"`
	Limits     Limits     `yaml:"limits"`
	Auth       Auth       `yaml:"auth"`
	Logging    Logging    `yaml:"logging"`
}

// Server holds HTTP listener configuration.
type Server struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Storage selects and configures the ledger store.
type Storage struct {
	Driver      string        `yaml:"driver"` // memory | postgres | sqlite
	PostgresURL string        `yaml:"postgres_url"`
	SQLitePath  string        `yaml:"sqlite_path"`
	RedisURL    string        `yaml:"redis_url"` // optional read cache
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// Quote selects the market-data provider and its freshness rules.
type Quote struct {
	Provider      string                 `yaml:"provider"` // kraken | binance | bybit | alpaca | static
	Timeout       time.Duration          `yaml:"timeout"`
	Staleness     time.Duration          `yaml:"staleness"`
	QuoteCurrency string                 `yaml:"quote_currency"`
	Kraken        KrakenConfig           `yaml:"kraken"`
	Binance       Credentials            `yaml:"binance"`
	Bybit         Credentials            `yaml:"bybit"`
	Alpaca        Credentials            `yaml:"alpaca"`
	Static        map[string]StaticQuote `yaml:"static"`
}

// KrakenConfig points the Kraken source at an alternate endpoint.
type KrakenConfig struct {
	BaseURL string `yaml:"base_url"`
}

// Credentials holds provider API credentials.
type Credentials struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
}

// StaticQuote is a fixed development quote. Prices are decimal strings.
type StaticQuote struct {
	Bid  string `yaml:"bid"`
	Ask  string `yaml:"ask"`
	Last string `yaml:"last"`
}

// Settlement holds engine tunables.
type Settlement struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`

	// BackoffMultiplier grows the wait between attempts; BackoffJitter
	// spreads each wait by up to that fraction either way.
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	BackoffJitter     float64 `yaml:"backoff_jitter"`
	LotSize           string  `yaml:"lot_size"` // empty disables
	PriceScale        int32   `yaml:"price_scale"`
}

// BackoffBudget is the longest a settlement can spend waiting between
// conflict retries.
func (s Settlement) BackoffBudget() time.Duration {
	return retry.New(
		retry.WithMaxAttempts(s.MaxAttempts),
		retry.WithInitialInterval(s.InitialBackoff),
		retry.WithMaxInterval(s.MaxBackoff),
		retry.WithMultiplier(s.BackoffMultiplier),
		retry.WithJitter(s.BackoffJitter),
	).MaxWait()
}

// Limits holds optional per-trade risk limits. "0" or empty disables a limit.
type Limits struct {
	MaxHolding  string `yaml:"max_holding"`
	MaxNotional string `yaml:"max_notional"`
}

// Auth configures bearer-token verification. An empty secret disables auth.
type Auth struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: Server{
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Storage: Storage{
			Driver:   "memory",
			CacheTTL: 30 * time.Second,
		},
		Quote: Quote{
			Provider:      "kraken",
			Timeout:       3 * time.Second,
			Staleness:     5 * time.Second,
			QuoteCurrency: "USD",
		},
		Settlement: Settlement{
			MaxAttempts:       3,
			InitialBackoff:    10 * time.Millisecond,
			MaxBackoff:        200 * time.Millisecond,
			BackoffMultiplier: 2,
			BackoffJitter:     0.2,
			PriceScale:        8,
		},
		Logging: Logging{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the YAML configuration file at path (skipped when empty) over
// the defaults, loads .env from the working directory if present, applies
// environment variable overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "read config")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}

	if err := LoadDotEnv(".env"); err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads variables from the given .env files without overriding
// variables already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return errors.Wrapf(err, "load %s", p)
		}
	}
	return nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.PostgresURL = v
		// A database URL alone selects postgres, matching earlier deployments.
		if os.Getenv("STORAGE_DRIVER") == "" && cfg.Storage.Driver == "memory" {
			cfg.Storage.Driver = "postgres"
		}
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Storage.RedisURL = v
	}

	if v := os.Getenv("QUOTE_PROVIDER"); v != "" {
		cfg.Quote.Provider = v
	}
	if v := os.Getenv("KRAKEN_BASE_URL"); v != "" {
		cfg.Quote.Kraken.BaseURL = v
	}
	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		cfg.Quote.Binance.APIKey = v
	}
	if v := os.Getenv("BINANCE_API_SECRET"); v != "" {
		cfg.Quote.Binance.APISecret = v
	}
	if v := os.Getenv("BYBIT_API_KEY"); v != "" {
		cfg.Quote.Bybit.APIKey = v
	}
	if v := os.Getenv("BYBIT_API_SECRET"); v != "" {
		cfg.Quote.Bybit.APISecret = v
	}
	// Standard Alpaca env vars, the names the SDK itself reads.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Quote.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Quote.Alpaca.APISecret = v
	}

	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate reports the first configuration error found.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.Errorf("server.port %d out of range", c.Server.Port)
	}

	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			return errors.New("storage.postgres_url (DATABASE_URL) is required for the postgres driver")
		}
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return errors.New("storage.sqlite_path (SQLITE_PATH) is required for the sqlite driver")
		}
	default:
		return errors.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	if c.Storage.RedisURL != "" && c.Storage.CacheTTL <= 0 {
		return errors.New("storage.cache_ttl must be positive when redis_url is set")
	}

	switch c.Quote.Provider {
	case "kraken", "binance", "bybit", "alpaca":
	case "static":
		for sym, q := range c.Quote.Static {
			for field, v := range map[string]string{"bid": q.Bid, "ask": q.Ask} {
				if _, err := parsePositive(v); err != nil {
					return errors.Wrapf(err, "quote.static.%s.%s", sym, field)
				}
			}
		}
	default:
		return errors.Errorf("unknown quote.provider %q", c.Quote.Provider)
	}
	if c.Quote.Timeout <= 0 {
		return errors.New("quote.timeout must be positive")
	}
	if c.Quote.Staleness <= 0 {
		return errors.New("quote.staleness must be positive")
	}
	if strings.TrimSpace(c.Quote.QuoteCurrency) == "" {
		return errors.New("quote.quote_currency is required")
	}

	s := c.Settlement
	if s.MaxAttempts < 1 {
		return errors.New("settlement.max_attempts must be at least 1")
	}
	if s.InitialBackoff < 0 || s.MaxBackoff < s.InitialBackoff {
		return errors.New("settlement backoff must satisfy 0 <= initial_backoff <= max_backoff")
	}
	if s.BackoffMultiplier < 1 {
		return errors.New("settlement.backoff_multiplier must be at least 1")
	}
	if s.BackoffJitter < 0 || s.BackoffJitter > 1 {
		return errors.New("settlement.backoff_jitter must be within [0,1]")
	}
	// A settlement prices every attempt from the one quote it fetched first.
	if budget := s.BackoffBudget(); budget >= c.Quote.Staleness {
		return errors.Errorf("settlement retry backoff can wait up to %s, must be under quote.staleness %s", budget, c.Quote.Staleness)
	}
	if s.PriceScale < 0 || s.PriceScale > 18 {
		return errors.Errorf("settlement.price_scale %d out of range [0,18]", s.PriceScale)
	}
	if _, err := OptionalDecimal(s.LotSize); err != nil {
		return errors.Wrap(err, "settlement.lot_size")
	}
	if _, err := OptionalDecimal(c.Limits.MaxHolding); err != nil {
		return errors.Wrap(err, "limits.max_holding")
	}
	if _, err := OptionalDecimal(c.Limits.MaxNotional); err != nil {
		return errors.Wrap(err, "limits.max_notional")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.Errorf("unknown logging.level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return errors.Errorf("unknown logging.format %q", c.Logging.Format)
	}
	return nil
}

// OptionalDecimal parses a non-negative decimal setting; empty means zero.
func OptionalDecimal(v string) (decimal.Decimal, error) {
	if strings.TrimSpace(v) == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(v))
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "invalid decimal %q", v)
	}
	if d.IsNegative() {
		return decimal.Zero, errors.Errorf("%s must not be negative", v)
	}
	return d, nil
}

func parsePositive(v string) (decimal.Decimal, error) {
	d, err := OptionalDecimal(v)
	if err != nil {
		return decimal.Zero, err
	}
	if !d.IsPositive() {
		return decimal.Zero, errors.Errorf("%q must be positive", v)
	}
	return d, nil
}
