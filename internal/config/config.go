// Package config loads process settings from the environment and the energy
// engine policy from YAML.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config is the process configuration for strategyd.
type Config struct {
	HTTP     HTTPConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Logging  LoggingConfig
	Ledger   LedgerConfig
	Chain    ChainConfig

	// PolicyPath points at the engine policy YAML. Empty selects DefaultPolicy.
	PolicyPath string `env:"STRATEGY_POLICY_PATH,default=config/policy.yaml"`
	// EventBuffer is how many recent events the API can serve.
	EventBuffer int `env:"EVENT_BUFFER_SIZE,default=1000"`
}

// HTTPConfig controls the API listener.
type HTTPConfig struct {
	Addr            string        `env:"HTTP_ADDR,default=:8080"`
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT,default=15s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT,default=15s"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT,default=10s"`
	RateLimit       float64       `env:"HTTP_RATE_LIMIT,default=20"`
	RateBurst       int           `env:"HTTP_RATE_BURST,default=40"`
	// CORSOrigins is a comma-separated allow list; "*" allows any origin.
	CORSOrigins string `env:"HTTP_CORS_ORIGINS"`
}

// Origins splits CORSOrigins.
func (c HTTPConfig) Origins() []string {
	var out []string
	for _, origin := range strings.Split(c.CORSOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			out = append(out, origin)
		}
	}
	return out
}

// DatabaseConfig selects and configures the store.
type DatabaseConfig struct {
	// Driver is "memory" or "postgres".
	Driver       string `env:"STORE_DRIVER,default=memory"`
	DSN          string `env:"DATABASE_URL"`
	MaxOpenConns int    `env:"DATABASE_MAX_OPEN_CONNS,default=10"`
	MaxIdleConns int    `env:"DATABASE_MAX_IDLE_CONNS,default=5"`
}

// RedisConfig enables the Redis event stream when URL is set.
type RedisConfig struct {
	URL    string `env:"REDIS_URL"`
	Stream string `env:"REDIS_EVENT_STREAM,default=strategy:events"`
	MaxLen int64  `env:"REDIS_EVENT_MAXLEN,default=10000"`
}

// AuthConfig holds the JWT verification secret.
type AuthConfig struct {
	JWTSecret string `env:"JWT_SECRET"`
}

// LoggingConfig controls the logger.
type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL,default=info"`
	Format string `env:"LOG_FORMAT,default=json"`
}

// LedgerConfig lists the payment assets of the in-process ledger as
// comma-separated SYMBOL:DECIMALS pairs.
type LedgerConfig struct {
	Assets string `env:"LEDGER_ASSETS,default=USDC:6"`
}

// ChainConfig points at a Neo N3 node used to read the decimals of payment
// assets deployed as NEP-17 contracts.
type ChainConfig struct {
	RPCURL string `env:"NEO_RPC_URL"`
	// AssetContracts maps assets to contracts as SYMBOL:0xHASH pairs.
	AssetContracts string `env:"LEDGER_ASSET_CONTRACTS"`
}

// ParseAssetContracts splits a contract list such as "GAS:0xd2a4...".
func ParseAssetContracts(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		symbol, hash, ok := strings.Cut(part, ":")
		symbol = strings.ToUpper(strings.TrimSpace(symbol))
		hash = strings.TrimSpace(hash)
		if !ok || symbol == "" || hash == "" {
			return nil, fmt.Errorf("asset contract %q: want SYMBOL:HASH", part)
		}
		out[symbol] = hash
	}
	return out, nil
}

// ParseAssets splits an asset list such as "USDC:6,GAS:8".
func ParseAssets(raw string) (map[string]uint8, error) {
	out := make(map[string]uint8)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		symbol, decimals, ok := strings.Cut(part, ":")
		symbol = strings.ToUpper(strings.TrimSpace(symbol))
		if !ok || symbol == "" {
			return nil, fmt.Errorf("asset %q: want SYMBOL:DECIMALS", part)
		}
		d, err := strconv.ParseUint(strings.TrimSpace(decimals), 10, 8)
		if err != nil || d > 18 {
			return nil, fmt.Errorf("asset %q: invalid decimals", part)
		}
		out[symbol] = uint8(d)
	}
	return out, nil
}

// Load decodes Config from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	switch c.Database.Driver {
	case "", "memory":
		c.Database.Driver = "memory"
	case "postgres":
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q", c.Database.Driver)
	}
	if c.HTTP.RateLimit < 0 || c.HTTP.RateBurst < 0 {
		return fmt.Errorf("rate limit settings must be non-negative")
	}
	if _, err := ParseAssets(c.Ledger.Assets); err != nil {
		return fmt.Errorf("LEDGER_ASSETS: %w", err)
	}
	contracts, err := ParseAssetContracts(c.Chain.AssetContracts)
	if err != nil {
		return fmt.Errorf("LEDGER_ASSET_CONTRACTS: %w", err)
	}
	if len(contracts) > 0 && strings.TrimSpace(c.Chain.RPCURL) == "" {
		return fmt.Errorf("NEO_RPC_URL is required when LEDGER_ASSET_CONTRACTS is set")
	}
	return nil
}
