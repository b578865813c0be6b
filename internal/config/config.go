package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/dig"

	rediscache "github.com/davidbz/creditgate/internal/cache/redis"
	"github.com/davidbz/creditgate/internal/domain"
	"github.com/davidbz/creditgate/internal/exchange/awesomeapi"
	"github.com/davidbz/creditgate/internal/provider/elevenlabs"
	"github.com/davidbz/creditgate/internal/provider/openai"
)

// Storage drivers.
const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// Config represents the gateway configuration.
type Config struct {
	Server       ServerConfig
	CORS         CORSConfig
	Database     DatabaseConfig
	Redis        rediscache.Config
	ExchangeRate awesomeapi.Config
	OpenAI       openai.Config
	ElevenLabs   elevenlabs.Config
	Pricing      PricingConfig
	Ledger       LedgerConfig
	Gateway      GatewayConfig
	Monitor      MonitorConfig
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         int `env:"SERVER_PORT"          envDefault:"8080"`
	ReadTimeout  int `env:"SERVER_READ_TIMEOUT"  envDefault:"30"`
	WriteTimeout int `env:"SERVER_WRITE_TIMEOUT" envDefault:"90"`
}

// CORSConfig contains CORS policy settings.
type CORSConfig struct {
	AllowedOrigins   []string `env:"CORS_ALLOWED_ORIGINS"   envSeparator:"," envDefault:"*"`
	AllowedMethods   []string `env:"CORS_ALLOWED_METHODS"   envSeparator:"," envDefault:"GET,POST,PUT,DELETE,OPTIONS"`
	AllowedHeaders   []string `env:"CORS_ALLOWED_HEADERS"   envSeparator:"," envDefault:"Content-Type,Authorization,Idempotency-Key"`
	AllowCredentials bool     `env:"CORS_ALLOW_CREDENTIALS"                  envDefault:"true"`
	MaxAge           int      `env:"CORS_MAX_AGE"                            envDefault:"86400"`
}

// DatabaseConfig selects the ledger storage.
type DatabaseConfig struct {
	Driver string `env:"DATABASE_DRIVER" envDefault:"sqlite"`
	Path   string `env:"DATABASE_PATH"   envDefault:"data/creditgate.db"`
}

// PricingConfig holds the margin policy and the settings used until an
// administrator stores new ones.
type PricingConfig struct {
	MinMargin               decimal.Decimal `env:"PRICING_MIN_MARGIN"         envDefault:"30"`
	CriticalMargin          decimal.Decimal `env:"PRICING_CRITICAL_MARGIN"    envDefault:"40"`
	DefaultTriggerThreshold decimal.Decimal `env:"PRICING_TRIGGER_THRESHOLD"  envDefault:"10"`
	DefaultCreditUnit       decimal.Decimal `env:"PRICING_CREDIT_UNIT"        envDefault:"1.00"`
	DefaultExchangeRate     decimal.Decimal `env:"PRICING_EXCHANGE_RATE"      envDefault:"5.50"`
	SeedCatalog             bool            `env:"PRICING_SEED_CATALOG"       envDefault:"true"`
	LiveExchangeRate        bool            `env:"PRICING_LIVE_EXCHANGE_RATE" envDefault:"true"`
}

// LedgerConfig tunes optimistic conflict retries.
type LedgerConfig struct {
	MaxRetries     int `env:"LEDGER_MAX_RETRIES"      envDefault:"5"`
	RetryBackoffMs int `env:"LEDGER_RETRY_BACKOFF_MS" envDefault:"10"`
}

// GatewayConfig bounds provider calls made on behalf of a charge.
type GatewayConfig struct {
	ExternalTimeout int `env:"GATEWAY_EXTERNAL_TIMEOUT" envDefault:"60"`
}

// MonitorConfig schedules the margin protection pass.
type MonitorConfig struct {
	Enabled  bool   `env:"MONITOR_ENABLED"  envDefault:"true"`
	Schedule string `env:"MONITOR_SCHEDULE" envDefault:"@every 1h"`
	Workers  int    `env:"MONITOR_WORKERS"  envDefault:"4"`
}

// DepConfig is used for dependency injection with dig.
type DepConfig struct {
	dig.Out

	Server       *ServerConfig
	CORS         *CORSConfig
	Database     *DatabaseConfig
	Redis        *rediscache.Config
	ExchangeRate *awesomeapi.Config
	OpenAI       *openai.Config
	ElevenLabs   *elevenlabs.Config
	Pricing      *PricingConfig
	Monitor      *MonitorConfig

	Policy   domain.PricingPolicy
	Defaults domain.PricingSettings
	Ledger   domain.LedgerConfig
	Gateway  domain.GatewayConfig
	Watch    domain.MonitorConfig
}

// Load loads environment files and parses configuration.
func Load() *Config {
	for _, file := range []string{".env"} {
		_ = godotenv.Load(file)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		panic(err)
	}

	return &cfg
}

// ParseDependenciesConfig returns sub-configs and domain settings for dependency injection.
func ParseDependenciesConfig(cfg *Config) DepConfig {
	return DepConfig{
		Out:          dig.Out{},
		Server:       &cfg.Server,
		CORS:         &cfg.CORS,
		Database:     &cfg.Database,
		Redis:        &cfg.Redis,
		ExchangeRate: &cfg.ExchangeRate,
		OpenAI:       &cfg.OpenAI,
		ElevenLabs:   &cfg.ElevenLabs,
		Pricing:      &cfg.Pricing,
		Monitor:      &cfg.Monitor,
		Policy:       cfg.Pricing.Policy(),
		Defaults:     cfg.Pricing.Defaults(),
		Ledger: domain.LedgerConfig{
			MaxRetries:   cfg.Ledger.MaxRetries,
			RetryBackoff: time.Duration(cfg.Ledger.RetryBackoffMs) * time.Millisecond,
		},
		Gateway: domain.GatewayConfig{
			ExternalTimeout: time.Duration(cfg.Gateway.ExternalTimeout) * time.Second,
		},
		Watch: domain.MonitorConfig{Workers: cfg.Monitor.Workers},
	}
}

// Policy returns the calculator limits.
func (p PricingConfig) Policy() domain.PricingPolicy {
	return domain.PricingPolicy{
		MinMargin:               p.MinMargin,
		CriticalMargin:          p.CriticalMargin,
		DefaultTriggerThreshold: p.DefaultTriggerThreshold,
	}
}

// Defaults returns the settings in force before any are stored. The
// configured credit unit is version 0.
func (p PricingConfig) Defaults() domain.PricingSettings {
	return domain.PricingSettings{
		ExchangeRate: domain.ExchangeRate{
			Rate:   p.DefaultExchangeRate,
			Source: "config",
		},
		CreditUnit: domain.CreditUnitValue{
			Value:   p.DefaultCreditUnit,
			Version: 0,
		},
	}
}
