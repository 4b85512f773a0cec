package config

import (
	"fmt"
	"log"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type AppConfig struct {
	Port         string `env:"PORT" envDefault:"8080"`
	DatabasePath string `env:"DATABASE_PATH" envDefault:"./ledger.db"`
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`

	// Empty secret disables token verification; every request then acts as DefaultUserID.
	JWTSecret     string `env:"JWT_SECRET"`
	DefaultUserID int64  `env:"DEFAULT_USER_ID" envDefault:"1"`

	PoolMaxSize        int           `env:"POOL_MAX_SIZE" envDefault:"5"`
	PoolAcquireTimeout time.Duration `env:"POOL_ACQUIRE_TIMEOUT" envDefault:"10s"`
	PoolIdleTimeout    time.Duration `env:"POOL_IDLE_TIMEOUT" envDefault:"5m"`
	PoolReapInterval   time.Duration `env:"POOL_REAP_INTERVAL" envDefault:"1m"`
	SQLiteBusyTimeout  time.Duration `env:"SQLITE_BUSY_TIMEOUT" envDefault:"5s"`

	TxStaleAfter    time.Duration `env:"TX_STALE_AFTER" envDefault:"5m"`
	TxSweepInterval time.Duration `env:"TX_SWEEP_INTERVAL" envDefault:"30s"`
	TxCompletedTTL  time.Duration `env:"TX_COMPLETED_TTL" envDefault:"1m"`

	LongTermThresholdDays int    `env:"LONG_TERM_THRESHOLD_DAYS" envDefault:"365"`
	ShortTermTaxRate      string `env:"SHORT_TERM_TAX_RATE" envDefault:"0.20"`
	LongTermTaxRate       string `env:"LONG_TERM_TAX_RATE" envDefault:"0.125"`
	LongTermExemption     string `env:"LONG_TERM_EXEMPTION" envDefault:"125000"`
	FiscalYearStartMonth  int    `env:"FISCAL_YEAR_START_MONTH" envDefault:"4"`

	// Empty URL leaves the price feed unwired; open lots then carry no unrealized gain.
	PriceFeedURL     string        `env:"PRICE_FEED_URL"`
	PriceFeedAPIKey  string        `env:"PRICE_FEED_API_KEY"`
	PriceFeedTimeout time.Duration `env:"PRICE_FEED_TIMEOUT" envDefault:"20s"`
	PriceCacheTTL    time.Duration `env:"PRICE_CACHE_TTL" envDefault:"1m"`

	ReportCacheTTL     time.Duration `env:"REPORT_CACHE_TTL" envDefault:"15m"`
	RateLimitRPS       float64       `env:"RATE_LIMIT_RPS" envDefault:"10"`
	RateLimitBurst     int           `env:"RATE_LIMIT_BURST" envDefault:"30"`
	MaxUploadSizeBytes int64         `env:"MAX_UPLOAD_SIZE_BYTES" envDefault:"10485760"`
}

var Cfg *AppConfig

// LoadConfig reads .env (if present) and the process environment into Cfg.
func LoadConfig() (*AppConfig, error) {
	if errEnv := godotenv.Load(); errEnv != nil {
		log.Println("Info: No .env file found or error loading .env file. Relying on OS environment variables and defaults. Error (if any):", errEnv)
	} else {
		log.Println(".env file loaded successfully.")
	}

	cfg, err := Parse()
	if err != nil {
		return nil, err
	}
	if cfg.JWTSecret == "" {
		log.Println("WARNING: JWT_SECRET not set. Token verification disabled, all requests use DEFAULT_USER_ID.")
	}

	Cfg = cfg
	log.Printf("Configuration loaded: Port=%s, LogLevel=%s, DBPath=%s, PoolMaxSize=%d",
		Cfg.Port, Cfg.LogLevel, Cfg.DatabasePath, Cfg.PoolMaxSize)
	return Cfg, nil
}

// Parse builds an AppConfig from the environment only, without touching Cfg.
func Parse() (*AppConfig, error) {
	cfg := &AppConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) Validate() error {
	if c.PoolMaxSize < 1 {
		return fmt.Errorf("POOL_MAX_SIZE must be at least 1, got %d", c.PoolMaxSize)
	}
	if c.FiscalYearStartMonth < 1 || c.FiscalYearStartMonth > 12 {
		return fmt.Errorf("FISCAL_YEAR_START_MONTH must be 1-12, got %d", c.FiscalYearStartMonth)
	}
	if c.MaxUploadSizeBytes < 1 {
		return fmt.Errorf("MAX_UPLOAD_SIZE_BYTES must be positive, got %d", c.MaxUploadSizeBytes)
	}
	if c.LongTermThresholdDays < 1 {
		return fmt.Errorf("LONG_TERM_THRESHOLD_DAYS must be positive, got %d", c.LongTermThresholdDays)
	}
	for key, v := range map[string]string{
		"SHORT_TERM_TAX_RATE": c.ShortTermTaxRate,
		"LONG_TERM_TAX_RATE":  c.LongTermTaxRate,
		"LONG_TERM_EXEMPTION": c.LongTermExemption,
	} {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("%s: invalid decimal %q: %w", key, v, err)
		}
		if d.IsNegative() {
			return fmt.Errorf("%s must not be negative, got %s", key, v)
		}
	}
	return nil
}

// Decimal parses a validated decimal setting. Validate guarantees it parses.
func Decimal(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}
