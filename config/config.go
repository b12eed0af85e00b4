// Package config loads storefront settings from STOREFRONT_* environment
// variables.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// EnvFileVar names a dotenv file Load reads when it is given no files.
const EnvFileVar = "STOREFRONT_ENV_FILE"

type Config struct {
	LogLevel string `env:"STOREFRONT_LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
	AppName  string `env:"STOREFRONT_APP_NAME" envDefault:"Storefront" validate:"required"`

	Backend struct {
		URL            string        `env:"STOREFRONT_BACKEND_URL" validate:"required,url"`
		APIKey         string        `env:"STOREFRONT_BACKEND_API_KEY"`
		RequestTimeout time.Duration `env:"STOREFRONT_REQUEST_TIMEOUT" envDefault:"15s" validate:"gt=0"`
		// Requests per second; zero disables client side rate limiting.
		RateLimit float64 `env:"STOREFRONT_RATE_LIMIT" envDefault:"0" validate:"gte=0"`
		RateBurst int     `env:"STOREFRONT_RATE_BURST" envDefault:"1" validate:"gte=0"`
	}

	// Balance lookups are disabled for a chain without an RPC URL.
	Chains struct {
		SolanaRPCURL string `env:"STOREFRONT_SOLANA_RPC_URL" validate:"omitempty,url"`
		EVMRPCURL    string `env:"STOREFRONT_EVM_RPC_URL" validate:"omitempty,url"`
	}

	Wallet struct {
		SettleDelay       time.Duration `env:"STOREFRONT_SETTLE_DELAY" envDefault:"1s" validate:"gte=0"`
		ProvisionAttempts uint          `env:"STOREFRONT_PROVISION_ATTEMPTS" envDefault:"5" validate:"gte=1"`
		ProofMaxAge       time.Duration `env:"STOREFRONT_PROOF_MAX_AGE" envDefault:"5m" validate:"gt=0"`
	}

	EnableMetrics bool `env:"STOREFRONT_ENABLE_METRICS" envDefault:"false"`
}

// Load parses the environment and validates the result. Variables in the
// given dotenv files, or in the file named by STOREFRONT_ENV_FILE when none
// are given, are added first; variables already set in the environment take
// precedence.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		if f := os.Getenv(EnvFileVar); f != "" {
			files = []string{f}
		}
	}
	if len(files) > 0 {
		if err := godotenv.Load(files...); err != nil {
			return nil, fmt.Errorf("failed to load env files: %w", err)
		}
	}

	var c Config
	if err := env.Parse(&c); err != nil {
		return nil, fmt.Errorf("config parsing failed: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
