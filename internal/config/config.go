package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Config is loaded from the environment. With DATABASE_URL unset the server
// runs on the seeded in-memory store; with REDIS_ADDR unset closure report
// caching is disabled.
type Config struct {
	Port          string `envconfig:"PORT" default:"8080"`
	AllowedOrigin string `envconfig:"ALLOWED_ORIGIN" default:"http://localhost:5173"`

	DatabaseURL string `envconfig:"DATABASE_URL"`

	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	AuthSecret            string `envconfig:"AUTH_SECRET"`
	AccessTokenTTLMinutes int    `envconfig:"ACCESS_TOKEN_TTL_MINUTES" default:"480"`

	BusinessDayRolloverHour int    `envconfig:"BUSINESS_DAY_ROLLOVER_HOUR" default:"0"`
	SeedDrawerOnSessionOpen bool   `envconfig:"SEED_DRAWER_ON_SESSION_OPEN" default:"false"`
	InvoicePrefix           string `envconfig:"INVOICE_PREFIX" default:"INV"`
}

func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if cfg.BusinessDayRolloverHour < 0 || cfg.BusinessDayRolloverHour > 23 {
		return Config{}, fmt.Errorf("BUSINESS_DAY_ROLLOVER_HOUR must be 0..23, got %d", cfg.BusinessDayRolloverHour)
	}
	if cfg.AccessTokenTTLMinutes < 1 {
		return Config{}, fmt.Errorf("ACCESS_TOKEN_TTL_MINUTES must be positive, got %d", cfg.AccessTokenTTLMinutes)
	}
	return cfg, nil
}
