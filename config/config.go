// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full process configuration.
type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`
	RedisAddr   string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	JWTSecret   string `env:"JWT_SECRET,required"`

	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9102"`

	RedriveInterval time.Duration `env:"REDRIVE_INTERVAL" envDefault:"30s"`
	// PendingGrace keeps freshly enqueued outbox rows out of the redrive
	// batch while the immediate publish may still be in flight.
	PendingGrace   time.Duration `env:"REDRIVE_PENDING_GRACE" envDefault:"1m"`
	HandlerTimeout time.Duration `env:"HANDLER_TIMEOUT" envDefault:"10s"`
}

// Load parses the configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse environment: %w", err)
	}
	return cfg, nil
}
