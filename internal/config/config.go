// Package config carries the environment-level defaults shared by every role
// and the connect-options bag handed to transport adapters.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Env holds configuration read from the environment. CLI flags override these
// values; the environment layer exists so container deployments can set
// defaults without wrapping the command line.
//
// Priority: flags > ENV vars > .env file > struct defaults.
type Env struct {
	SnapshotInterval time.Duration `env:"MQB_SNAPSHOT_INTERVAL" envDefault:"5s"`
	LogLevel         string        `env:"MQB_LOG_LEVEL" envDefault:"info"`
	LogFormat        string        `env:"MQB_LOG_FORMAT" envDefault:"json"`
	MetricsAddr      string        `env:"MQB_METRICS_ADDR" envDefault:""`
	GraceTimeout     time.Duration `env:"MQB_GRACE_TIMEOUT" envDefault:"2s"`
}

// LoadEnv reads the .env file if present, then the environment.
func LoadEnv() (*Env, error) {
	// Missing .env is fine; production runs set real environment variables.
	_ = godotenv.Load()

	cfg := &Env{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks ranges that env tags cannot express.
func (c *Env) Validate() error {
	if c.SnapshotInterval < time.Second {
		return fmt.Errorf("MQB_SNAPSHOT_INTERVAL must be >= 1s, got %s", c.SnapshotInterval)
	}
	if c.GraceTimeout < 0 {
		return fmt.Errorf("MQB_GRACE_TIMEOUT must be >= 0, got %s", c.GraceTimeout)
	}
	return nil
}
