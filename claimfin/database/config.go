package database

import (
	"errors"

	"github.com/CMSgov/claimfin/conf"
	"github.com/CMSgov/claimfin/log"
)

type Config struct {
	MaxOpenConns       int `conf:"CLAIMFIN_DB_MAX_OPEN_CONNS" conf_default:"60"`
	ConnMaxLifetimeMin int `conf:"CLAIMFIN_DB_CONN_MAX_LIFETIME_MIN" conf_default:"5"`
	ConnMaxIdleTime    int `conf:"CLAIMFIN_DB_CONN_MAX_IDLE_TIME" conf_default:"30"`

	DatabaseURL      string `conf:"DATABASE_URL"`
	QueueDatabaseURL string `conf:"QUEUE_DATABASE_URL"`
	MigrationsPath   string `conf:"CLAIMFIN_MIGRATIONS_PATH" conf_default:"db/migrations/claimfin"`

	HealthCheckSec int `conf:"DB_HEALTH_CHECK_INTERVAL" conf_default:"5"`
}

func LoadConfig() (cfg *Config, err error) {
	cfg = &Config{}
	if err := conf.Checkout(cfg); err != nil {
		return nil, err
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("invalid config, DatabaseURL must be set")
	}
	// the queue shares the claims database unless told otherwise
	if cfg.QueueDatabaseURL == "" {
		cfg.QueueDatabaseURL = cfg.DatabaseURL
	}

	log.Engine.Info("Successfully loaded configuration for Database.")

	return cfg, nil
}
