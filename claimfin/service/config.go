package service

import (
	"fmt"
	"time"

	customErrors "github.com/CMSgov/claimfin/claimfin/errors"
	"github.com/CMSgov/claimfin/conf"
)

type Config struct {
	// StoreTimeout bounds every fact and summary store call of a recompute.
	StoreTimeout time.Duration `conf:"CLAIMFIN_STORE_TIMEOUT" conf_default:"5s"`
}

func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := conf.Checkout(cfg); err != nil {
		return nil, err
	}
	if cfg.StoreTimeout <= 0 {
		return nil, &customErrors.ConfigError{
			Msg: "CLAIMFIN_STORE_TIMEOUT",
			Err: fmt.Errorf("store timeout must be positive, got %s", cfg.StoreTimeout),
		}
	}
	return cfg, nil
}
