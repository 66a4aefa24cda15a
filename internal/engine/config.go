package engine

import (
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

// Config holds the env-driven tuning knobs for the lifecycle engine.
type Config struct {
	WorkerPoolSize int           `envconfig:"ENGINE_WORKER_POOL_SIZE" default:"16"`
	StaleThreshold time.Duration `envconfig:"ENGINE_STALE_THRESHOLD" default:"60s"`

	// FeeMargin pads the notional required of a quote-asset balance check
	// before a market buy, absorbing exchange trading fees.
	FeeMargin decimal.Decimal `envconfig:"-"`

	// SellEpsilon is the safety buffer applied to a sell quantity only when
	// floor_to_step would otherwise exceed the wallet's actual balance.
	// Never applied to TP placement.
	SellEpsilon decimal.Decimal `envconfig:"-"`
}

// LoadConfig reads Config from the environment. Decimal fields have no
// envconfig decoder and are filled in with their defaults afterward.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, err
	}
	cfg.FeeMargin = decimal.NewFromFloat(0.001)
	cfg.SellEpsilon = decimal.NewFromFloat(0.001)
	return cfg, nil
}
