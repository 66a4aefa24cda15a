package reconciler

import (
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

// Config controls the slow-tick reconciliation worker, mirroring the
// engine package's one-Config-struct-per-component convention.
type Config struct {
	StaleThreshold time.Duration `envconfig:"RECONCILER_STALE_THRESHOLD" default:"60s"`

	// ApproxEpsilon is the fractional tolerance used when comparing a
	// live wallet balance against an order's recorded quantity — fee
	// dust means an exact equality check would never match.
	ApproxEpsilon decimal.Decimal `envconfig:"-"`
}

// LoadConfig reads Config from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, err
	}
	cfg.ApproxEpsilon = decimal.NewFromFloat(0.001)
	return cfg, nil
}
