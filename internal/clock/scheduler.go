package clock

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"
	logger "github.com/sirupsen/logrus"
)

// Config controls the two periodic streams the scheduler emits.
type Config struct {
	FastTickPeriod time.Duration `envconfig:"FAST_TICK_PERIOD" default:"10s"`
	SlowTickPeriod time.Duration `envconfig:"SLOW_TICK_PERIOD" default:"5m"`
}

// LoadConfig reads Config from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Scheduler emits a fast tick (drives the lifecycle engine) and a slow
// tick (drives reconciliation). Each stream is non-reentrant: if a tick's
// handler is still running when the next would fire, the next is dropped.
type Scheduler struct {
	cfg Config
	log *logger.Entry

	fastBusy atomic.Bool
	slowBusy atomic.Bool
}

// NewScheduler builds a Scheduler with the given config and logger.
func NewScheduler(cfg Config, log *logger.Entry) *Scheduler {
	if log == nil {
		log = logger.NewEntry(logger.StandardLogger())
	}
	return &Scheduler{cfg: cfg, log: log}
}

// Run drives onFast and onSlow until ctx is cancelled. Both handlers fire
// immediately on start, then on their respective periods.
func (s *Scheduler) Run(ctx context.Context, onFast, onSlow func(context.Context)) {
	fastTicker := time.NewTicker(s.cfg.FastTickPeriod)
	slowTicker := time.NewTicker(s.cfg.SlowTickPeriod)
	defer fastTicker.Stop()
	defer slowTicker.Stop()

	s.fireFast(ctx, onFast)
	s.fireSlow(ctx, onSlow)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		case <-fastTicker.C:
			s.fireFast(ctx, onFast)
		case <-slowTicker.C:
			s.fireSlow(ctx, onSlow)
		}
	}
}

func (s *Scheduler) fireFast(ctx context.Context, onFast func(context.Context)) {
	if onFast == nil {
		return
	}
	if !s.fastBusy.CompareAndSwap(false, true) {
		s.log.Debug("fast tick dropped, previous tick still running")
		return
	}
	go func() {
		defer s.fastBusy.Store(false)
		onFast(ctx)
	}()
}

func (s *Scheduler) fireSlow(ctx context.Context, onSlow func(context.Context)) {
	if onSlow == nil {
		return
	}
	if !s.slowBusy.CompareAndSwap(false, true) {
		s.log.Debug("slow tick dropped, previous reconciliation still running")
		return
	}
	go func() {
		defer s.slowBusy.Store(false)
		onSlow(ctx)
	}()
}
