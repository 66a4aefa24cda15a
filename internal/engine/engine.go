package engine

import (
	"context"
	"sync"

	logger "github.com/sirupsen/logrus"

	"tradeengine/internal/clock"
	"tradeengine/internal/connectors"
	"tradeengine/internal/notify"
	"tradeengine/internal/repository"
	"tradeengine/internal/symbolcache"
	"tradeengine/model"
)

// ExchangeNameResolver maps an exchange ID to the builder key the adapter
// registry expects ("binance", "bybit", ...).
type ExchangeNameResolver func(exchangeID uint64) (string, error)

// Engine owns the lifecycle tick procedure and the user-initiated order
// operations (create, update, cancel, close, split). It is the library
// surface cmd/tradectl and cmd/serve both call into, driven on a loop by
// a clock.Scheduler the same way an external caller drives Tick.
type Engine struct {
	cfg Config
	log *logger.Entry

	repo        *repository.OrderRepository
	registry    *connectors.Registry
	symbols     *symbolcache.Cache
	cooldowns   *connectors.Cooldowns
	notifier    notify.Sink
	balanceSink *notify.ThrottledSink
	clk         clock.Clock
	exchangeOf  ExchangeNameResolver

	authPauseMu sync.Mutex
	authPaused  map[authPauseKey]struct{}
}

type authPauseKey struct {
	userID     uint64
	exchangeID uint64
	isTestnet  bool
}

// Deps bundles Engine's constructor dependencies.
type Deps struct {
	Repo       *repository.OrderRepository
	Registry   *connectors.Registry
	Symbols    *symbolcache.Cache
	Cooldowns  *connectors.Cooldowns
	Notifier   notify.Sink
	Clock      clock.Clock
	ExchangeOf ExchangeNameResolver
}

// NewEngine builds an Engine. If deps.Clock is nil, a RealClock is used.
func NewEngine(cfg Config, deps Deps) *Engine {
	clk := deps.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}

	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.NewLogSink()
	}

	return &Engine{
		cfg:         cfg,
		log:         logger.WithField("component", "engine"),
		repo:        deps.Repo,
		registry:    deps.Registry,
		symbols:     deps.Symbols,
		cooldowns:   deps.Cooldowns,
		notifier:    notifier,
		balanceSink: notify.NewThrottledSink(notifier, 0),
		clk:         clk,
		exchangeOf:  deps.ExchangeOf,
		authPaused:  make(map[authPauseKey]struct{}),
	}
}

// Start runs the engine's fast tick and the caller-supplied slow-tick
// handler (the reconciliation worker) until ctx is cancelled.
func (e *Engine) Start(ctx context.Context, sched *clock.Scheduler, onSlowTick func(context.Context)) {
	sched.Run(ctx, e.Tick, onSlowTick)
}

func (e *Engine) pauseAuth(userID, exchangeID uint64, isTestnet bool) {
	key := authPauseKey{userID: userID, exchangeID: exchangeID, isTestnet: isTestnet}
	e.authPauseMu.Lock()
	e.authPaused[key] = struct{}{}
	e.authPauseMu.Unlock()
}

// ClearAuthPause lifts an auth pause for (userID, exchangeID, isTestnet),
// called by the external credential-update flow once the user has fixed
// their API keys.
func (e *Engine) ClearAuthPause(userID, exchangeID uint64, isTestnet bool) {
	key := authPauseKey{userID: userID, exchangeID: exchangeID, isTestnet: isTestnet}
	e.authPauseMu.Lock()
	delete(e.authPaused, key)
	e.authPauseMu.Unlock()
	e.registry.Evict(userID, exchangeID, isTestnet)
}

func (e *Engine) isAuthPaused(userID, exchangeID uint64, isTestnet bool) bool {
	key := authPauseKey{userID: userID, exchangeID: exchangeID, isTestnet: isTestnet}
	e.authPauseMu.Lock()
	defer e.authPauseMu.Unlock()
	_, paused := e.authPaused[key]
	return paused
}

// adapterFor resolves the cached adapter client for an order's credential
// tuple, the one place the engine touches the registry.
func (e *Engine) adapterFor(order *model.Order) (connectors.Adapter, error) {
	name, err := e.exchangeOf(order.ExchangeID)
	if err != nil {
		return nil, err
	}
	return e.registry.Get(order.UserID, order.ExchangeID, order.IsTestnet, name)
}
