// Package app wires up the concrete dependency graph shared by every
// binary entrypoint: the database, the credential store, the adapter
// registry, the lifecycle engine and the reconciliation worker.
package app

import (
	"context"
	"fmt"
	"strings"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"tradeengine/internal/clock"
	"tradeengine/internal/connectors"
	"tradeengine/internal/engine"
	"tradeengine/internal/reconciler"
	"tradeengine/internal/repository"
	"tradeengine/internal/security"
	"tradeengine/internal/symbolcache"
)

// App bundles the fully-wired core, ready to be driven by a scheduler or
// queried by an HTTP/CLI handler.
type App struct {
	DB         *gorm.DB
	Repo       *repository.OrderRepository
	Security   *security.Store
	Registry   *connectors.Registry
	Engine     *engine.Engine
	Reconciler *reconciler.Reconciler
	Scheduler  *clock.Scheduler

	resolver *engine.ExchangeResolver
}

// Build constructs the full dependency graph from the environment.
func Build() (*App, error) {
	dbCfg, err := repository.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("app: load database config: %w", err)
	}
	db, err := repository.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("app: open database: %w", err)
	}
	repo := repository.NewOrderRepository(db)

	secCfg, err := security.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("app: load security config: %w", err)
	}
	codec, err := security.NewSecretboxCodec(secCfg.Passphrase, secCfg.Salt)
	if err != nil {
		return nil, fmt.Errorf("app: build credential codec: %w", err)
	}
	credStore := security.NewStore(db, codec)

	registry := connectors.NewRegistry(credStore.Resolve, connectors.DefaultBuilders())
	symbolCfg, err := symbolcache.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("app: load symbol cache config: %w", err)
	}
	symbols := symbolcache.NewCache(symbolCfg)
	cooldowns := connectors.NewCooldowns()
	resolver := engine.NewExchangeResolver(db)

	engineCfg, err := engine.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("app: load engine config: %w", err)
	}
	eng := engine.NewEngine(engineCfg, engine.Deps{
		Repo:       repo,
		Registry:   registry,
		Symbols:    symbols,
		Cooldowns:  cooldowns,
		Clock:      clock.RealClock{},
		ExchangeOf: resolver.Resolve,
	})

	reconcilerCfg, err := reconciler.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("app: load reconciler config: %w", err)
	}
	rec := reconciler.NewReconciler(reconcilerCfg, reconciler.Deps{
		Repo:       repo,
		Registry:   registry,
		Symbols:    symbols,
		Clock:      clock.RealClock{},
		ExchangeOf: resolver.Resolve,
	})

	schedCfg, err := clock.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("app: load scheduler config: %w", err)
	}
	sched := clock.NewScheduler(schedCfg, nil)

	return &App{
		DB:         db,
		Repo:       repo,
		Security:   credStore,
		Registry:   registry,
		Engine:     eng,
		Reconciler: rec,
		Scheduler:  sched,
		resolver:   resolver,
	}, nil
}

// StartOrderEventStreams launches one Bybit private order-update stream
// per stored Bybit credential, feeding fills and cancellations straight
// into the reconciler instead of waiting for the next slow tick's poll.
// Binance's listen-key-based user data stream is not started here — only
// Bybit's push feed is wired in this pass, and the reconciler's polling
// sweep remains the backstop for both exchanges regardless.
func (a *App) StartOrderEventStreams(ctx context.Context) error {
	creds, err := a.Security.ListCredentials()
	if err != nil {
		return fmt.Errorf("app: list credentials for order event streams: %w", err)
	}

	log := logger.WithField("component", "app")
	for _, cred := range creds {
		name, err := a.resolver.Resolve(cred.ExchangeID)
		if err != nil {
			log.WithError(err).WithField("exchange_id", cred.ExchangeID).Warn("order event stream: exchange resolve failed")
			continue
		}
		if !strings.EqualFold(name, "bybit") {
			continue
		}

		apiKey, err := a.Security.Decrypt(cred.APIKeyCT)
		if err != nil {
			log.WithError(err).WithField("user_id", cred.UserID).Warn("order event stream: api key decrypt failed")
			continue
		}
		apiSecret, err := a.Security.Decrypt(cred.SecretKeyCT)
		if err != nil {
			log.WithError(err).WithField("user_id", cred.UserID).Warn("order event stream: api secret decrypt failed")
			continue
		}

		go a.Reconciler.StreamOrderEvents(ctx, cred.UserID, apiKey, apiSecret, cred.IsTestnet)
	}
	return nil
}
