package reconciler

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"tradeengine/internal/clock"
	"tradeengine/internal/connectors"
	"tradeengine/internal/notify"
	"tradeengine/internal/repository"
	"tradeengine/internal/symbolcache"
	"tradeengine/model"
)

// ExchangeNameResolver maps an exchange ID to the builder key the adapter
// registry expects.
type ExchangeNameResolver func(exchangeID uint64) (string, error)

// Reconciler runs three sweeps on the slow tick: it is the
// opposite-direction check to the engine's fast tick, picking up whatever
// a crash, a skipped tick, or an external cancellation left inconsistent.
type Reconciler struct {
	cfg Config
	log *logger.Entry

	repo       *repository.OrderRepository
	registry   *connectors.Registry
	symbols    *symbolcache.Cache
	notifier   notify.Sink
	clk        clock.Clock
	exchangeOf ExchangeNameResolver
}

// Deps bundles Reconciler's constructor dependencies.
type Deps struct {
	Repo       *repository.OrderRepository
	Registry   *connectors.Registry
	Symbols    *symbolcache.Cache
	Notifier   notify.Sink
	Clock      clock.Clock
	ExchangeOf ExchangeNameResolver
}

// NewReconciler builds a Reconciler.
func NewReconciler(cfg Config, deps Deps) *Reconciler {
	clk := deps.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.NewLogSink()
	}
	return &Reconciler{
		cfg:        cfg,
		log:        logger.WithField("component", "reconciler"),
		repo:       deps.Repo,
		registry:   deps.Registry,
		symbols:    deps.Symbols,
		notifier:   notifier,
		clk:        clk,
		exchangeOf: deps.ExchangeOf,
	}
}

// Run performs the three sweeps in sequence over the current non-terminal
// order set, called by the scheduler's slow tick.
func (r *Reconciler) Run(ctx context.Context) {
	orders, err := r.repo.ListNonTerminal(ctx)
	if err != nil {
		r.log.WithError(err).Error("reconciler: failed to list non-terminal orders")
		return
	}

	for i := range orders {
		order := &orders[i]
		switch order.Status {
		case model.OrderStatusInExecution:
			r.sweepStaleInExecution(ctx, order)
		case model.OrderStatusExecuted:
			r.sweepExecuted(ctx, order)
		}
	}
}

func (r *Reconciler) adapterFor(order *model.Order) (connectors.Adapter, error) {
	name, err := r.exchangeOf(order.ExchangeID)
	if err != nil {
		return nil, err
	}
	return r.registry.Get(order.UserID, order.ExchangeID, order.IsTestnet, name)
}

// approxEqual reports whether a and b are within the configured
// fractional tolerance of each other, used wherever a live wallet
// balance must be compared against a recorded order quantity: exchange
// fees taken out of the base asset mean exact equality never holds.
func (r *Reconciler) approxEqual(a, b decimal.Decimal) bool {
	if b.IsZero() {
		return a.IsZero()
	}
	diff := a.Sub(b).Abs()
	return diff.LessThanOrEqual(b.Mul(r.cfg.ApproxEpsilon).Abs())
}

// sweepStaleInExecution reconciles an order stuck IN_EXECUTION longer
// than stale_threshold against live exchange state rather than leaving
// it to rot.
func (r *Reconciler) sweepStaleInExecution(ctx context.Context, order *model.Order) {
	if r.clk.Now().Sub(order.UpdatedAt) < r.cfg.StaleThreshold {
		return
	}
	log := r.log.WithField("order_id", order.ID)

	adapter, err := r.adapterFor(order)
	if err != nil {
		log.WithError(err).Warn("reconciler: adapter unavailable for stale sweep")
		return
	}

	base, _ := connectors.SplitSymbol(order.Symbol)
	callCtx, cancel := connectors.WithCallTimeout(ctx)
	balance, err := adapter.Balance(callCtx, base)
	cancel()
	if err != nil {
		log.WithError(err).Warn("reconciler: balance fetch failed during stale sweep")
		return
	}

	if r.approxEqual(balance.Free.Add(balance.Locked), order.Quantity) {
		mutations := map[string]interface{}{}
		if order.ExecutedPrice == nil {
			callCtx, cancel := connectors.WithCallTimeout(ctx)
			price, err := adapter.SpotPrice(callCtx, order.Symbol)
			cancel()
			if err == nil {
				mutations["executed_price"] = price
			}
			mutations["executed_at"] = r.clk.Now()
		}
		if err := r.repo.AtomicTransition(ctx, order.ID, model.OrderStatusInExecution, model.OrderStatusExecuted, mutations, "reconciled: buy had succeeded"); err != nil {
			log.WithError(err).Warn("reconciler: failed to promote stale order to EXECUTED")
			return
		}
		r.notify(order, "order recovered as executed after a stale claim")
		return
	}

	if err := r.repo.AtomicTransition(ctx, order.ID, model.OrderStatusInExecution, model.OrderStatusPending, nil, "reconciled: buy had not succeeded"); err != nil {
		log.WithError(err).Warn("reconciler: failed to restore stale order to PENDING")
	}
}

// sweepExecuted runs two checks for one EXECUTED
// order: TP-fill-vs-cancellation disambiguation, then the external-sell
// check the engine's own fast tick might have skipped (auth pause,
// cooldown, or a dropped tick).
func (r *Reconciler) sweepExecuted(ctx context.Context, order *model.Order) {
	log := r.log.WithField("order_id", order.ID)

	adapter, err := r.adapterFor(order)
	if err != nil {
		log.WithError(err).Warn("reconciler: adapter unavailable")
		return
	}

	base, _ := connectors.SplitSymbol(order.Symbol)
	callCtx, cancel := connectors.WithCallTimeout(ctx)
	balance, err := adapter.Balance(callCtx, base)
	cancel()
	if err != nil {
		log.WithError(err).Warn("reconciler: balance fetch failed")
		return
	}
	held := balance.Free.Add(balance.Locked)

	if order.TPOrderID != nil {
		callCtx, cancel := connectors.WithCallTimeout(ctx)
		open, err := adapter.ListOpenOrders(callCtx, order.Symbol)
		cancel()
		if err != nil {
			log.WithError(err).Warn("reconciler: list open orders failed")
			return
		}
		if !stillOpen(open, *order.TPOrderID) {
			if held.LessThan(order.Quantity.Mul(decimal.NewFromInt(1).Sub(r.cfg.ApproxEpsilon))) {
				if err := r.repo.AtomicTransition(ctx, order.ID, model.OrderStatusExecuted, model.OrderStatusClosedTP, nil, "reconciled: tp filled"); err != nil {
					log.WithError(err).Warn("reconciler: failed to close as tp-filled")
					return
				}
				r.notify(order, "order closed: take-profit fill confirmed by reconciliation")
				return
			}

			r.rePlaceCancelledTP(ctx, order, adapter, log)
			return
		}
	}

	if held.LessThan(order.Quantity.Mul(decimal.NewFromInt(1).Sub(r.cfg.ApproxEpsilon))) {
		if err := r.repo.AtomicTransition(ctx, order.ID, model.OrderStatusExecuted, model.OrderStatusClosedExternally, nil, "reconciled: position left exchange"); err != nil {
			log.WithError(err).Warn("reconciler: failed to close as externally sold")
			return
		}
		r.notify(order, "order closed: position left the exchange outside the engine")
	}
}

// rePlaceCancelledTP handles the "TP was cancelled out from under us" case:
// the position's base balance is still intact, so the TP never filled, it
// was just cancelled externally. Re-place it, respecting validation.
func (r *Reconciler) rePlaceCancelledTP(ctx context.Context, order *model.Order, adapter connectors.Adapter, log *logger.Entry) {
	if order.TakeProfit == nil {
		return
	}

	if err := r.repo.AtomicTransition(ctx, order.ID, model.OrderStatusExecuted, model.OrderStatusInExecution, nil, "reconciler claimed for tp re-place"); err != nil {
		if !errors.Is(err, repository.ErrConflict) {
			log.WithError(err).Warn("reconciler: failed to claim order for tp re-place")
		}
		return
	}

	filters, err := r.symbols.Get(ctx, adapter, order.ExchangeID, order.Symbol)
	if err != nil {
		_ = r.repo.AtomicTransition(ctx, order.ID, model.OrderStatusInExecution, model.OrderStatusExecuted, nil, "reconciler: filters fetch failed")
		log.WithError(err).Warn("reconciler: tp re-place filters fetch failed")
		return
	}

	qty := connectors.FloorToStep(order.Quantity, filters.LotStep)
	price := connectors.RoundToTick(*order.TakeProfit, filters.TickSize)
	if !connectors.MeetsMinNotional(qty, price, filters.MinNotional) {
		_ = r.repo.AtomicTransition(ctx, order.ID, model.OrderStatusInExecution, model.OrderStatusExecuted, nil, "reconciler: tp re-place would violate min_notional")
		log.Warn("reconciler: skipping tp re-place, would violate min_notional")
		return
	}

	callCtx, cancel := connectors.WithCallTimeout(ctx)
	placed, err := adapter.PlaceLimitSell(callCtx, order.Symbol, qty, price)
	cancel()
	if err != nil {
		_ = r.repo.AtomicTransition(ctx, order.ID, model.OrderStatusInExecution, model.OrderStatusExecuted, nil, "reconciler: tp re-place failed")
		log.WithError(err).Warn("reconciler: tp re-place failed")
		return
	}

	if err := r.repo.AtomicTransition(ctx, order.ID, model.OrderStatusInExecution, model.OrderStatusExecuted, map[string]interface{}{"tp_order_id": placed.OrderID}, "reconciled: tp re-placed after external cancel"); err != nil {
		log.WithError(err).Warn("reconciler: failed to commit re-placed tp order id")
		return
	}
	r.notify(order, fmt.Sprintf("take-profit was cancelled externally, re-placed as %s", placed.OrderID))
}

func stillOpen(open []connectors.OpenOrder, orderID string) bool {
	for _, o := range open {
		if o.OrderID == orderID {
			return true
		}
	}
	return false
}

func (r *Reconciler) notify(order *model.Order, message string) {
	if err := r.notifier.Notify(order.UserID, message); err != nil {
		r.log.WithError(err).WithField("order_id", order.ID).Warn("reconciler: notify failed")
	}
}
