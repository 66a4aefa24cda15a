package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"tradeengine/internal/connectors"
	"tradeengine/internal/evaluator"
	"tradeengine/internal/repository"
	"tradeengine/model"
)

// Tick is the fast-tick entry point: load every non-terminal order and
// process each independently, bounded by the configured worker pool.
func (e *Engine) Tick(ctx context.Context) {
	orders, err := e.repo.ListNonTerminal(ctx)
	if err != nil {
		e.log.WithError(err).Error("tick: failed to list non-terminal orders")
		return
	}
	if len(orders) == 0 {
		return
	}

	runBounded(ctx, e.cfg.WorkerPoolSize, len(orders), func(ctx context.Context, i int) {
		e.processOrder(ctx, &orders[i])
	})
}

// processOrder runs the tick procedure for one order: claim it into
// IN_EXECUTION, dispatch by its prior status, and restore or advance it.
func (e *Engine) processOrder(ctx context.Context, order *model.Order) {
	log := e.log.WithFields(map[string]interface{}{"order_id": order.ID, "symbol": order.Symbol})

	if e.isAuthPaused(order.UserID, order.ExchangeID, order.IsTestnet) {
		return
	}
	if e.cooldowns.Active(order.UserID, order.ExchangeID, order.IsTestnet, e.clk.Now()) {
		return
	}

	priorStatus := order.Status
	if priorStatus != model.OrderStatusPending && priorStatus != model.OrderStatusExecuted {
		// Already IN_EXECUTION (a prior tick died mid-flight) or some
		// other non-terminal status the tick procedure never claims from
		// directly; leave it for the reconciliation worker's stale sweep.
		return
	}

	err := e.repo.AtomicTransition(ctx, order.ID, priorStatus, model.OrderStatusInExecution, nil, "tick claimed")
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return
		}
		log.WithError(err).Error("tick: failed to claim critical section")
		return
	}

	var procErr error
	switch priorStatus {
	case model.OrderStatusPending:
		procErr = e.tickPending(ctx, order, log)
	case model.OrderStatusExecuted:
		procErr = e.tickExecuted(ctx, order, log)
	default:
		procErr = fmt.Errorf("tick: unexpected prior status %s", priorStatus)
	}

	if procErr != nil {
		// Left IN_EXECUTION; the reconciliation worker sweeps it once it
		// has aged past stale_threshold.
		log.WithError(procErr).Warn("tick: order left IN_EXECUTION for reconciliation")
	}
}

// restore flips the order back out of IN_EXECUTION to status, the common
// "nothing happened, give it back" path.
func (e *Engine) restore(ctx context.Context, order *model.Order, status model.OrderStatus, reason string) error {
	return e.repo.AtomicTransition(ctx, order.ID, model.OrderStatusInExecution, status, nil, reason)
}

func (e *Engine) tickPending(ctx context.Context, order *model.Order, log *logger.Entry) error {
	adapter, err := e.adapterFor(order)
	if err != nil {
		return e.restore(ctx, order, model.OrderStatusPending, "adapter unavailable")
	}

	decision, err := evaluator.EntryTrigger(ctx, order, adapter, e.clk)
	if err != nil {
		return e.handleAdapterError(ctx, order, err, model.OrderStatusPending, "entry_trigger")
	}

	switch decision {
	case evaluator.EntryCancel:
		if err := e.restore(ctx, order, model.OrderStatusCancelled, "entry trigger: max_entry breached"); err != nil {
			return err
		}
		e.notify(order, "order cancelled: price exceeded max_entry before trigger")
		return nil
	case evaluator.EntryWait:
		return e.restore(ctx, order, model.OrderStatusPending, "entry trigger: waiting")
	}

	return e.placeEntry(ctx, order, log)
}

func (e *Engine) placeEntry(ctx context.Context, order *model.Order, log *logger.Entry) error {
	adapter, err := e.adapterFor(order)
	if err != nil {
		return e.restore(ctx, order, model.OrderStatusPending, "adapter unavailable")
	}

	filters, err := e.symbols.Get(ctx, adapter, order.ExchangeID, order.Symbol)
	if err != nil {
		return e.handleAdapterError(ctx, order, err, model.OrderStatusPending, "symbol filters")
	}

	qty := connectors.FloorToStep(order.Quantity, filters.LotStep)

	callCtx, cancel := connectors.WithCallTimeout(ctx)
	price, err := adapter.SpotPrice(callCtx, order.Symbol)
	cancel()
	if err != nil {
		return e.handleAdapterError(ctx, order, err, model.OrderStatusPending, "spot price")
	}

	if !connectors.MeetsMinNotional(qty, price, filters.MinNotional) {
		log.Debug("tick: notional below minimum, waiting")
		return e.restore(ctx, order, model.OrderStatusPending, "below min_notional")
	}

	_, quote := connectors.SplitSymbol(order.Symbol)
	callCtx, cancel = connectors.WithCallTimeout(ctx)
	quoteBalance, err := adapter.Balance(callCtx, quote)
	cancel()
	if err != nil {
		return e.handleAdapterError(ctx, order, err, model.OrderStatusPending, "quote balance")
	}

	required := qty.Mul(price).Mul(decimal.NewFromInt(1).Add(e.cfg.FeeMargin))
	if quoteBalance.Free.LessThan(required) {
		e.balanceSink.NotifyInsufficientBalance(order.UserID, order.Symbol, e.clk.Now())
		return e.restore(ctx, order, model.OrderStatusPending, "insufficient quote balance")
	}

	callCtx, cancel = connectors.WithCallTimeout(ctx)
	filled, err := adapter.PlaceMarketBuy(callCtx, order.Symbol, qty)
	cancel()
	if err != nil {
		return e.handleAdapterError(ctx, order, err, model.OrderStatusPending, "place market buy")
	}

	executedPrice := filled.AvgFillPrice
	if executedPrice.IsZero() {
		executedPrice = price
	}
	executedAt := e.clk.Now()

	var tpOrderID *string
	if order.TakeProfit != nil {
		id, err := e.installTakeProfit(ctx, order, filled.FilledQty, filters)
		if err != nil {
			log.WithError(err).Warn("tick: take-profit placement skipped, running SL-only")
		} else {
			tpOrderID = id
		}
	}

	mutations := map[string]interface{}{
		"executed_price":     executedPrice,
		"executed_at":        executedAt,
		"filter_retry_count": 0,
	}
	if tpOrderID != nil {
		mutations["tp_order_id"] = *tpOrderID
	}
	if err := e.repo.AtomicTransition(ctx, order.ID, model.OrderStatusInExecution, model.OrderStatusExecuted, mutations, "buy filled"); err != nil {
		return err
	}
	e.notify(order, fmt.Sprintf("order executed at %s, qty %s", executedPrice.String(), filled.FilledQty.String()))
	return nil
}

// installTakeProfit places the TP limit sell after a successful buy.
// Returns a nil ID and an error if the TP would be unplaceable
// (min_notional) or its placement fails; the caller then runs the order
// SL-only.
func (e *Engine) installTakeProfit(ctx context.Context, order *model.Order, filledQty decimal.Decimal, filters model.SymbolFilters) (*string, error) {
	adapter, err := e.adapterFor(order)
	if err != nil {
		return nil, err
	}

	tpQty := TakeProfitQty(filledQty, filters.LotStep)
	tpPrice := connectors.RoundToTick(*order.TakeProfit, filters.TickSize)

	if !connectors.MeetsMinNotional(tpQty, tpPrice, filters.MinNotional) {
		return nil, fmt.Errorf("engine: tp notional below minimum, skipping TP placement")
	}

	callCtx, cancel := connectors.WithCallTimeout(ctx)
	placed, err := adapter.PlaceLimitSell(callCtx, order.Symbol, tpQty, tpPrice)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("engine: place tp: %w", err)
	}
	return &placed.OrderID, nil
}

func (e *Engine) tickExecuted(ctx context.Context, order *model.Order, log *logger.Entry) error {
	adapter, err := e.adapterFor(order)
	if err != nil {
		return e.restore(ctx, order, model.OrderStatusExecuted, "adapter unavailable")
	}

	if order.StopLoss != nil {
		decision, err := evaluator.StopTrigger(ctx, order, adapter, e.clk)
		if err != nil {
			return e.handleAdapterError(ctx, order, err, model.OrderStatusExecuted, "stop_trigger")
		}
		if decision == evaluator.StopHit {
			return e.closeOnStop(ctx, order, adapter)
		}
	}

	if order.TPOrderID != nil {
		callCtx, cancel := connectors.WithCallTimeout(ctx)
		open, err := adapter.ListOpenOrders(callCtx, order.Symbol)
		cancel()
		if err != nil {
			return e.handleAdapterError(ctx, order, err, model.OrderStatusExecuted, "list open orders")
		}
		if !orderStillOpen(open, *order.TPOrderID) {
			if err := e.restore(ctx, order, model.OrderStatusClosedTP, "take-profit filled"); err != nil {
				return err
			}
			e.notify(order, "order closed: take-profit filled")
			return nil
		}
	}

	base, _ := connectors.SplitSymbol(order.Symbol)
	callCtx, cancel := connectors.WithCallTimeout(ctx)
	balance, err := adapter.Balance(callCtx, base)
	cancel()
	if err != nil {
		return e.handleAdapterError(ctx, order, err, model.OrderStatusExecuted, "base balance")
	}

	threshold := order.Quantity.Mul(decimal.NewFromInt(1).Sub(e.cfg.SellEpsilon))
	if balance.Free.Add(balance.Locked).LessThan(threshold) {
		if err := e.restore(ctx, order, model.OrderStatusClosedExternally, "base balance disappeared externally"); err != nil {
			return err
		}
		e.notify(order, "order closed: position left the exchange outside the engine")
		return nil
	}

	return e.restore(ctx, order, model.OrderStatusExecuted, "no transition this tick")
}

func (e *Engine) closeOnStop(ctx context.Context, order *model.Order, adapter connectors.Adapter) error {
	if order.TPOrderID != nil {
		callCtx, cancel := connectors.WithCallTimeout(ctx)
		_, err := adapter.CancelOrder(callCtx, order.Symbol, *order.TPOrderID)
		cancel()
		if err != nil && !errors.Is(err, connectors.ErrNotFound) {
			return fmt.Errorf("engine: cancel tp before sl: %w", err)
		}
	}

	base, _ := connectors.SplitSymbol(order.Symbol)
	callCtx, cancel := connectors.WithCallTimeout(ctx)
	balance, err := adapter.Balance(callCtx, base)
	cancel()
	if err != nil {
		return fmt.Errorf("engine: sl wallet balance: %w", err)
	}

	filters, err := e.symbols.Get(ctx, adapter, order.ExchangeID, order.Symbol)
	if err != nil {
		return fmt.Errorf("engine: sl lot step: %w", err)
	}
	sellQty := SellQty(order.Quantity, balance.Free, filters.LotStep, e.cfg.SellEpsilon)

	callCtx, cancel = connectors.WithCallTimeout(ctx)
	_, err = adapter.PlaceMarketSell(callCtx, order.Symbol, sellQty)
	cancel()
	if err != nil {
		return fmt.Errorf("engine: sl market sell: %w", err)
	}

	if err := e.restore(ctx, order, model.OrderStatusClosedSL, "stop-loss hit"); err != nil {
		return err
	}
	e.notify(order, "order closed: stop-loss hit")
	return nil
}

// handleAdapterError classifies an adapter failure and restores the order
// to restoreStatus, pausing credentials on AuthError, recording a cooldown
// on RateLimited, evicting the symbol cache and allowing one retry before
// cancelling on a recurring FilterViolation, and notifying (throttled) on
// InsufficientBalance without ever cancelling for it.
func (e *Engine) handleAdapterError(ctx context.Context, order *model.Order, err error, restoreStatus model.OrderStatus, step string) error {
	switch {
	case errors.Is(err, connectors.ErrAuthError):
		e.pauseAuth(order.UserID, order.ExchangeID, order.IsTestnet)
		// CANCELLED is only reachable from PENDING in the state machine;
		// an EXECUTED order with a live position keeps
		// its status and just sits out further ticks until the pause
		// lifts, auth errors surfaced there never cancel the position.
		target := restoreStatus
		if restoreStatus == model.OrderStatusPending {
			target = model.OrderStatusCancelled
		}
		if rerr := e.restore(ctx, order, target, "auth error during "+step); rerr != nil {
			return rerr
		}
		e.notify(order, "trading paused: authentication failed, please update your API credentials")
		return nil
	case errors.Is(err, connectors.ErrRateLimited):
		e.cooldowns.Record(order.UserID, order.ExchangeID, order.IsTestnet, e.clk.Now(), time.Minute)
		return e.restore(ctx, order, restoreStatus, "rate limited during "+step)
	case errors.Is(err, connectors.ErrFilterViolation):
		e.symbols.Evict(order.ExchangeID, order.Symbol)
		if restoreStatus == model.OrderStatusPending && order.FilterRetryCount > 0 {
			if rerr := e.restore(ctx, order, model.OrderStatusCancelled, "filter violation recurred during "+step); rerr != nil {
				return rerr
			}
			e.notify(order, "order cancelled: exchange filter rejected the order again after a retry")
			return nil
		}
		mutations := map[string]interface{}{"filter_retry_count": order.FilterRetryCount + 1}
		return e.repo.AtomicTransition(ctx, order.ID, model.OrderStatusInExecution, restoreStatus, mutations, "filter violation during "+step+", retrying")
	case errors.Is(err, connectors.ErrInsufficientBalance):
		e.balanceSink.NotifyInsufficientBalance(order.UserID, order.Symbol, e.clk.Now())
		return e.restore(ctx, order, restoreStatus, "insufficient balance during "+step)
	case errors.Is(err, connectors.ErrTransient), errors.Is(err, connectors.ErrUnavailable):
		return e.restore(ctx, order, restoreStatus, "transient error during "+step)
	default:
		return fmt.Errorf("engine: %s: %w", step, err)
	}
}

func orderStillOpen(open []connectors.OpenOrder, orderID string) bool {
	for _, o := range open {
		if o.OrderID == orderID {
			return true
		}
	}
	return false
}

func (e *Engine) notify(order *model.Order, message string) {
	if err := e.notifier.Notify(order.UserID, message); err != nil {
		e.log.WithError(err).WithField("order_id", order.ID).Warn("tick: notify failed")
	}
}
