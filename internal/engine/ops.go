package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tradeengine/internal/connectors"
	"tradeengine/internal/repository"
	"tradeengine/model"
)

// CreateOrder validates a user's plan and persists it as PENDING. Market
// orders are persisted PENDING too, not IN_EXECUTION: entry_trigger always
// FIREs immediately for
// Market orders, so the very next tick places them exactly as fast, and
// staying within {PENDING, EXECUTED} keeps every order a valid target for
// the tick procedure's critical-section claim (see DESIGN.md).
func (e *Engine) CreateOrder(ctx context.Context, order *model.Order) (uint64, error) {
	order.Status = model.OrderStatusPending
	if err := order.Validate(); err != nil {
		return 0, err
	}
	if err := e.repo.Create(ctx, order); err != nil {
		return 0, fmt.Errorf("engine: create order: %w", err)
	}
	return order.ID, nil
}

// UpdatePatch carries the user-editable fields of an order; nil means
// "leave unchanged".
type UpdatePatch struct {
	MaxEntry     *decimal.Decimal
	EntryPrice   *decimal.Decimal
	TakeProfit   *decimal.Decimal
	StopLoss     *decimal.Decimal
	EntryInterval *model.Interval
	StopInterval  *model.Interval
}

func (p UpdatePatch) apply(order *model.Order) {
	if p.MaxEntry != nil {
		order.MaxEntry = *p.MaxEntry
	}
	if p.EntryPrice != nil {
		order.EntryPrice = *p.EntryPrice
	}
	if p.TakeProfit != nil {
		order.TakeProfit = p.TakeProfit
	}
	if p.StopLoss != nil {
		order.StopLoss = p.StopLoss
	}
	if p.EntryInterval != nil {
		order.EntryInterval = *p.EntryInterval
	}
	if p.StopInterval != nil {
		order.StopInterval = *p.StopInterval
	}
}

// UpdateOrder edits a live order's parameters: allowed only on
// non-terminal, non-IN_EXECUTION orders, with validation always preceding
// any exchange-side cancellation of a live TP.
func (e *Engine) UpdateOrder(ctx context.Context, id uint64, patch UpdatePatch) error {
	order, err := e.repo.Load(ctx, id)
	if err != nil {
		return fmt.Errorf("engine: update order: %w", err)
	}
	if order == nil {
		return ErrOrderNotFound
	}
	if order.Status.IsTerminal() || order.Status == model.OrderStatusInExecution {
		return ErrWrongState
	}

	priorStatus := order.Status
	if err := e.repo.AtomicTransition(ctx, id, priorStatus, model.OrderStatusInExecution, nil, "edit claimed"); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return ErrBusy
		}
		return err
	}

	edited := *order
	patch.apply(&edited)
	tpChanged := patch.TakeProfit != nil && (order.TakeProfit == nil || !order.TakeProfit.Equal(*patch.TakeProfit))

	if err := edited.Validate(); err != nil {
		_ = e.restore(ctx, order, priorStatus, "edit validation failed")
		return err
	}

	mutations := map[string]interface{}{
		"max_entry":      edited.MaxEntry,
		"entry_price":    edited.EntryPrice,
		"entry_interval": edited.EntryInterval,
		"stop_interval":  edited.StopInterval,
	}
	if edited.TakeProfit != nil {
		mutations["take_profit"] = *edited.TakeProfit
	}
	if edited.StopLoss != nil {
		mutations["stop_loss"] = *edited.StopLoss
	}

	if priorStatus == model.OrderStatusExecuted && tpChanged {
		newTPOrderID, err := e.repegTakeProfit(ctx, order, *edited.TakeProfit)
		if err != nil {
			_ = e.restore(ctx, order, priorStatus, "edit: tp re-peg failed")
			return err
		}
		mutations["tp_order_id"] = newTPOrderID
	}

	if err := e.repo.AtomicTransition(ctx, id, model.OrderStatusInExecution, priorStatus, mutations, "edited"); err != nil {
		return err
	}
	e.notify(order, "order updated")
	return nil
}

// repegTakeProfit validates the new TP is placeable before cancelling the
// old one: validation must always precede cancellation.
func (e *Engine) repegTakeProfit(ctx context.Context, order *model.Order, newTP decimal.Decimal) (string, error) {
	adapter, err := e.adapterFor(order)
	if err != nil {
		return "", err
	}
	filters, err := e.symbols.Get(ctx, adapter, order.ExchangeID, order.Symbol)
	if err != nil {
		return "", err
	}

	qty := connectors.FloorToStep(order.Quantity, filters.LotStep)
	price := connectors.RoundToTick(newTP, filters.TickSize)
	if !connectors.MeetsMinNotional(qty, price, filters.MinNotional) {
		return "", fmt.Errorf("engine: new take-profit would violate min_notional")
	}

	if order.TPOrderID != nil {
		callCtx, cancel := connectors.WithCallTimeout(ctx)
		_, err := adapter.CancelOrder(callCtx, order.Symbol, *order.TPOrderID)
		cancel()
		if err != nil && !errors.Is(err, connectors.ErrNotFound) {
			return "", fmt.Errorf("engine: cancel old take-profit: %w", err)
		}
	}

	callCtx, cancel := connectors.WithCallTimeout(ctx)
	placed, err := adapter.PlaceLimitSell(callCtx, order.Symbol, qty, price)
	cancel()
	if err != nil {
		return "", fmt.Errorf("engine: place new take-profit: %w", err)
	}
	return placed.OrderID, nil
}

// CancelOrder cancels a PENDING order outright.
func (e *Engine) CancelOrder(ctx context.Context, id uint64) error {
	order, err := e.repo.Load(ctx, id)
	if err != nil {
		return fmt.Errorf("engine: cancel order: %w", err)
	}
	if order == nil {
		return ErrOrderNotFound
	}
	if order.Status != model.OrderStatusPending {
		return ErrWrongState
	}

	if err := e.repo.AtomicTransition(ctx, id, model.OrderStatusPending, model.OrderStatusInExecution, nil, "cancel claimed"); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return ErrBusy
		}
		return err
	}
	if err := e.repo.AtomicTransition(ctx, id, model.OrderStatusInExecution, model.OrderStatusCancelled, map[string]interface{}{"closed_at": time.Now()}, "user cancel"); err != nil {
		return err
	}
	e.notify(order, "order cancelled by user")
	return nil
}

// ClosePosition cancels the TP and market-sells the live wallet balance of
// an EXECUTED order's base asset.
func (e *Engine) ClosePosition(ctx context.Context, id uint64) error {
	order, err := e.repo.Load(ctx, id)
	if err != nil {
		return fmt.Errorf("engine: close position: %w", err)
	}
	if order == nil {
		return ErrOrderNotFound
	}
	if order.Status != model.OrderStatusExecuted {
		return ErrWrongState
	}

	if err := e.repo.AtomicTransition(ctx, id, model.OrderStatusExecuted, model.OrderStatusInExecution, nil, "close claimed"); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return ErrBusy
		}
		return err
	}

	adapter, err := e.adapterFor(order)
	if err != nil {
		_ = e.restore(ctx, order, model.OrderStatusExecuted, "close: adapter unavailable")
		return err
	}

	if order.TPOrderID != nil {
		callCtx, cancel := connectors.WithCallTimeout(ctx)
		_, err := adapter.CancelOrder(callCtx, order.Symbol, *order.TPOrderID)
		cancel()
		if err != nil && !errors.Is(err, connectors.ErrNotFound) {
			_ = e.restore(ctx, order, model.OrderStatusExecuted, "close: cancel tp failed")
			return fmt.Errorf("engine: close position: cancel tp: %w", err)
		}
	}

	base, _ := connectors.SplitSymbol(order.Symbol)
	callCtx, cancel := connectors.WithCallTimeout(ctx)
	balance, err := adapter.Balance(callCtx, base)
	cancel()
	if err != nil {
		_ = e.restore(ctx, order, model.OrderStatusExecuted, "close: balance fetch failed")
		return fmt.Errorf("engine: close position: balance: %w", err)
	}

	filters, err := e.symbols.Get(ctx, adapter, order.ExchangeID, order.Symbol)
	if err != nil {
		_ = e.restore(ctx, order, model.OrderStatusExecuted, "close: filters fetch failed")
		return fmt.Errorf("engine: close position: filters: %w", err)
	}

	sellQty := SellQty(order.Quantity, balance.Free, filters.LotStep, e.cfg.SellEpsilon)
	callCtx, cancel = connectors.WithCallTimeout(ctx)
	_, err = adapter.PlaceMarketSell(callCtx, order.Symbol, sellQty)
	cancel()
	if err != nil {
		_ = e.restore(ctx, order, model.OrderStatusExecuted, "close: market sell failed")
		return fmt.Errorf("engine: close position: market sell: %w", err)
	}

	if err := e.repo.AtomicTransition(ctx, id, model.OrderStatusInExecution, model.OrderStatusClosedManual, map[string]interface{}{"closed_at": time.Now()}, "user close"); err != nil {
		return err
	}
	e.notify(order, "position closed by user")
	return nil
}

// SplitParams describes a user's request to carve an EXECUTED order into
// two positions sharing its executed_price.
type SplitParams struct {
	SplitQty decimal.Decimal
	TP1      decimal.Decimal
	SL1      *decimal.Decimal
	TP2      decimal.Decimal
	SL2      *decimal.Decimal
}

// SplitOrder cancels the existing TP and atomically carves an EXECUTED
// order into two, re-installing each leg's own TP.
func (e *Engine) SplitOrder(ctx context.Context, id uint64, params SplitParams) (uint64, error) {
	order, err := e.repo.Load(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("engine: split order: %w", err)
	}
	if order == nil {
		return 0, ErrOrderNotFound
	}
	if order.Status != model.OrderStatusExecuted {
		return 0, ErrWrongState
	}
	if order.ExecutedPrice == nil {
		return 0, fmt.Errorf("engine: split order: missing executed_price")
	}

	remaining := order.Quantity.Sub(params.SplitQty)
	if params.SplitQty.LessThanOrEqual(decimal.Zero) || remaining.LessThanOrEqual(decimal.Zero) {
		return 0, ErrSplitInvalid
	}
	price := *order.ExecutedPrice
	if !params.TP1.GreaterThan(price) || !params.TP2.GreaterThan(price) {
		return 0, ErrSplitInvalid
	}
	if params.SL1 != nil && !params.SL1.LessThan(price) {
		return 0, ErrSplitInvalid
	}
	if params.SL2 != nil && !params.SL2.LessThan(price) {
		return 0, ErrSplitInvalid
	}

	if err := e.repo.AtomicTransition(ctx, id, model.OrderStatusExecuted, model.OrderStatusInExecution, nil, "split claimed"); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return 0, ErrBusy
		}
		return 0, err
	}

	adapter, err := e.adapterFor(order)
	if err != nil {
		_ = e.restore(ctx, order, model.OrderStatusExecuted, "split: adapter unavailable")
		return 0, err
	}

	if order.TPOrderID != nil {
		callCtx, cancel := connectors.WithCallTimeout(ctx)
		_, err := adapter.CancelOrder(callCtx, order.Symbol, *order.TPOrderID)
		cancel()
		if err != nil && !errors.Is(err, connectors.ErrNotFound) {
			_ = e.restore(ctx, order, model.OrderStatusExecuted, "split: cancel tp failed")
			return 0, fmt.Errorf("engine: split order: cancel tp: %w", err)
		}
	}

	filters, err := e.symbols.Get(ctx, adapter, order.ExchangeID, order.Symbol)
	if err != nil {
		_ = e.restore(ctx, order, model.OrderStatusExecuted, "split: filters fetch failed")
		return 0, fmt.Errorf("engine: split order: filters: %w", err)
	}

	tpOrderID1, err := e.placeSplitLegTP(ctx, adapter, order.Symbol, params.SplitQty, params.TP1, filters)
	if err != nil {
		_ = e.restore(ctx, order, model.OrderStatusExecuted, "split: leg 1 tp failed")
		return 0, err
	}
	tpOrderID2, err := e.placeSplitLegTP(ctx, adapter, order.Symbol, remaining, params.TP2, filters)
	if err != nil {
		_ = e.restore(ctx, order, model.OrderStatusExecuted, "split: leg 2 tp failed")
		return 0, err
	}

	originalMutations := map[string]interface{}{
		"status":      model.OrderStatusExecuted,
		"quantity":    params.SplitQty,
		"take_profit": params.TP1,
	}
	if params.SL1 != nil {
		originalMutations["stop_loss"] = *params.SL1
	}
	if tpOrderID1 != nil {
		originalMutations["tp_order_id"] = *tpOrderID1
	}

	sibling := &model.Order{
		UserID:        order.UserID,
		ExchangeID:    order.ExchangeID,
		APIKeyID:      order.APIKeyID,
		IsTestnet:     order.IsTestnet,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Quantity:      remaining,
		EntryPrice:    order.EntryPrice,
		MaxEntry:      order.MaxEntry,
		EntryInterval: order.EntryInterval,
		TakeProfit:    &params.TP2,
		StopLoss:      params.SL2,
		StopInterval:  order.StopInterval,
		Status:        model.OrderStatusExecuted,
		ExecutedPrice: order.ExecutedPrice,
		ExecutedAt:    order.ExecutedAt,
		TPOrderID:     tpOrderID2,
	}

	if err := e.repo.CommitSplit(ctx, id, originalMutations, sibling, "split"); err != nil {
		return 0, err
	}
	e.notify(order, "position split into two orders")
	return sibling.ID, nil
}

func (e *Engine) placeSplitLegTP(ctx context.Context, adapter connectors.Adapter, symbol string, qty, tp decimal.Decimal, filters model.SymbolFilters) (*string, error) {
	legQty := connectors.FloorToStep(qty, filters.LotStep)
	legPrice := connectors.RoundToTick(tp, filters.TickSize)
	if !connectors.MeetsMinNotional(legQty, legPrice, filters.MinNotional) {
		return nil, fmt.Errorf("engine: split leg take-profit violates min_notional")
	}

	callCtx, cancel := connectors.WithCallTimeout(ctx)
	placed, err := adapter.PlaceLimitSell(callCtx, symbol, legQty, legPrice)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("engine: place split leg tp: %w", err)
	}
	return &placed.OrderID, nil
}

// GetOrders queries orders by filter.
func (e *Engine) GetOrders(ctx context.Context, filter repository.Filter) ([]model.Order, error) {
	return e.repo.List(ctx, filter)
}
