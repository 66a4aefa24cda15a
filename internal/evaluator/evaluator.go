package evaluator

import (
	"context"
	"fmt"

	"tradeengine/internal/clock"
	"tradeengine/internal/connectors"
	"tradeengine/model"
)

// EntryDecision is the outcome of evaluating an order's entry condition.
type EntryDecision string

const (
	EntryFire   EntryDecision = "FIRE"
	EntryWait   EntryDecision = "WAIT"
	EntryCancel EntryDecision = "CANCEL"
)

// StopDecision is the outcome of evaluating an order's stop-loss condition.
type StopDecision string

const (
	StopHit StopDecision = "HIT"
	StopOK  StopDecision = "OK"
)

// EntryTrigger decides whether an order should enter now: Market orders fire immediately;
// otherwise the last closed candle on entry_interval decides. Close above
// max_entry cancels (the market ran away); close at or above entry_price
// fires; anything else waits.
func EntryTrigger(ctx context.Context, order *model.Order, adapter connectors.Adapter, clk clock.Clock) (EntryDecision, error) {
	if order.EntryInterval == model.IntervalMarket {
		return EntryFire, nil
	}

	candle, err := adapter.LastClosedCandle(ctx, order.Symbol, order.EntryInterval, clk.Now())
	if err != nil {
		return "", fmt.Errorf("evaluator: entry trigger candle fetch: %w", err)
	}

	if candle.Close.GreaterThan(order.MaxEntry) {
		return EntryCancel, nil
	}
	if candle.Close.GreaterThanOrEqual(order.EntryPrice) {
		return EntryFire, nil
	}
	return EntryWait, nil
}

// StopTrigger decides whether a position should be stopped out: the last closed candle on
// stop_interval decides, using close (a trend signal) rather than low (a
// tick-level stop) by design.
func StopTrigger(ctx context.Context, order *model.Order, adapter connectors.Adapter, clk clock.Clock) (StopDecision, error) {
	if order.StopLoss == nil {
		return StopOK, nil
	}

	candle, err := adapter.LastClosedCandle(ctx, order.Symbol, order.StopInterval, clk.Now())
	if err != nil {
		return "", fmt.Errorf("evaluator: stop trigger candle fetch: %w", err)
	}

	if candle.Close.LessThanOrEqual(*order.StopLoss) {
		return StopHit, nil
	}
	return StopOK, nil
}
