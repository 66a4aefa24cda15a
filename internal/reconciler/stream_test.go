package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"tradeengine/internal/clock"
	"tradeengine/internal/connectors"
	"tradeengine/model"
)

func TestHandleOrderEventClosesOnFill(t *testing.T) {
	adapter := newFakeAdapter()
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cfg, err := LoadConfig()
	require.NoError(t, err)

	r, repo := newTestReconciler(t, adapter, clk, cfg)

	order := baseOrder()
	order.Status = model.OrderStatusExecuted
	tpID := "tp-1"
	order.TPOrderID = &tpID
	require.NoError(t, repo.Create(context.Background(), order))

	r.HandleOrderEvent(context.Background(), order.UserID, connectors.OrderEvent{
		OrderID: tpID,
		Symbol:  order.Symbol,
		Side:    "Sell",
		Status:  "FILLED",
	})

	stored, err := repo.Load(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, model.OrderStatusClosedTP, stored.Status)
	require.Nil(t, stored.TPOrderID)
}

func TestHandleOrderEventRePlacesOnCancel(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.filters = model.SymbolFilters{LotStep: decimal.NewFromFloat(0.0001), TickSize: decimal.NewFromFloat(0.01), MinNotional: decimal.NewFromInt(10)}
	adapter.tpResult = connectors.PlacedOrder{OrderID: "tp-2"}
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cfg, err := LoadConfig()
	require.NoError(t, err)

	r, repo := newTestReconciler(t, adapter, clk, cfg)

	order := baseOrder()
	order.Status = model.OrderStatusExecuted
	tp := decimal.NewFromInt(120)
	order.TakeProfit = &tp
	tpID := "tp-old"
	order.TPOrderID = &tpID
	require.NoError(t, repo.Create(context.Background(), order))

	r.HandleOrderEvent(context.Background(), order.UserID, connectors.OrderEvent{
		OrderID: tpID,
		Symbol:  order.Symbol,
		Side:    "Sell",
		Status:  "CANCELED",
	})

	stored, err := repo.Load(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, model.OrderStatusExecuted, stored.Status)
	require.NotNil(t, stored.TPOrderID)
	require.Equal(t, "tp-2", *stored.TPOrderID)
	require.Equal(t, 1, adapter.tpCalls)
}

func TestHandleOrderEventIgnoresBuySideEvents(t *testing.T) {
	adapter := newFakeAdapter()
	clk := clock.NewFakeClock(time.Now())
	cfg, err := LoadConfig()
	require.NoError(t, err)

	r, repo := newTestReconciler(t, adapter, clk, cfg)

	order := baseOrder()
	order.Status = model.OrderStatusExecuted
	tpID := "tp-1"
	order.TPOrderID = &tpID
	require.NoError(t, repo.Create(context.Background(), order))

	r.HandleOrderEvent(context.Background(), order.UserID, connectors.OrderEvent{
		OrderID: tpID,
		Symbol:  order.Symbol,
		Side:    "Buy",
		Status:  "FILLED",
	})

	stored, err := repo.Load(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, model.OrderStatusExecuted, stored.Status)
}

func TestHandleOrderEventIgnoresStaleTPOrderID(t *testing.T) {
	adapter := newFakeAdapter()
	clk := clock.NewFakeClock(time.Now())
	cfg, err := LoadConfig()
	require.NoError(t, err)

	r, repo := newTestReconciler(t, adapter, clk, cfg)

	order := baseOrder()
	order.Status = model.OrderStatusExecuted
	tpID := "tp-current"
	order.TPOrderID = &tpID
	require.NoError(t, repo.Create(context.Background(), order))

	// A split/update already moved the order on to a new TP order id; the
	// stale event for the old id must be a no-op, not a downgrade.
	r.HandleOrderEvent(context.Background(), order.UserID, connectors.OrderEvent{
		OrderID: "tp-stale",
		Symbol:  order.Symbol,
		Side:    "Sell",
		Status:  "FILLED",
	})

	stored, err := repo.Load(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, model.OrderStatusExecuted, stored.Status)
	require.Equal(t, "tp-current", *stored.TPOrderID)
}
