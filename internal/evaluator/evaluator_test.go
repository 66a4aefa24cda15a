package evaluator

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeengine/internal/clock"
	"tradeengine/internal/connectors"
	"tradeengine/model"
)

// fakeAdapter is a minimal connectors.Adapter stub for evaluator tests; it
// only implements the one method EntryTrigger/StopTrigger actually call.
type fakeAdapter struct {
	connectors.Adapter
	candle    connectors.Candle
	candleErr error
}

func (f *fakeAdapter) LastClosedCandle(ctx context.Context, symbol string, interval model.Interval, now time.Time) (connectors.Candle, error) {
	return f.candle, f.candleErr
}

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func baseOrder() *model.Order {
	tp := d("110")
	sl := d("90")
	return &model.Order{
		Symbol:        "BTCUSDT",
		EntryPrice:    d("100"),
		MaxEntry:      d("105"),
		EntryInterval: model.IntervalH1,
		TakeProfit:    &tp,
		StopLoss:      &sl,
		StopInterval:  model.IntervalH1,
	}
}

func TestEntryTriggerMarketAlwaysFires(t *testing.T) {
	order := baseOrder()
	order.EntryInterval = model.IntervalMarket

	decision, err := EntryTrigger(context.Background(), order, &fakeAdapter{}, clock.NewFakeClock(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, EntryFire, decision)
}

func TestEntryTriggerCancelsWhenCloseAboveMaxEntry(t *testing.T) {
	order := baseOrder()
	adapter := &fakeAdapter{candle: connectors.Candle{Close: d("106")}}

	decision, err := EntryTrigger(context.Background(), order, adapter, clock.NewFakeClock(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, EntryCancel, decision)
}

func TestEntryTriggerFiresWhenCloseAtEntryPrice(t *testing.T) {
	order := baseOrder()
	adapter := &fakeAdapter{candle: connectors.Candle{Close: d("100")}}

	decision, err := EntryTrigger(context.Background(), order, adapter, clock.NewFakeClock(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, EntryFire, decision)
}

func TestEntryTriggerWaitsBelowEntryPrice(t *testing.T) {
	order := baseOrder()
	adapter := &fakeAdapter{candle: connectors.Candle{Close: d("99.99")}}

	decision, err := EntryTrigger(context.Background(), order, adapter, clock.NewFakeClock(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, EntryWait, decision)
}

func TestStopTriggerHitsAtExactStopLoss(t *testing.T) {
	order := baseOrder()
	adapter := &fakeAdapter{candle: connectors.Candle{Close: d("90")}}

	decision, err := StopTrigger(context.Background(), order, adapter, clock.NewFakeClock(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, StopHit, decision)
}

func TestStopTriggerOKWhenNoStopLossConfigured(t *testing.T) {
	order := baseOrder()
	order.StopLoss = nil

	decision, err := StopTrigger(context.Background(), order, &fakeAdapter{}, clock.NewFakeClock(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, StopOK, decision)
}

func TestStopTriggerOKAboveStopLoss(t *testing.T) {
	order := baseOrder()
	adapter := &fakeAdapter{candle: connectors.Candle{Close: d("91")}}

	decision, err := StopTrigger(context.Background(), order, adapter, clock.NewFakeClock(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, StopOK, decision)
}
