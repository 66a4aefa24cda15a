package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"tradeengine/internal/clock"
	"tradeengine/internal/connectors"
	"tradeengine/internal/repository"
	"tradeengine/internal/symbolcache"
	"tradeengine/model"
)

// fakeAdapter is a fully in-memory connectors.Adapter used across every
// scenario below; each test configures only the fields its path touches.
type fakeAdapter struct {
	mu sync.Mutex

	name string

	price   decimal.Decimal
	candle  connectors.Candle
	filters model.SymbolFilters

	balances map[string]connectors.Balance

	buyResult  connectors.PlacedOrder
	buyErr     error
	sellResult connectors.PlacedOrder
	sellErr    error

	tpResult connectors.PlacedOrder
	tpErr    error

	openOrders   []connectors.OpenOrder
	cancelResult connectors.CancelResult
	cancelErr    error

	buyCalls    int
	sellCalls   int
	cancelCalls int
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		name:     "fake",
		balances: make(map[string]connectors.Balance),
	}
}

func (f *fakeAdapter) SpotPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return f.price, nil
}

func (f *fakeAdapter) Balance(ctx context.Context, asset string) (connectors.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[asset], nil
}

func (f *fakeAdapter) LastClosedCandle(ctx context.Context, symbol string, interval model.Interval, now time.Time) (connectors.Candle, error) {
	return f.candle, nil
}

func (f *fakeAdapter) PlaceMarketBuy(ctx context.Context, symbol string, qty decimal.Decimal) (connectors.PlacedOrder, error) {
	f.mu.Lock()
	f.buyCalls++
	f.mu.Unlock()
	return f.buyResult, f.buyErr
}

func (f *fakeAdapter) PlaceMarketSell(ctx context.Context, symbol string, qty decimal.Decimal) (connectors.PlacedOrder, error) {
	f.mu.Lock()
	f.sellCalls++
	f.mu.Unlock()
	return f.sellResult, f.sellErr
}

func (f *fakeAdapter) PlaceLimitSell(ctx context.Context, symbol string, qty, price decimal.Decimal) (connectors.PlacedOrder, error) {
	return f.tpResult, f.tpErr
}

func (f *fakeAdapter) CancelOrder(ctx context.Context, symbol, orderID string) (connectors.CancelResult, error) {
	f.mu.Lock()
	f.cancelCalls++
	f.mu.Unlock()
	return f.cancelResult, f.cancelErr
}

func (f *fakeAdapter) ListOpenOrders(ctx context.Context, symbol string) ([]connectors.OpenOrder, error) {
	return f.openOrders, nil
}

func (f *fakeAdapter) SymbolFilters(ctx context.Context, symbol string) (model.SymbolFilters, error) {
	return f.filters, nil
}

func (f *fakeAdapter) AllAssets(ctx context.Context) ([]connectors.AssetBalance, error) {
	return nil, nil
}

func (f *fakeAdapter) ExchangeName() string { return f.name }

func (f *fakeAdapter) setBalance(asset string, free decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[asset] = connectors.Balance{Free: free}
}

// recordingSink is a notify.Sink that just remembers every message.
type recordingSink struct {
	mu       sync.Mutex
	messages []string
}

func (r *recordingSink) Notify(userID uint64, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, message)
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

// testHarness wires a real sqlite-backed repository with a single fake
// adapter.
type testHarness struct {
	repo     *repository.OrderRepository
	adapter  *fakeAdapter
	sink     *recordingSink
	clk      *clock.FakeClock
	engine   *Engine
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	db, err := repository.Open(repository.Config{Driver: "sqlite", DatabaseURL: ":memory:"})
	require.NoError(t, err)

	repo := repository.NewOrderRepository(db)
	adapter := newFakeAdapter()
	sink := &recordingSink{}
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	registry := connectors.NewRegistry(
		func(userID, exchangeID uint64, isTestnet bool) (string, string, error) { return "key", "secret", nil },
		map[string]connectors.Builder{"fake": func(apiKey, apiSecret string) connectors.Adapter { return adapter }},
	)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	cfg.WorkerPoolSize = 4

	e := NewEngine(cfg, Deps{
		Repo:       repo,
		Registry:   registry,
		Symbols:    symbolcache.NewCache(symbolcache.Config{TTL: time.Hour}),
		Cooldowns:  connectors.NewCooldowns(),
		Notifier:   sink,
		Clock:      clk,
		ExchangeOf: func(exchangeID uint64) (string, error) { return "fake", nil },
	})

	return &testHarness{repo: repo, adapter: adapter, sink: sink, clk: clk, engine: e}
}

func basePlan() *model.Order {
	return &model.Order{
		UserID:        1,
		ExchangeID:    1,
		APIKeyID:      1,
		Symbol:        "BTCUSDT",
		Side:          model.SideLong,
		Quantity:      decimal.NewFromInt(1),
		EntryPrice:    decimal.NewFromInt(100),
		MaxEntry:      decimal.NewFromInt(105),
		EntryInterval: model.IntervalH1,
		StopInterval:  model.IntervalH1,
	}
}

func standardFilters() model.SymbolFilters {
	return model.SymbolFilters{
		LotStep:     decimal.NewFromFloat(0.0001),
		TickSize:    decimal.NewFromFloat(0.01),
		MinNotional: decimal.NewFromInt(10),
	}
}

// Scenario 1: price runs past max_entry before ever reaching entry_price —
// the order is cancelled, never bought.
func TestEngineScenarioPendingCancelledByCeiling(t *testing.T) {
	h := newTestHarness(t)
	plan := basePlan()
	_, err := h.engine.CreateOrder(context.Background(), plan)
	require.NoError(t, err)

	h.adapter.candle = connectors.Candle{Close: decimal.NewFromInt(110)}

	h.engine.Tick(context.Background())

	stored, err := h.repo.Load(context.Background(), plan.ID)
	require.NoError(t, err)
	require.Equal(t, model.OrderStatusCancelled, stored.Status)
	require.Equal(t, 0, h.adapter.buyCalls)
}

// Scenario 2: a clean happy path — entry fires, buy fills, TP installs,
// and a later tick observes the TP order gone (filled).
func TestEngineScenarioHappyPathWithTPFill(t *testing.T) {
	h := newTestHarness(t)
	tp := decimal.NewFromInt(120)
	plan := basePlan()
	plan.TakeProfit = &tp
	_, err := h.engine.CreateOrder(context.Background(), plan)
	require.NoError(t, err)

	h.adapter.candle = connectors.Candle{Close: decimal.NewFromInt(100)}
	h.adapter.price = decimal.NewFromInt(100)
	h.adapter.filters = standardFilters()
	h.adapter.setBalance("USDT", decimal.NewFromInt(1000))
	h.adapter.buyResult = connectors.PlacedOrder{OrderID: "buy-1", FilledQty: decimal.NewFromInt(1), AvgFillPrice: decimal.NewFromInt(100), Status: connectors.FillStatusFilled}
	h.adapter.tpResult = connectors.PlacedOrder{OrderID: "tp-1"}

	h.engine.Tick(context.Background())

	stored, err := h.repo.Load(context.Background(), plan.ID)
	require.NoError(t, err)
	require.Equal(t, model.OrderStatusExecuted, stored.Status)
	require.NotNil(t, stored.TPOrderID)
	require.Equal(t, "tp-1", *stored.TPOrderID)

	// Next tick: TP no longer in the open-orders list -> filled.
	h.adapter.openOrders = nil
	h.adapter.setBalance("BTC", decimal.Zero)
	h.clk.Advance(time.Minute)
	h.engine.Tick(context.Background())

	stored, err = h.repo.Load(context.Background(), plan.ID)
	require.NoError(t, err)
	require.Equal(t, model.OrderStatusClosedTP, stored.Status)
}

// Scenario 3: stop-loss hits on close; the TP cancel returns NotFound
// (already filled/expired) and is tolerated, not treated as an error.
func TestEngineScenarioStopLossTolerantOfMissingTP(t *testing.T) {
	h := newTestHarness(t)
	sl := decimal.NewFromInt(90)
	plan := basePlan()
	plan.StopLoss = &sl

	require.NoError(t, h.repo.Create(context.Background(), func() *model.Order {
		plan.Status = model.OrderStatusExecuted
		executedPrice := decimal.NewFromInt(100)
		plan.ExecutedPrice = &executedPrice
		tpID := "tp-gone"
		plan.TPOrderID = &tpID
		return plan
	}()))

	h.adapter.candle = connectors.Candle{Close: decimal.NewFromInt(85)}
	h.adapter.cancelErr = connectors.ErrNotFound
	h.adapter.setBalance("BTC", decimal.NewFromInt(1))
	h.adapter.sellResult = connectors.PlacedOrder{OrderID: "sl-sell-1", FilledQty: decimal.NewFromInt(1)}
	h.adapter.filters = standardFilters()

	h.engine.Tick(context.Background())

	stored, err := h.repo.Load(context.Background(), plan.ID)
	require.NoError(t, err)
	require.Equal(t, model.OrderStatusClosedSL, stored.Status)
	require.Equal(t, 1, h.adapter.sellCalls)
}

// Scenario 4: the user sells the position manually on the exchange itself;
// the engine notices the base balance disappeared and closes externally.
func TestEngineScenarioExternalSellDetected(t *testing.T) {
	h := newTestHarness(t)
	plan := basePlan()
	executedPrice := decimal.NewFromInt(100)
	plan.Status = model.OrderStatusExecuted
	plan.ExecutedPrice = &executedPrice
	require.NoError(t, h.repo.Create(context.Background(), plan))

	h.adapter.setBalance("BTC", decimal.Zero)

	h.engine.Tick(context.Background())

	stored, err := h.repo.Load(context.Background(), plan.ID)
	require.NoError(t, err)
	require.Equal(t, model.OrderStatusClosedExternally, stored.Status)
}

// Scenario 5: a crash leaves an order stuck IN_EXECUTION after the buy
// actually went through on the exchange; the tick procedure itself does
// not recover this (that's the reconciliation worker's job), so here we
// only assert the tick leaves it alone rather than double-claiming it.
func TestEngineScenarioStaleInExecutionLeftForReconciliation(t *testing.T) {
	h := newTestHarness(t)
	plan := basePlan()
	plan.Status = model.OrderStatusInExecution
	require.NoError(t, h.repo.Create(context.Background(), plan))

	h.engine.Tick(context.Background())

	stored, err := h.repo.Load(context.Background(), plan.ID)
	require.NoError(t, err)
	require.Equal(t, model.OrderStatusInExecution, stored.Status)
	require.Equal(t, 0, h.adapter.buyCalls)
}

// Scenario 6: a user edits the TP on an EXECUTED order; validation must
// pass before the old TP is ever cancelled on the exchange.
func TestEngineScenarioUpdateValidatesBeforeCancelling(t *testing.T) {
	h := newTestHarness(t)
	tp := decimal.NewFromInt(120)
	plan := basePlan()
	plan.TakeProfit = &tp
	plan.Status = model.OrderStatusExecuted
	executedPrice := decimal.NewFromInt(100)
	plan.ExecutedPrice = &executedPrice
	oldTP := "tp-old"
	plan.TPOrderID = &oldTP
	require.NoError(t, h.repo.Create(context.Background(), plan))

	h.adapter.filters = standardFilters()

	// Invalid: new TP below entry_price should fail validation and never
	// touch the exchange-side cancel.
	badTP := decimal.NewFromInt(50)
	err := h.engine.UpdateOrder(context.Background(), plan.ID, UpdatePatch{TakeProfit: &badTP})
	require.Error(t, err)
	require.Equal(t, 0, h.adapter.cancelCalls)

	stored, err := h.repo.Load(context.Background(), plan.ID)
	require.NoError(t, err)
	require.Equal(t, model.OrderStatusExecuted, stored.Status)
	require.Equal(t, "tp-old", *stored.TPOrderID)

	// Valid: new TP above entry_price proceeds to cancel-then-replace.
	h.adapter.tpResult = connectors.PlacedOrder{OrderID: "tp-new"}
	goodTP := decimal.NewFromInt(130)
	require.NoError(t, h.engine.UpdateOrder(context.Background(), plan.ID, UpdatePatch{TakeProfit: &goodTP}))
	require.Equal(t, 1, h.adapter.cancelCalls)

	stored, err = h.repo.Load(context.Background(), plan.ID)
	require.NoError(t, err)
	require.Equal(t, "tp-new", *stored.TPOrderID)
}

// Scenario 7: a FilterViolation on the buy call is tolerated once — the
// order goes back to PENDING for a retry next tick — but cancels with
// reason "filter" if the exchange rejects it again on the retry.
func TestEngineScenarioFilterViolationRetriesOnceThenCancels(t *testing.T) {
	h := newTestHarness(t)
	plan := basePlan()
	_, err := h.engine.CreateOrder(context.Background(), plan)
	require.NoError(t, err)

	h.adapter.candle = connectors.Candle{Close: decimal.NewFromInt(100)}
	h.adapter.price = decimal.NewFromInt(100)
	h.adapter.filters = standardFilters()
	h.adapter.setBalance("USDT", decimal.NewFromInt(1000))
	h.adapter.buyErr = connectors.ErrFilterViolation

	h.engine.Tick(context.Background())

	stored, err := h.repo.Load(context.Background(), plan.ID)
	require.NoError(t, err)
	require.Equal(t, model.OrderStatusPending, stored.Status)
	require.Equal(t, 1, stored.FilterRetryCount)
	require.Equal(t, 1, h.adapter.buyCalls)

	h.clk.Advance(time.Minute)
	h.engine.Tick(context.Background())

	stored, err = h.repo.Load(context.Background(), plan.ID)
	require.NoError(t, err)
	require.Equal(t, model.OrderStatusCancelled, stored.Status)
	require.Equal(t, 2, h.adapter.buyCalls)
}

// Scenario 8: InsufficientBalance on the buy call never cancels the order —
// it goes back to PENDING indefinitely, with the user notified once through
// the throttled sink rather than on every tick.
func TestEngineScenarioInsufficientBalanceRestoresPending(t *testing.T) {
	h := newTestHarness(t)
	plan := basePlan()
	_, err := h.engine.CreateOrder(context.Background(), plan)
	require.NoError(t, err)

	h.adapter.candle = connectors.Candle{Close: decimal.NewFromInt(100)}
	h.adapter.price = decimal.NewFromInt(100)
	h.adapter.filters = standardFilters()
	h.adapter.setBalance("USDT", decimal.NewFromInt(1000))
	h.adapter.buyErr = connectors.ErrInsufficientBalance

	h.engine.Tick(context.Background())

	stored, err := h.repo.Load(context.Background(), plan.ID)
	require.NoError(t, err)
	require.Equal(t, model.OrderStatusPending, stored.Status)
	require.Equal(t, 1, h.adapter.buyCalls)
	require.Equal(t, 1, h.sink.count())

	h.clk.Advance(time.Minute)
	h.engine.Tick(context.Background())

	stored, err = h.repo.Load(context.Background(), plan.ID)
	require.NoError(t, err)
	require.Equal(t, model.OrderStatusPending, stored.Status)
	require.Equal(t, 2, h.adapter.buyCalls)
	require.Equal(t, 1, h.sink.count())
}
