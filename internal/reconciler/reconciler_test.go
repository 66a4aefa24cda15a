package reconciler

import (
	"context"
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

type fakeAdapter struct {
	balances   map[string]connectors.Balance
	openOrders []connectors.OpenOrder
	filters    model.SymbolFilters
	price      decimal.Decimal
	tpResult   connectors.PlacedOrder
	tpCalls    int
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{balances: make(map[string]connectors.Balance)}
}

func (f *fakeAdapter) SpotPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return f.price, nil
}
func (f *fakeAdapter) Balance(ctx context.Context, asset string) (connectors.Balance, error) {
	return f.balances[asset], nil
}
func (f *fakeAdapter) LastClosedCandle(ctx context.Context, symbol string, interval model.Interval, now time.Time) (connectors.Candle, error) {
	return connectors.Candle{}, nil
}
func (f *fakeAdapter) PlaceMarketBuy(ctx context.Context, symbol string, qty decimal.Decimal) (connectors.PlacedOrder, error) {
	return connectors.PlacedOrder{}, nil
}
func (f *fakeAdapter) PlaceMarketSell(ctx context.Context, symbol string, qty decimal.Decimal) (connectors.PlacedOrder, error) {
	return connectors.PlacedOrder{}, nil
}
func (f *fakeAdapter) PlaceLimitSell(ctx context.Context, symbol string, qty, price decimal.Decimal) (connectors.PlacedOrder, error) {
	f.tpCalls++
	return f.tpResult, nil
}
func (f *fakeAdapter) CancelOrder(ctx context.Context, symbol, orderID string) (connectors.CancelResult, error) {
	return connectors.CancelResult{Cancelled: true}, nil
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
func (f *fakeAdapter) ExchangeName() string { return "fake" }

func newTestReconciler(t *testing.T, adapter *fakeAdapter, clk clock.Clock, cfg Config) (*Reconciler, *repository.OrderRepository) {
	t.Helper()
	db, err := repository.Open(repository.Config{Driver: "sqlite", DatabaseURL: ":memory:"})
	require.NoError(t, err)
	repo := repository.NewOrderRepository(db)

	registry := connectors.NewRegistry(
		func(userID, exchangeID uint64, isTestnet bool) (string, string, error) { return "k", "s", nil },
		map[string]connectors.Builder{"fake": func(apiKey, apiSecret string) connectors.Adapter { return adapter }},
	)

	r := NewReconciler(cfg, Deps{
		Repo:       repo,
		Registry:   registry,
		Symbols:    symbolcache.NewCache(symbolcache.Config{TTL: time.Hour}),
		Clock:      clk,
		ExchangeOf: func(exchangeID uint64) (string, error) { return "fake", nil },
	})
	return r, repo
}

func baseOrder() *model.Order {
	return &model.Order{
		UserID:     1,
		ExchangeID: 1,
		Symbol:     "BTCUSDT",
		Side:       model.SideLong,
		Quantity:   decimal.NewFromInt(1),
		EntryPrice: decimal.NewFromInt(100),
		MaxEntry:   decimal.NewFromInt(105),
	}
}

func TestReconcilerPromotesStaleInExecutionWhenBuySucceeded(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.balances["BTC"] = connectors.Balance{Free: decimal.NewFromInt(1)}
	adapter.price = decimal.NewFromInt(100)

	// Anchored to the real wall clock since AtomicTransition/Create stamp
	// updated_at with time.Now(), not the injected Clock; a FakeClock
	// pinned to an unrelated date would make every order look either
	// infinitely stale or not stale at all.
	clk := clock.NewFakeClock(time.Now())
	cfg, err := LoadConfig()
	require.NoError(t, err)
	cfg.StaleThreshold = time.Second

	r, repo := newTestReconciler(t, adapter, clk, cfg)

	order := baseOrder()
	order.Status = model.OrderStatusInExecution
	require.NoError(t, repo.Create(context.Background(), order))

	clk.Advance(time.Minute)
	r.Run(context.Background())

	stored, err := repo.Load(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, model.OrderStatusExecuted, stored.Status)
	require.NotNil(t, stored.ExecutedPrice)
}

func TestReconcilerRestoresStaleInExecutionWhenBuyNeverHappened(t *testing.T) {
	adapter := newFakeAdapter()
	clk := clock.NewFakeClock(time.Now())
	cfg, err := LoadConfig()
	require.NoError(t, err)
	cfg.StaleThreshold = time.Second

	r, repo := newTestReconciler(t, adapter, clk, cfg)

	order := baseOrder()
	order.Status = model.OrderStatusInExecution
	require.NoError(t, repo.Create(context.Background(), order))

	clk.Advance(time.Minute)
	r.Run(context.Background())

	stored, err := repo.Load(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, model.OrderStatusPending, stored.Status)
}

func TestReconcilerDisambiguatesTPFillFromExternalCancel(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.balances["BTC"] = decimalBalance(0)
	adapter.openOrders = nil

	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cfg, err := LoadConfig()
	require.NoError(t, err)

	r, repo := newTestReconciler(t, adapter, clk, cfg)

	order := baseOrder()
	order.Status = model.OrderStatusExecuted
	tpID := "tp-1"
	order.TPOrderID = &tpID
	require.NoError(t, repo.Create(context.Background(), order))

	r.Run(context.Background())

	stored, err := repo.Load(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, model.OrderStatusClosedTP, stored.Status)
}

func TestReconcilerRePlacesExternallyCancelledTP(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.balances["BTC"] = decimalBalance(1)
	adapter.openOrders = nil
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

	r.Run(context.Background())

	stored, err := repo.Load(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, model.OrderStatusExecuted, stored.Status)
	require.NotNil(t, stored.TPOrderID)
	require.Equal(t, "tp-2", *stored.TPOrderID)
	require.Equal(t, 1, adapter.tpCalls)
}

func decimalBalance(free int64) connectors.Balance {
	return connectors.Balance{Free: decimal.NewFromInt(free)}
}
