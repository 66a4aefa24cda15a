package connectors

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/nntaoli-project/goex"
	"github.com/nntaoli-project/goex/binance"
	logger "github.com/sirupsen/logrus"
	"github.com/shopspring/decimal"

	"tradeengine/model"
)

// BinanceAdapter implements Adapter for Binance spot.
//
// Candle fetching goes through github.com/nntaoli-project/goex's Binance
// client (binance.NewWithConfig, NewCurrencyPair, GetKlineRecords with
// KlinePeriod constants). Order placement, balances
// and symbol filters go through a hand-rolled signed REST client, since
// goex's trading surface would need guessed method signatures to cover
// authenticated order placement.
type BinanceAdapter struct {
	apiKey    string
	apiSecret string
	baseURL   string
	http      *resty.Client
	kline     goex.API
	log       *logger.Entry
}

const binanceBaseURL = "https://api.binance.com"

// NewBinanceAdapter builds a Binance adapter for one (user, exchange)
// credential pair.
func NewBinanceAdapter(apiKey, apiSecret string) *BinanceAdapter {
	httpClient := resty.New().
		SetBaseURL(binanceBaseURL).
		SetTimeout(DefaultCallTimeout).
		SetRetryCount(defaultRetryAttempts - 1).
		SetRetryWaitTime(defaultRetryBaseDelay).
		SetRetryMaxWaitTime(defaultRetryMaxBackoff).
		AddRetryCondition(isRetryableResp)

	kline := binance.NewWithConfig(&goex.APIConfig{
		HttpClient: http.DefaultClient,
		Endpoint:   binance.GLOBAL_API_BASE_URL,
	})

	return &BinanceAdapter{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		baseURL:   binanceBaseURL,
		http:      httpClient,
		kline:     kline,
		log:       logger.WithField("adapter", "binance"),
	}
}

func (b *BinanceAdapter) ExchangeName() string { return "binance" }

func binanceSign(secret, query string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func (b *BinanceAdapter) signedGet(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	return b.signedRequest(ctx, http.MethodGet, path, params)
}

func (b *BinanceAdapter) signedRequest(ctx context.Context, method, path string, params map[string]string) ([]byte, error) {
	if params == nil {
		params = map[string]string{}
	}
	params["timestamp"] = fmt.Sprintf("%d", time.Now().UnixMilli())

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	query := ""
	for i, k := range keys {
		if i > 0 {
			query += "&"
		}
		query += k + "=" + params[k]
	}
	query += "&signature=" + binanceSign(b.apiSecret, query)

	req := b.http.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", b.apiKey)

	var resp *resty.Response
	var err error
	if method == http.MethodGet {
		resp, err = req.Get(path + "?" + query)
	} else {
		resp, err = req.Execute(method, path+"?"+query)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return classifyBinanceResponse(resp)
}

// binanceStatusTeapot is Binance's IP-ban response code (418); net/http has
// no named constant for it.
const binanceStatusTeapot = 418

func classifyBinanceResponse(resp *resty.Response) ([]byte, error) {
	code := resp.StatusCode()
	switch {
	case code == http.StatusOK:
		return resp.Body(), nil
	case code == http.StatusTooManyRequests || code == binanceStatusTeapot:
		return nil, ErrRateLimited
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return nil, ErrAuthError
	case code >= 500:
		return nil, ErrTransient
	default:
		var apiErr struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		_ = json.Unmarshal(resp.Body(), &apiErr)
		switch apiErr.Code {
		case -1013, -1100, -2010:
			return nil, ErrFilterViolation
		case -2019, -2018:
			return nil, ErrInsufficientBalance
		case -2011, -2013:
			return nil, ErrNotFound
		default:
			return nil, fmt.Errorf("binance error %d: %s", apiErr.Code, apiErr.Msg)
		}
	}
}

func (b *BinanceAdapter) SpotPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	ctx, cancel := WithCallTimeout(ctx)
	defer cancel()

	resp, err := b.http.R().SetContext(ctx).
		SetQueryParam("symbol", symbol).
		Get("/api/v3/ticker/price")
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	body, err := classifyBinanceResponse(resp)
	if err != nil {
		return decimal.Zero, err
	}

	var out struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return decimal.Zero, fmt.Errorf("%w: decode price: %v", ErrUnavailable, err)
	}
	price, err := decimal.NewFromString(out.Price)
	if err != nil || !price.GreaterThan(decimal.Zero) {
		return decimal.Zero, ErrUnavailable
	}
	return price, nil
}

func (b *BinanceAdapter) Balance(ctx context.Context, asset string) (Balance, error) {
	ctx, cancel := WithCallTimeout(ctx)
	defer cancel()

	body, err := b.signedGet(ctx, "/api/v3/account", nil)
	if err != nil {
		return Balance{}, err
	}

	var out struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return Balance{}, fmt.Errorf("%w: decode account: %v", ErrTransient, err)
	}

	for _, a := range out.Balances {
		if a.Asset == asset {
			free, _ := decimal.NewFromString(a.Free)
			locked, _ := decimal.NewFromString(a.Locked)
			return Balance{Free: free, Locked: locked}, nil
		}
	}
	return Balance{Free: decimal.Zero, Locked: decimal.Zero}, nil
}

func (b *BinanceAdapter) AllAssets(ctx context.Context) ([]AssetBalance, error) {
	ctx, cancel := WithCallTimeout(ctx)
	defer cancel()

	body, err := b.signedGet(ctx, "/api/v3/account", nil)
	if err != nil {
		return nil, err
	}

	var out struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: decode account: %v", ErrTransient, err)
	}

	assets := make([]AssetBalance, 0, len(out.Balances))
	for _, a := range out.Balances {
		free, _ := decimal.NewFromString(a.Free)
		locked, _ := decimal.NewFromString(a.Locked)
		assets = append(assets, AssetBalance{Asset: a.Asset, Free: free, Locked: locked})
	}
	return assets, nil
}

func intervalToGoexPeriod(i model.Interval) (goex.KlinePeriod, error) {
	switch i {
	case model.IntervalM5:
		return goex.KLINE_PERIOD_5MIN, nil
	case model.IntervalM15:
		return goex.KLINE_PERIOD_15MIN, nil
	case model.IntervalH1:
		return goex.KLINE_PERIOD_1H, nil
	case model.IntervalH4:
		return goex.KLINE_PERIOD_4H, nil
	case model.IntervalDaily:
		return goex.KLINE_PERIOD_1DAY, nil
	default:
		return 0, fmt.Errorf("connectors: interval %q has no candle representation", i)
	}
}

func (b *BinanceAdapter) LastClosedCandle(ctx context.Context, symbol string, interval model.Interval, now time.Time) (Candle, error) {
	period, err := intervalToGoexPeriod(interval)
	if err != nil {
		return Candle{}, err
	}

	base, quote := SplitSymbol(symbol)
	pair := goex.NewCurrencyPair(goex.Currency{Symbol: base}, goex.Currency{Symbol: quote})

	const millis = 1000
	klines, err := b.kline.GetKlineRecords(
		pair,
		period,
		200,
		goex.OptionalParameter{}.Optional("endTime", now.Unix()*millis),
	)
	if err != nil {
		return Candle{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(klines) == 0 {
		return Candle{}, ErrUnavailable
	}

	// goex returns ascending-by-time series for Binance already, but the
	// adapter must not trust that blindly: reverse if the series came
	// back newest-first.
	if klines[0].Timestamp > klines[len(klines)-1].Timestamp {
		for i, j := 0, len(klines)-1; i < j; i, j = i+1, j-1 {
			klines[i], klines[j] = klines[j], klines[i]
		}
	}

	durationMs := interval.DurationMillis()
	nowMs := now.UnixMilli()

	var last *goex.Kline
	for i := len(klines) - 1; i >= 0; i-- {
		openMs := klines[i].Timestamp
		if openMs+durationMs <= nowMs {
			last = &klines[i]
			break
		}
	}
	if last == nil {
		return Candle{}, ErrUnavailable
	}

	return Candle{
		OpenTime: time.UnixMilli(last.Timestamp).UTC(),
		Open:     decimal.NewFromFloat(last.Open),
		High:     decimal.NewFromFloat(last.High),
		Low:      decimal.NewFromFloat(last.Low),
		Close:    decimal.NewFromFloat(last.Close),
		Volume:   decimal.NewFromFloat(last.Vol),
	}, nil
}

func (b *BinanceAdapter) SymbolFilters(ctx context.Context, symbol string) (model.SymbolFilters, error) {
	ctx, cancel := WithCallTimeout(ctx)
	defer cancel()

	resp, err := b.http.R().SetContext(ctx).
		SetQueryParam("symbol", symbol).
		Get("/api/v3/exchangeInfo")
	if err != nil {
		return model.SymbolFilters{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	body, err := classifyBinanceResponse(resp)
	if err != nil {
		return model.SymbolFilters{}, err
	}

	var out struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType  string `json:"filterType"`
				StepSize    string `json:"stepSize"`
				TickSize    string `json:"tickSize"`
				MinNotional string `json:"minNotional"`
				Notional    string `json:"notional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return model.SymbolFilters{}, fmt.Errorf("%w: decode exchangeInfo: %v", ErrTransient, err)
	}
	if len(out.Symbols) == 0 {
		return model.SymbolFilters{}, ErrNotFound
	}

	filters := model.SymbolFilters{Symbol: symbol, FetchedAt: time.Now()}
	for _, f := range out.Symbols[0].Filters {
		switch f.FilterType {
		case "LOT_SIZE":
			filters.LotStep, _ = decimal.NewFromString(f.StepSize)
		case "PRICE_FILTER":
			filters.TickSize, _ = decimal.NewFromString(f.TickSize)
		case "MIN_NOTIONAL":
			filters.MinNotional, _ = decimal.NewFromString(f.MinNotional)
		case "NOTIONAL":
			if f.MinNotional != "" {
				filters.MinNotional, _ = decimal.NewFromString(f.MinNotional)
			} else {
				filters.MinNotional, _ = decimal.NewFromString(f.Notional)
			}
		}
	}
	return filters, nil
}

func (b *BinanceAdapter) placeOrder(ctx context.Context, symbol, side, orderType string, qty, price decimal.Decimal) (PlacedOrder, error) {
	ctx, cancel := WithCallTimeout(ctx)
	defer cancel()

	params := map[string]string{
		"symbol":          symbol,
		"side":            side,
		"type":            orderType,
		"quantity":        qty.String(),
		"newClientOrderId": uuid.New().String(),
	}
	if orderType == "LIMIT" {
		params["price"] = price.String()
		params["timeInForce"] = "GTC"
	}

	body, err := b.signedRequest(ctx, http.MethodPost, "/api/v3/order", params)
	if err != nil {
		return PlacedOrder{}, err
	}

	var out struct {
		OrderID             int64  `json:"orderId"`
		Status              string `json:"status"`
		ExecutedQty         string `json:"executedQty"`
		CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return PlacedOrder{}, fmt.Errorf("%w: decode order response: %v", ErrTransient, err)
	}

	filledQty, _ := decimal.NewFromString(out.ExecutedQty)
	quoteQty, _ := decimal.NewFromString(out.CummulativeQuoteQty)
	avgPrice := decimal.Zero
	if filledQty.GreaterThan(decimal.Zero) {
		avgPrice = quoteQty.Div(filledQty)
	}

	status := FillStatusNew
	switch out.Status {
	case "FILLED":
		status = FillStatusFilled
	case "PARTIALLY_FILLED":
		status = FillStatusPartial
	}

	return PlacedOrder{
		OrderID:      fmt.Sprintf("%d", out.OrderID),
		FilledQty:    filledQty,
		AvgFillPrice: avgPrice,
		Status:       status,
	}, nil
}

func (b *BinanceAdapter) PlaceMarketBuy(ctx context.Context, symbol string, qty decimal.Decimal) (PlacedOrder, error) {
	return b.placeOrder(ctx, symbol, "BUY", "MARKET", qty, decimal.Zero)
}

func (b *BinanceAdapter) PlaceMarketSell(ctx context.Context, symbol string, qty decimal.Decimal) (PlacedOrder, error) {
	return b.placeOrder(ctx, symbol, "SELL", "MARKET", qty, decimal.Zero)
}

func (b *BinanceAdapter) PlaceLimitSell(ctx context.Context, symbol string, qty, price decimal.Decimal) (PlacedOrder, error) {
	return b.placeOrder(ctx, symbol, "SELL", "LIMIT", qty, price)
}

func (b *BinanceAdapter) CancelOrder(ctx context.Context, symbol, orderID string) (CancelResult, error) {
	ctx, cancel := WithCallTimeout(ctx)
	defer cancel()

	_, err := b.signedRequest(ctx, http.MethodDelete, "/api/v3/order", map[string]string{
		"symbol":  symbol,
		"orderId": orderID,
	})
	if err != nil {
		if err == ErrNotFound {
			return CancelResult{Cancelled: true}, nil
		}
		return CancelResult{}, err
	}
	return CancelResult{Cancelled: true}, nil
}

func (b *BinanceAdapter) ListOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	ctx, cancel := WithCallTimeout(ctx)
	defer cancel()

	body, err := b.signedGet(ctx, "/api/v3/openOrders", map[string]string{"symbol": symbol})
	if err != nil {
		return nil, err
	}

	var raw []struct {
		OrderID int64  `json:"orderId"`
		Side    string `json:"side"`
		Price   string `json:"price"`
		OrigQty string `json:"origQty"`
		Type    string `json:"type"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: decode open orders: %v", ErrTransient, err)
	}

	orders := make([]OpenOrder, 0, len(raw))
	for _, o := range raw {
		price, _ := decimal.NewFromString(o.Price)
		qty, _ := decimal.NewFromString(o.OrigQty)
		orders = append(orders, OpenOrder{
			OrderID: fmt.Sprintf("%d", o.OrderID),
			Side:    o.Side,
			Price:   price,
			Qty:     qty,
			Type:    o.Type,
		})
	}
	return orders, nil
}
