package connectors

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	logger "github.com/sirupsen/logrus"
	"github.com/shopspring/decimal"

	"tradeengine/model"
)

// BybitAdapter implements Adapter for Bybit's unified v5 spot API. Unlike
// BinanceAdapter it is a fully hand-rolled net/http client (raw
// *http.Client, manual header signing, structured logger.WithFields
// around the request/response), since no third-party Bybit client covers
// the v5 spot surface this adapter needs.
type BybitAdapter struct {
	apiKey     string
	apiSecret  string
	baseURL    string
	recvWindow string
	httpClient *http.Client
	log        *logger.Entry
}

const bybitBaseURL = "https://api.bybit.com"

func NewBybitAdapter(apiKey, apiSecret string) *BybitAdapter {
	return &BybitAdapter{
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		baseURL:    bybitBaseURL,
		recvWindow: "5000",
		httpClient: &http.Client{Timeout: DefaultCallTimeout},
		log:        logger.WithField("adapter", "bybit"),
	}
}

func (b *BybitAdapter) ExchangeName() string { return "bybit" }

type bybitAPIResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

func bybitSign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// doRequest performs one signed v5 call. For GET, query carries the
// query string (unsorted order is preserved by the caller, Bybit does not
// require canonical key order for GET); for POST, body is the raw JSON.
func (b *BybitAdapter) doRequest(ctx context.Context, method, path, query, body string) (*bybitAPIResponse, error) {
	timestamp := fmt.Sprintf("%d", time.Now().UnixMilli())

	var signPayload string
	if method == http.MethodGet {
		signPayload = timestamp + b.apiKey + b.recvWindow + query
	} else {
		signPayload = timestamp + b.apiKey + b.recvWindow + body
	}
	signature := bybitSign(b.apiSecret, signPayload)

	fullURL := b.baseURL + path
	if query != "" {
		fullURL += "?" + query
	}

	var bodyReader io.Reader
	if body != "" {
		bodyReader = bytes.NewBufferString(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("%w: new request: %v", ErrTransient, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-BAPI-API-KEY", b.apiKey)
	req.Header.Set("X-BAPI-SIGN", signature)
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", b.recvWindow)

	b.log.WithFields(logger.Fields{"method": method, "url": fullURL}).Debug("bybit http request")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrTransient, err)
	}

	b.log.WithFields(logger.Fields{"status": resp.StatusCode}).Debug("bybit http response")

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrAuthError
	case resp.StatusCode >= 500:
		return nil, ErrTransient
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("bybit http status %d: %s", resp.StatusCode, string(respBody))
	}

	var out bybitAPIResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("%w: unmarshal: %v", ErrTransient, err)
	}

	switch out.RetCode {
	case 0:
		return &out, nil
	case 10006:
		return nil, ErrRateLimited
	case 10003, 10004, 10005:
		return nil, ErrAuthError
	case 110007, 170131, 170213:
		return nil, ErrInsufficientBalance
	case 110017, 110016, 170130:
		return nil, ErrFilterViolation
	case 110001, 20001:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("bybit error %d: %s", out.RetCode, out.RetMsg)
	}
}

func (b *BybitAdapter) SpotPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	ctx, cancel := WithCallTimeout(ctx)
	defer cancel()

	q := url.Values{"category": {"spot"}, "symbol": {symbol}}.Encode()
	resp, err := b.doRequest(ctx, http.MethodGet, "/v5/market/tickers", q, "")
	if err != nil {
		return decimal.Zero, err
	}

	var result struct {
		List []struct {
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil || len(result.List) == 0 {
		return decimal.Zero, fmt.Errorf("%w: decode tickers: %v", ErrUnavailable, err)
	}
	price, err := decimal.NewFromString(result.List[0].LastPrice)
	if err != nil || !price.GreaterThan(decimal.Zero) {
		return decimal.Zero, ErrUnavailable
	}
	return price, nil
}

func (b *BybitAdapter) walletBalances(ctx context.Context) ([]AssetBalance, error) {
	q := url.Values{"accountType": {"UNIFIED"}}.Encode()
	resp, err := b.doRequest(ctx, http.MethodGet, "/v5/account/wallet-balance", q, "")
	if err != nil {
		return nil, err
	}

	var result struct {
		List []struct {
			Coin []struct {
				Coin            string `json:"coin"`
				WalletBalance   string `json:"walletBalance"`
				Locked          string `json:"locked"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("%w: decode wallet balance: %v", ErrTransient, err)
	}
	if len(result.List) == 0 {
		return nil, nil
	}

	assets := make([]AssetBalance, 0, len(result.List[0].Coin))
	for _, c := range result.List[0].Coin {
		total, _ := decimal.NewFromString(c.WalletBalance)
		locked, _ := decimal.NewFromString(c.Locked)
		assets = append(assets, AssetBalance{
			Asset:  c.Coin,
			Free:   total.Sub(locked),
			Locked: locked,
		})
	}
	return assets, nil
}

func (b *BybitAdapter) Balance(ctx context.Context, asset string) (Balance, error) {
	ctx, cancel := WithCallTimeout(ctx)
	defer cancel()

	assets, err := b.walletBalances(ctx)
	if err != nil {
		return Balance{}, err
	}
	for _, a := range assets {
		if a.Asset == asset {
			return Balance{Free: a.Free, Locked: a.Locked}, nil
		}
	}
	return Balance{Free: decimal.Zero, Locked: decimal.Zero}, nil
}

func (b *BybitAdapter) AllAssets(ctx context.Context) ([]AssetBalance, error) {
	ctx, cancel := WithCallTimeout(ctx)
	defer cancel()
	return b.walletBalances(ctx)
}

func intervalToBybit(i model.Interval) (string, error) {
	switch i {
	case model.IntervalM5:
		return "5", nil
	case model.IntervalM15:
		return "15", nil
	case model.IntervalH1:
		return "60", nil
	case model.IntervalH4:
		return "240", nil
	case model.IntervalDaily:
		return "D", nil
	default:
		return "", fmt.Errorf("connectors: interval %q has no candle representation", i)
	}
}

func (b *BybitAdapter) LastClosedCandle(ctx context.Context, symbol string, interval model.Interval, now time.Time) (Candle, error) {
	ctx, cancel := WithCallTimeout(ctx)
	defer cancel()

	bybitInterval, err := intervalToBybit(interval)
	if err != nil {
		return Candle{}, err
	}

	q := url.Values{
		"category": {"spot"},
		"symbol":   {symbol},
		"interval": {bybitInterval},
		"limit":    {"200"},
		"end":      {strconv.FormatInt(now.UnixMilli(), 10)},
	}.Encode()

	resp, err := b.doRequest(ctx, http.MethodGet, "/v5/market/kline", q, "")
	if err != nil {
		return Candle{}, err
	}

	var result struct {
		List [][]string `json:"list"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return Candle{}, fmt.Errorf("%w: decode kline: %v", ErrUnavailable, err)
	}
	if len(result.List) == 0 {
		return Candle{}, ErrUnavailable
	}

	// Bybit returns newest-first; sort ascending by open time before
	// scanning for the last fully-closed bar.
	sort.Slice(result.List, func(i, j int) bool {
		ti, _ := strconv.ParseInt(result.List[i][0], 10, 64)
		tj, _ := strconv.ParseInt(result.List[j][0], 10, 64)
		return ti < tj
	})

	durationMs := interval.DurationMillis()
	nowMs := now.UnixMilli()

	for i := len(result.List) - 1; i >= 0; i-- {
		row := result.List[i]
		openMs, _ := strconv.ParseInt(row[0], 10, 64)
		if openMs+durationMs > nowMs {
			continue
		}
		open, _ := decimal.NewFromString(row[1])
		high, _ := decimal.NewFromString(row[2])
		low, _ := decimal.NewFromString(row[3])
		closePrice, _ := decimal.NewFromString(row[4])
		volume, _ := decimal.NewFromString(row[5])
		return Candle{
			OpenTime: time.UnixMilli(openMs).UTC(),
			Open:     open,
			High:     high,
			Low:      low,
			Close:    closePrice,
			Volume:   volume,
		}, nil
	}
	return Candle{}, ErrUnavailable
}

func (b *BybitAdapter) SymbolFilters(ctx context.Context, symbol string) (model.SymbolFilters, error) {
	ctx, cancel := WithCallTimeout(ctx)
	defer cancel()

	q := url.Values{"category": {"spot"}, "symbol": {symbol}}.Encode()
	resp, err := b.doRequest(ctx, http.MethodGet, "/v5/market/instruments-info", q, "")
	if err != nil {
		return model.SymbolFilters{}, err
	}

	var result struct {
		List []struct {
			LotSizeFilter struct {
				BasePrecision string `json:"basePrecision"`
				MinOrderQty   string `json:"minOrderQty"`
			} `json:"lotSizeFilter"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
			MinOrderAmt string `json:"minOrderAmt"`
		} `json:"list"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil || len(result.List) == 0 {
		return model.SymbolFilters{}, fmt.Errorf("%w: decode instruments-info: %v", ErrTransient, err)
	}

	info := result.List[0]
	filters := model.SymbolFilters{Symbol: symbol, FetchedAt: time.Now()}
	filters.LotStep, _ = decimal.NewFromString(info.LotSizeFilter.BasePrecision)
	filters.TickSize, _ = decimal.NewFromString(info.PriceFilter.TickSize)
	filters.MinNotional, _ = decimal.NewFromString(info.MinOrderAmt)
	return filters, nil
}

func (b *BybitAdapter) placeOrder(ctx context.Context, symbol, side, orderType string, qty, price decimal.Decimal) (PlacedOrder, error) {
	ctx, cancel := WithCallTimeout(ctx)
	defer cancel()

	payload := map[string]interface{}{
		"category":    "spot",
		"symbol":      symbol,
		"side":        side,
		"orderType":   orderType,
		"qty":         qty.String(),
		"orderLinkId": uuid.New().String(),
	}
	if orderType == "Limit" {
		payload["price"] = price.String()
		payload["timeInForce"] = "GTC"
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return PlacedOrder{}, fmt.Errorf("%w: marshal order: %v", ErrTransient, err)
	}

	resp, err := b.doRequest(ctx, http.MethodPost, "/v5/order/create", "", string(body))
	if err != nil {
		return PlacedOrder{}, err
	}

	var result struct {
		OrderID string `json:"orderId"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return PlacedOrder{}, fmt.Errorf("%w: decode order result: %v", ErrTransient, err)
	}

	// Bybit's create-order response does not carry fill state, so a freshly
	// placed order is reported as NEW with zero filled quantity and zero
	// average fill price.
	return PlacedOrder{
		OrderID:      result.OrderID,
		FilledQty:    decimal.Zero,
		AvgFillPrice: decimal.Zero,
		Status:       FillStatusNew,
	}, nil
}

func (b *BybitAdapter) PlaceMarketBuy(ctx context.Context, symbol string, qty decimal.Decimal) (PlacedOrder, error) {
	return b.placeOrder(ctx, symbol, "Buy", "Market", qty, decimal.Zero)
}

func (b *BybitAdapter) PlaceMarketSell(ctx context.Context, symbol string, qty decimal.Decimal) (PlacedOrder, error) {
	return b.placeOrder(ctx, symbol, "Sell", "Market", qty, decimal.Zero)
}

func (b *BybitAdapter) PlaceLimitSell(ctx context.Context, symbol string, qty, price decimal.Decimal) (PlacedOrder, error) {
	return b.placeOrder(ctx, symbol, "Sell", "Limit", qty, price)
}

func (b *BybitAdapter) CancelOrder(ctx context.Context, symbol, orderID string) (CancelResult, error) {
	ctx, cancel := WithCallTimeout(ctx)
	defer cancel()

	body, err := json.Marshal(map[string]string{
		"category": "spot",
		"symbol":   symbol,
		"orderId":  orderID,
	})
	if err != nil {
		return CancelResult{}, fmt.Errorf("%w: marshal cancel: %v", ErrTransient, err)
	}

	_, err = b.doRequest(ctx, http.MethodPost, "/v5/order/cancel", "", string(body))
	if err != nil {
		if err == ErrNotFound {
			return CancelResult{Cancelled: true}, nil
		}
		return CancelResult{}, err
	}
	return CancelResult{Cancelled: true}, nil
}

func (b *BybitAdapter) ListOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	ctx, cancel := WithCallTimeout(ctx)
	defer cancel()

	q := url.Values{"category": {"spot"}, "symbol": {symbol}}.Encode()
	resp, err := b.doRequest(ctx, http.MethodGet, "/v5/order/realtime", q, "")
	if err != nil {
		return nil, err
	}

	var result struct {
		List []struct {
			OrderID   string `json:"orderId"`
			Side      string `json:"side"`
			Price     string `json:"price"`
			Qty       string `json:"qty"`
			OrderType string `json:"orderType"`
		} `json:"list"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("%w: decode open orders: %v", ErrTransient, err)
	}

	orders := make([]OpenOrder, 0, len(result.List))
	for _, o := range result.List {
		price, _ := decimal.NewFromString(o.Price)
		qty, _ := decimal.NewFromString(o.Qty)
		orders = append(orders, OpenOrder{
			OrderID: o.OrderID,
			Side:    o.Side,
			Price:   price,
			Qty:     qty,
			Type:    o.OrderType,
		})
	}
	return orders, nil
}
