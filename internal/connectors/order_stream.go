package connectors

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	logger "github.com/sirupsen/logrus"
)

// bybitPrivateStreamURL and its testnet counterpart carry authenticated
// order-update events, not public ticker data.
const (
	bybitPrivateStreamURL        = "wss://stream.bybit.com/v5/private"
	bybitPrivateTestnetStreamURL = "wss://stream-testnet.bybit.com/v5/private"
	orderStreamPingInterval      = 20 * time.Second
)

// OrderEvent is a normalized order-update push from an exchange's private
// stream: a fill or cancellation of a previously placed order, the same
// two outcomes the reconciler's slow-tick sweep checks for by polling.
type OrderEvent struct {
	OrderID string
	Symbol  string
	Side    string
	Status  string // "FILLED", "CANCELED", or the exchange's raw status
}

// bybitOrderStatus maps Bybit's v5 orderStatus values onto the vocabulary
// OrderEvent consumers switch on.
var bybitOrderStatus = map[string]string{
	"New":             "NEW",
	"PartiallyFilled": "PARTIALLY_FILLED",
	"Filled":          "FILLED",
	"Cancelled":       "CANCELED",
	"Rejected":        "REJECTED",
}

// OrderStream is Bybit's authenticated private order-update stream. It
// pushes fills and cancellations as they happen, letting the reconciler
// react immediately instead of waiting for the next slow tick's poll.
// Run never returns a caller-actionable error: a dial failure, an auth
// failure, or a dropped connection all just mean events stop arriving
// until the next reconnect attempt, and the slow-tick sweep remains the
// backstop that guarantees eventual consistency either way.
type OrderStream struct {
	apiKey    string
	apiSecret string
	testnet   bool
	log       *logger.Entry
}

func NewOrderStream(apiKey, apiSecret string, testnet bool) *OrderStream {
	return &OrderStream{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		testnet:   testnet,
		log:       logger.WithField("component", "bybit_order_stream"),
	}
}

func (s *OrderStream) streamURL() string {
	if s.testnet {
		return bybitPrivateTestnetStreamURL
	}
	return bybitPrivateStreamURL
}

// Run connects, authenticates, subscribes to the order topic, and
// delivers events to onEvent until ctx is cancelled, reconnecting with
// exponential backoff (capped at 60s) on any drop.
func (s *OrderStream) Run(ctx context.Context, onEvent func(OrderEvent)) {
	retryDelay := time.Second
	const maxRetryDelay = 60 * time.Second

	for ctx.Err() == nil {
		if err := s.runOnce(ctx, onEvent); err != nil {
			s.log.WithError(err).Warn("bybit order stream disconnected")
		}
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay):
		}
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

func (s *OrderStream) runOnce(ctx context.Context, onEvent func(OrderEvent)) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		Proxy:            http.ProxyFromEnvironment,
	}

	conn, _, err := dialer.DialContext(ctx, s.streamURL(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	if err := s.authenticate(conn); err != nil {
		return err
	}
	if err := conn.WriteJSON(map[string]interface{}{"op": "subscribe", "args": []string{"order.spot"}}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	s.log.Info("bybit order stream connected and subscribed")

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go s.pingLoop(pingCtx, conn)

	for {
		var msg bybitStreamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		s.dispatch(msg, onEvent)
	}
}

func (s *OrderStream) authenticate(conn *websocket.Conn) error {
	expires := time.Now().Add(10 * time.Second).UnixMilli()
	signature := bybitSign(s.apiSecret, fmt.Sprintf("GET/realtime%d", expires))
	if err := conn.WriteJSON(map[string]interface{}{
		"op":   "auth",
		"args": []interface{}{s.apiKey, expires, signature},
	}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	var resp struct {
		Success bool   `json:"success"`
		RetMsg  string `json:"ret_msg"`
	}
	if err := conn.ReadJSON(&resp); err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("auth rejected: %s", resp.RetMsg)
	}
	return nil
}

func (s *OrderStream) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(orderStreamPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteJSON(map[string]string{"op": "ping"}); err != nil {
				s.log.WithError(err).Debug("bybit order stream ping failed")
				return
			}
		}
	}
}

type bybitStreamMessage struct {
	Op    string `json:"op"`
	Topic string `json:"topic"`
	Data  []struct {
		OrderID string `json:"orderId"`
		Symbol  string `json:"symbol"`
		Side    string `json:"side"`
		Status  string `json:"orderStatus"`
	} `json:"data"`
}

func (s *OrderStream) dispatch(msg bybitStreamMessage, onEvent func(OrderEvent)) {
	if msg.Op == "pong" || msg.Topic == "" {
		return
	}
	for _, d := range msg.Data {
		status, ok := bybitOrderStatus[d.Status]
		if !ok {
			status = d.Status
		}
		onEvent(OrderEvent{
			OrderID: d.OrderID,
			Symbol:  d.Symbol,
			Side:    d.Side,
			Status:  status,
		})
	}
}
