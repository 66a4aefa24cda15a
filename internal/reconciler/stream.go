package reconciler

import (
	"context"
	"strings"

	logger "github.com/sirupsen/logrus"

	"tradeengine/internal/connectors"
	"tradeengine/model"
)

// StreamOrderEvents runs one user's private order-update stream until ctx
// is cancelled, feeding every push straight into HandleOrderEvent. It is
// the real-time counterpart to the slow-tick sweep: the same TP-fill-vs-
// cancellation disambiguation, triggered by a push instead of a poll.
func (r *Reconciler) StreamOrderEvents(ctx context.Context, userID uint64, apiKey, apiSecret string, isTestnet bool) {
	stream := connectors.NewOrderStream(apiKey, apiSecret, isTestnet)
	stream.Run(ctx, func(event connectors.OrderEvent) {
		r.HandleOrderEvent(ctx, userID, event)
	})
}

// HandleOrderEvent reacts to one pushed order-update event. Only SELL-side
// events matter here: every take-profit order this engine places is a sell,
// so a fill or cancellation on the buy leg is never something the order-
// event stream needs to act on.
func (r *Reconciler) HandleOrderEvent(ctx context.Context, userID uint64, event connectors.OrderEvent) {
	if !strings.EqualFold(event.Side, "sell") {
		return
	}

	log := r.log.WithField("tp_order_id", event.OrderID)

	order, err := r.repo.FindByTPOrderID(ctx, userID, event.OrderID)
	if err != nil {
		log.WithError(err).Warn("order event: lookup by tp order id failed")
		return
	}
	if order == nil {
		log.Debug("order event: no matching order for this tp order id")
		return
	}

	// Re-check under the order's current state: a split or an update that
	// raced ahead of this event may already have cleared tp_order_id, in
	// which case there is nothing left for this push to do.
	current, err := r.repo.Load(ctx, order.ID)
	if err != nil || current == nil || current.TPOrderID == nil || *current.TPOrderID != event.OrderID {
		log.WithField("order_id", order.ID).Debug("order event: tp order id no longer current, skipping")
		return
	}

	switch event.Status {
	case "FILLED":
		r.handleTPFilled(ctx, current, log)
	case "CANCELED":
		r.handleTPCancelled(ctx, current, log)
	}
}

func (r *Reconciler) handleTPFilled(ctx context.Context, order *model.Order, log *logger.Entry) {
	if order.Status != model.OrderStatusExecuted {
		return
	}
	if err := r.repo.AtomicTransition(ctx, order.ID, model.OrderStatusExecuted, model.OrderStatusClosedTP, map[string]interface{}{"tp_order_id": nil}, "order event: tp filled"); err != nil {
		log.WithError(err).Warn("order event: failed to close as tp-filled")
		return
	}
	r.notify(order, "order closed: take-profit fill reported by the exchange's order stream")
}

func (r *Reconciler) handleTPCancelled(ctx context.Context, order *model.Order, log *logger.Entry) {
	if order.Status != model.OrderStatusExecuted {
		return
	}
	adapter, err := r.adapterFor(order)
	if err != nil {
		log.WithError(err).Warn("order event: adapter unavailable for tp re-place")
		return
	}
	r.rePlaceCancelledTP(ctx, order, adapter, log)
}
