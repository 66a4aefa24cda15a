package repository

import (
	"context"
	"errors"
	"time"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"tradeengine/model"
)

// ErrConflict is returned by AtomicTransition when the stored status no
// longer matches the expected status — another worker already claimed the
// order.
var ErrConflict = errors.New("repository: status conflict")

// OrderRepository owns all durable reads/writes of orders, exposing
// exactly the operation set the lifecycle engine needs.
type OrderRepository struct {
	db *gorm.DB
}

// NewOrderRepository builds a repository over db.
func NewOrderRepository(db *gorm.DB) *OrderRepository {
	logger.WithField("component", "OrderRepository").Info("creating OrderRepository")
	return &OrderRepository{db: db}
}

// WithDB returns a repository bound to a different *gorm.DB, used to run a
// caller-owned transaction.
func (r *OrderRepository) WithDB(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// ListNonTerminal returns every order whose status is not in the terminal
// set, the working set the engine's fast tick iterates.
func (r *OrderRepository) ListNonTerminal(ctx context.Context) ([]model.Order, error) {
	logger.WithFields(map[string]interface{}{
		"repo": "OrderRepository",
		"op":   "ListNonTerminal",
	}).Debug("listing non-terminal orders")

	var orders []model.Order
	err := r.db.WithContext(ctx).
		Where("status IN ?", model.NonTerminalStatuses).
		Order("id ASC").
		Find(&orders).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "OrderRepository",
			"op":   "ListNonTerminal",
		}).WithError(err).Error("failed to list non-terminal orders")
		return nil, err
	}
	return orders, nil
}

// Load fetches a single order by ID. Returns (nil, nil) if not found.
func (r *OrderRepository) Load(ctx context.Context, id uint64) (*model.Order, error) {
	var order model.Order
	err := r.db.WithContext(ctx).First(&order, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		logger.WithFields(map[string]interface{}{
			"repo": "OrderRepository",
			"op":   "Load",
			"id":   id,
		}).WithError(err).Error("failed to load order")
		return nil, err
	}
	return &order, nil
}

// Create inserts a new order, writing a CREATED audit log entry in the same
// transaction.
func (r *OrderRepository) Create(ctx context.Context, order *model.Order) error {
	logger.WithFields(map[string]interface{}{
		"repo":   "OrderRepository",
		"op":     "Create",
		"symbol": order.Symbol,
		"side":   order.Side,
	}).Info("creating order")

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(order).Error; err != nil {
			return err
		}
		entry := &model.OrderLog{OrderID: order.ID, Status: order.Status, CreatedAt: time.Now()}
		return tx.Create(entry).Error
	})
}

// AtomicTransition is the sole mechanism for status changes. It succeeds
// only if the stored status equals expected, writing mutations and the new
// status in one UPDATE; otherwise it returns ErrConflict without writing.
// This is the optimistic-lock critical section the engine uses to ensure
// no two workers act on the same order concurrently.
func (r *OrderRepository) AtomicTransition(ctx context.Context, id uint64, expected model.OrderStatus, newStatus model.OrderStatus, mutations map[string]interface{}, reason string) error {
	fields := map[string]interface{}{}
	for k, v := range mutations {
		fields[k] = v
	}
	fields["status"] = newStatus
	fields["updated_at"] = time.Now()

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&model.Order{}).
			Where("id = ? AND status = ?", id, expected).
			Updates(fields)
		if result.Error != nil {
			logger.WithFields(map[string]interface{}{
				"repo": "OrderRepository",
				"op":   "AtomicTransition",
				"id":   id,
			}).WithError(result.Error).Error("failed to apply atomic transition")
			return result.Error
		}
		if result.RowsAffected == 0 {
			logger.WithFields(map[string]interface{}{
				"repo":     "OrderRepository",
				"op":       "AtomicTransition",
				"id":       id,
				"expected": expected,
			}).Debug("atomic transition conflict, order already claimed")
			return ErrConflict
		}

		entry := &model.OrderLog{OrderID: id, Status: newStatus, Reason: reason, CreatedAt: time.Now()}
		if err := tx.Create(entry).Error; err != nil {
			return err
		}

		logger.WithFields(map[string]interface{}{
			"repo":   "OrderRepository",
			"op":     "AtomicTransition",
			"id":     id,
			"status": newStatus,
		}).Info("order transitioned")
		return nil
	})
}

// FindByTPOrderID looks up the order a user currently has an open
// take-profit order placed under, used to map an inbound order-event
// stream push back to the order it belongs to. Returns (nil, nil) if no
// order currently claims that TP order ID.
func (r *OrderRepository) FindByTPOrderID(ctx context.Context, userID uint64, tpOrderID string) (*model.Order, error) {
	var order model.Order
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND tp_order_id = ?", userID, tpOrderID).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// Filter narrows GetOrders to a user, an exchange, and/or a status; zero
// values are treated as "don't filter on this field".
type Filter struct {
	UserID     uint64
	ExchangeID uint64
	Status     model.OrderStatus
}

// List returns orders matching filter, newest first.
func (r *OrderRepository) List(ctx context.Context, filter Filter) ([]model.Order, error) {
	q := r.db.WithContext(ctx).Model(&model.Order{})
	if filter.UserID != 0 {
		q = q.Where("user_id = ?", filter.UserID)
	}
	if filter.ExchangeID != 0 {
		q = q.Where("exchange_id = ?", filter.ExchangeID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}

	var orders []model.Order
	if err := q.Order("id DESC").Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

// CommitSplit atomically mutates the original order (expected to be held
// in IN_EXECUTION by the caller's critical section) and inserts a freshly
// carved sibling order in the same transaction, so a split is atomic at
// the repository level: both orders land together or neither does.
func (r *OrderRepository) CommitSplit(ctx context.Context, originalID uint64, originalMutations map[string]interface{}, newOrder *model.Order, reason string) error {
	fields := map[string]interface{}{}
	for k, v := range originalMutations {
		fields[k] = v
	}
	fields["updated_at"] = time.Now()

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&model.Order{}).
			Where("id = ? AND status = ?", originalID, model.OrderStatusInExecution).
			Updates(fields)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrConflict
		}

		if err := tx.Create(newOrder).Error; err != nil {
			return err
		}

		logs := []model.OrderLog{
			{OrderID: originalID, Status: model.OrderStatusExecuted, Reason: reason, CreatedAt: time.Now()},
			{OrderID: newOrder.ID, Status: model.OrderStatusExecuted, Reason: reason, CreatedAt: time.Now()},
		}
		return tx.Create(&logs).Error
	})
}

// editableFields is the set of columns a user is permitted to patch on a
// non-terminal, non-IN_EXECUTION order.
var editableFields = map[string]struct{}{
	"max_entry":      {},
	"entry_price":    {},
	"take_profit":    {},
	"stop_loss":      {},
	"entry_interval": {},
	"stop_interval":  {},
}

// ErrNotPatchable is returned when an order is terminal or IN_EXECUTION
// and therefore not safe to patch.
var ErrNotPatchable = errors.New("repository: order not in a patchable state")

// ErrUnknownField is returned when a patch references a field outside the
// editable set.
var ErrUnknownField = errors.New("repository: field is not editable")

// Patch applies a user-driven edit to a non-terminal, non-IN_EXECUTION
// order. Unknown fields are rejected outright rather than silently ignored.
func (r *OrderRepository) Patch(ctx context.Context, id uint64, fields map[string]interface{}) error {
	for k := range fields {
		if _, ok := editableFields[k]; !ok {
			return ErrUnknownField
		}
	}
	fields["updated_at"] = time.Now()

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var order model.Order
		if err := tx.First(&order, id).Error; err != nil {
			return err
		}
		if order.Status.IsTerminal() || order.Status == model.OrderStatusInExecution {
			return ErrNotPatchable
		}

		result := tx.Model(&model.Order{}).Where("id = ?", id).Updates(fields)
		if result.Error != nil {
			return result.Error
		}

		entry := &model.OrderLog{OrderID: id, Status: order.Status, Reason: "patched", CreatedAt: time.Now()}
		return tx.Create(entry).Error
	})
}
