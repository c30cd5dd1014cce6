package orders

import (
	"context"
	"errors"
	"time"

	"github.com/ksred/klear-orders/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// Transaction runs fn against a Database bound to a single transaction. Inside
// fn only the supplied Database may be used.
func (d *Database) Transaction(ctx context.Context, fn func(tx *Database) error) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Database{db: tx})
	})
}

func (d *Database) CreateOrder(ctx context.Context, order *types.Order) error {
	return d.db.WithContext(ctx).Create(order).Error
}

func (d *Database) GetOrder(ctx context.Context, orderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.WithContext(ctx).Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) GetOrderForUser(ctx context.Context, userID, orderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.WithContext(ctx).Where("order_id = ? AND user_id = ?", orderID, userID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// ListOrders returns a user's orders, newest first. An empty status matches all.
func (d *Database) ListOrders(ctx context.Context, userID string, status types.OrderStatus, limit int) ([]types.Order, error) {
	q := d.db.WithContext(ctx).Where("user_id = ?", userID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var orders []types.Order
	err := q.Order("created_at DESC").Find(&orders).Error
	return orders, err
}

// ListPendingTriggers returns every resting advanced order
func (d *Database) ListPendingTriggers(ctx context.Context) ([]types.Order, error) {
	var orders []types.Order
	err := d.db.WithContext(ctx).
		Where("status = ? AND advanced_type <> ''", types.StatusPendingTrigger).
		Order("created_at ASC").
		Find(&orders).Error
	return orders, err
}

// ListDue returns scheduled orders whose time has come: one-time orders past
// their scheduled instant and recurring orders past their next execution
func (d *Database) ListDue(ctx context.Context, now time.Time) ([]types.Order, error) {
	repeating := []types.Recurrence{
		types.RecurrenceDaily,
		types.RecurrenceWeekly,
		types.RecurrenceMonthly,
		types.RecurrenceQuarterly,
	}

	var orders []types.Order
	err := d.db.WithContext(ctx).
		Where("status = ?", types.StatusPendingExecution).
		Where(d.db.
			Where("recurrence IN ? AND next_execution_at <= ?", repeating, now).
			Or("recurrence NOT IN ? AND scheduled_for IS NOT NULL AND scheduled_for <= ?", repeating, now)).
		Order("created_at ASC").
		Find(&orders).Error
	return orders, err
}

// Transition applies the selected columns of patch to the order, but only if
// it is currently in one of the from states. It reports whether a row changed.
func (d *Database) Transition(ctx context.Context, orderID string, from []types.OrderStatus, patch *types.Order, columns ...string) (bool, error) {
	result := d.db.WithContext(ctx).
		Model(&types.Order{}).
		Where("order_id = ? AND status IN ?", orderID, from).
		Select(columns).
		Updates(patch)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// NextAttemptNumber returns one past the highest attempt number for the order
func (d *Database) NextAttemptNumber(ctx context.Context, orderID string) (int, error) {
	var highest int
	err := d.db.WithContext(ctx).
		Model(&types.ExecutionAttempt{}).
		Where("order_id = ?", orderID).
		Select("COALESCE(MAX(attempt_number), 0)").
		Scan(&highest).Error
	return highest + 1, err
}

func (d *Database) CreateAttempt(ctx context.Context, attempt *types.ExecutionAttempt) error {
	return d.db.WithContext(ctx).Create(attempt).Error
}

func (d *Database) UpdateAttempt(ctx context.Context, attempt *types.ExecutionAttempt) error {
	return d.db.WithContext(ctx).Save(attempt).Error
}

func (d *Database) ListAttempts(ctx context.Context, orderID string) ([]types.ExecutionAttempt, error) {
	var attempts []types.ExecutionAttempt
	err := d.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("attempt_number ASC").
		Find(&attempts).Error
	return attempts, err
}
