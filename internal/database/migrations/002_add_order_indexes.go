package migrations

import (
	"gorm.io/gorm"
)

// AddOrderIndexes creates the composite indexes used by the periodic drivers
// and the limit validator
func AddOrderIndexes(db *gorm.DB) error {
	indexes := []string{
		// Monitor scans resting conditional orders
		`CREATE INDEX IF NOT EXISTS idx_orders_status_advanced
		 ON orders(status, advanced_type)`,

		// Scheduler scans due one-time orders
		`CREATE INDEX IF NOT EXISTS idx_orders_status_scheduled_for
		 ON orders(status, scheduled_for)`,

		// Scheduler scans due recurring orders
		`CREATE INDEX IF NOT EXISTS idx_orders_status_next_execution
		 ON orders(status, next_execution_at)`,

		// Owner listings
		`CREATE INDEX IF NOT EXISTS idx_orders_user_created_at
		 ON orders(user_id, created_at)`,

		// Limit lookups during order creation
		`CREATE INDEX IF NOT EXISTS idx_order_limits_user_currency
		 ON order_limits(user_id, currency, enforced)`,

		// Expired idempotency sweeps
		`CREATE INDEX IF NOT EXISTS idx_idempotency_records_expires_at
		 ON idempotency_records(expires_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
