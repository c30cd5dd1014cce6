package migrations

import (
	"github.com/ksred/klear-orders/internal/types"
	"gorm.io/gorm"
)

// AddExecutionAttempts creates the orders and execution attempt tables
func AddExecutionAttempts(db *gorm.DB) error {
	if err := db.AutoMigrate(&types.Order{}); err != nil {
		return err
	}

	if err := db.AutoMigrate(&types.ExecutionAttempt{}); err != nil {
		return err
	}

	return nil
}
