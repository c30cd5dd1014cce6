package database

import (
	"fmt"

	"github.com/ksred/klear-orders/internal/database/migrations"
	"github.com/ksred/klear-orders/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDatabase opens the sqlite file at path and migrates every schema
func NewDatabase(path string) (*gorm.DB, error) {
	return Open(path + "?_journal_mode=WAL&_busy_timeout=5000")
}

// Open initializes a GORM connection for the given sqlite DSN and runs migrations.
// Tests pass an in-memory DSN.
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	// sqlite serializes writers; a single connection avoids "database is locked"
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := migrations.AddExecutionAttempts(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	err = db.AutoMigrate(
		&types.IdempotencyRecord{},
		&types.OrderLimit{},
		&types.Account{},
		&types.SpaceMember{},
		&types.UserProfile{},
	)
	if err != nil {
		return nil, err
	}

	if err := migrations.AddOrderIndexes(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}
