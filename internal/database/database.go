package database

import (
	"fmt"

	"github.com/ksred/trading-core/internal/database/migrations"
	"github.com/ksred/trading-core/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDatabase initializes and returns a new GORM DB connection.
// The engine treats this store as the system of record; every model the
// services touch is migrated here.
func NewDatabase(path string) (*gorm.DB, error) {
	if path == "" {
		path = "trading.db"
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	// Run migrations
	if err := migrations.AddFills(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := migrations.AddSessionState(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	// Auto-migrate other schemas
	err = db.AutoMigrate(
		&types.Order{},
		&types.IdempotencyRecord{},
		&types.Position{},
	)
	if err != nil {
		return nil, err
	}

	return db, nil
}
