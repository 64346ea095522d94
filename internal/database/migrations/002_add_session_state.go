package migrations

import (
	"github.com/ksred/trading-core/internal/types"
	"gorm.io/gorm"
)

// AddSessionState creates the session lifecycle and daily settlement tables.
func AddSessionState(db *gorm.DB) error {
	if err := db.AutoMigrate(&types.SystemState{}); err != nil {
		return err
	}
	return db.AutoMigrate(&types.DailySettlement{})
}
