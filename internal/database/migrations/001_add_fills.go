package migrations

import (
	"github.com/ksred/trading-core/internal/types"
	"gorm.io/gorm"
)

// AddFills creates the append-only fills table. The unique index on
// venue_fill_id is what makes duplicate fill delivery a no-op.
func AddFills(db *gorm.DB) error {
	return db.AutoMigrate(&types.Fill{})
}
