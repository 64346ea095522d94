package lifecycle

import (
	"errors"
	"time"

	"github.com/ksred/trading-core/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetCurrentState returns the authoritative session state row, nil when the
// system has never run.
func (d *Database) GetCurrentState() (*types.SystemState, error) {
	var state types.SystemState
	if err := d.db.Where("current = ?", true).Order("id DESC").First(&state).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &state, nil
}

// TransitionState appends a new current state row and demotes the previous
// one, in a single transaction. mutate, when set, fills in the new row
// before it is written.
func (d *Database) TransitionState(state string, mutate func(*types.SystemState)) (*types.SystemState, error) {
	previous, err := d.GetCurrentState()
	if err != nil {
		return nil, err
	}

	next := types.SystemState{
		State:     state,
		Current:   true,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if previous != nil {
		// Session context carries across transitions within one cycle.
		next.OpenedAt = previous.OpenedAt
		next.LastRecoveryAt = previous.LastRecoveryAt
		next.RecoveryOutcome = previous.RecoveryOutcome
		next.RecoveryDetail = previous.RecoveryDetail
	}
	if mutate != nil {
		mutate(&next)
	}

	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := tx.Model(&types.SystemState{}).Where("current = ?", true).
		Update("current", false).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Create(&next).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &next, nil
}

func (d *Database) GetSettlementByDate(tradeDate string) (*types.DailySettlement, error) {
	var settlement types.DailySettlement
	if err := d.db.Where("trade_date = ?", tradeDate).First(&settlement).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &settlement, nil
}

// UpsertSettlement writes the settlement for a trade date, updating the
// existing row when the session closes more than once on the same date.
func (d *Database) UpsertSettlement(settlement *types.DailySettlement) error {
	existing, err := d.GetSettlementByDate(settlement.TradeDate)
	if err != nil {
		return err
	}
	if existing == nil {
		return d.db.Create(settlement).Error
	}

	existing.RealizedPnL = settlement.RealizedPnL
	existing.UnrealizedPnL = settlement.UnrealizedPnL
	existing.TotalPnL = settlement.TotalPnL
	existing.PositionsSnapshot = settlement.PositionsSnapshot
	existing.UpdatedAt = time.Now()
	return d.db.Save(existing).Error
}
